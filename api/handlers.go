/*
handlers.go - HTTP API handlers for the rateio engine

PURPOSE:
  Exposes contracts, allocations, monthly audits, settlements, proposals
  and reports via REST. Handles HTTP request/response and JSON
  serialization, and delegates to the rateio services.

ENDPOINTS:
  Contracts:
    GET    /api/contracts                       List contracts
    POST   /api/contracts                       Create contract
    GET    /api/contracts/{id}                  Get contract with allocations
    DELETE /api/contracts/{id}                  Delete contract (history is kept)
    PUT    /api/contracts/{id}/participation    Change participation share

  Allocations:
    GET    /api/contracts/{id}/allocations      Stored, resolved and summary
    POST   /api/contracts/{id}/allocations      Add sub-unit allocation
    PUT    /api/allocations/{id}                Change percentage
    DELETE /api/allocations/{id}                Remove allocation

  Audits:
    GET    /api/contracts/{id}/audits           List audit records
    POST   /api/contracts/{id}/audits           Record a month
    GET    /api/contracts/{id}/audits/draft     Carry-forward draft (?month=)
    PUT    /api/audits/{id}                     Edit (status recomputed)
    DELETE /api/audits/{id}                     Delete with its entries
    POST   /api/reconciliation/preview          Reconcile without saving

  Settlements:
    GET    /api/contracts/{id}/settlements      List closed months
    POST   /api/contracts/{id}/settlements      Close a month
    PUT    /api/settlements/{id}                Correct a closed month
    POST   /api/settlement/preview              Calculate without saving

  Proposals and reports:
    POST   /api/proposals/simulate              Pre-sale bill simulation
    GET    /api/reports/spread                  Spread ranking (?from=&to=&format=xlsx)
    GET    /api/reports/profitability           Monthly totals (?from=&to=)
    GET    /api/closings/status                 Divergent and unclosed contracts (?month=)

REQUEST FLOW:
  1. Decode body into a map (numbers kept as json.Number)
  2. Build engine inputs with the factory parser (strict or lenient)
  3. Call the rateio service
  4. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors (field errors listed in details)
  - 404: Record not found
  - 409: Conflict (duplicate allocation, month already recorded/closed)
  - 500: Storage failures (logged with the request id)
  DIVERGENT months and inconsistent entries are not errors; they are
  saved and reported in the response.

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Response data structures
  - factory/parse.go: Request parsing
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solarshare/rateio-engine/factory"
	"github.com/solarshare/rateio-engine/rateio"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs: the rateio stores plus a reset
// for demo scenarios.
type Store interface {
	rateio.Store
	Reset(ctx context.Context) error
}

// Options tune engine behavior per deployment.
type Options struct {
	AggregateTolerance   decimal.Decimal
	EntryTolerance       decimal.Decimal
	ParseMode            factory.Mode
	RejectOverAllocation bool
}

// DefaultOptions returns the documented defaults: 5 kWh aggregate and
// 1 kWh per-entry tolerance, lenient parsing, over-allocation allowed.
func DefaultOptions() Options {
	return Options{
		AggregateTolerance: rateio.DefaultAggregateToleranceKWh,
		EntryTolerance:     rateio.EntryToleranceKWh,
		ParseMode:          factory.ModeLenient,
	}
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       Store
	Parser      *factory.Parser
	Allocations *rateio.AllocationTable
	Auditor     *rateio.Auditor
	Closer      *rateio.Closer
	Reporter    *rateio.Reporter
	Logger      *zap.Logger
	Metrics     *Metrics

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the rateio services over store. A nil logger discards
// log output.
func NewHandler(store Store, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	auditor := rateio.NewAuditor(store, store)
	auditor.Tolerance = opts.AggregateTolerance
	auditor.EntryTolerance = opts.EntryTolerance

	return &Handler{
		Store:  store,
		Parser: factory.NewParser(opts.ParseMode),
		Allocations: &rateio.AllocationTable{
			Contracts:            store,
			Allocations:          store,
			RejectOverAllocation: opts.RejectOverAllocation,
		},
		Auditor:  auditor,
		Closer:   rateio.NewCloser(store, store, store),
		Reporter: &rateio.Reporter{Contracts: store, Settlements: store},
		Logger:   logger,
		Metrics:  NewMetrics(),
	}
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// ListContracts returns all contracts with their stored allocations.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := h.Store.ListContracts(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list contracts", err)
		return
	}

	dtos := make([]ContractDTO, len(contracts))
	for i, c := range contracts {
		dtos[i] = toContractDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateContract creates a contract (vinculo).
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	c, err := h.Parser.Contract(body)
	if err != nil {
		h.fail(w, r, "Invalid contract", err)
		return
	}

	ctx := r.Context()
	if _, err := h.Store.GetContract(ctx, c.ID); err == nil {
		h.fail(w, r, "Contract already exists", fmt.Errorf("%w: %s", rateio.ErrContractExists, c.ID))
		return
	} else if !errors.Is(err, rateio.ErrContractNotFound) {
		h.fail(w, r, "Failed to check contract", err)
		return
	}

	if err := h.Store.SaveContract(ctx, c); err != nil {
		h.fail(w, r, "Failed to create contract", err)
		return
	}
	saved, err := h.Store.GetContract(ctx, c.ID)
	if err != nil {
		h.fail(w, r, "Failed to load contract", err)
		return
	}

	h.Logger.Info("contract created",
		zap.String("contract_id", string(c.ID)),
		zap.String("participation", c.Participation.String()))
	writeJSON(w, http.StatusCreated, toContractDTO(saved))
}

// GetContract returns one contract.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetContract(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, "Failed to get contract", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(c))
}

// DeleteContract removes a contract and its allocations. Audit and
// settlement history stays behind and is filtered out of reports.
func (h *Handler) DeleteContract(w http.ResponseWriter, r *http.Request) {
	id := contractID(r)
	if err := h.Store.DeleteContract(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to delete contract", err)
		return
	}
	h.Logger.Info("contract deleted", zap.String("contract_id", string(id)))
	w.WriteHeader(http.StatusNoContent)
}

// UpdateParticipation changes a contract's participation share. Existing
// audit records keep their stored status until edited.
func (h *Handler) UpdateParticipation(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	pct, err := h.Parser.Participation(body)
	if err != nil {
		h.fail(w, r, "Invalid participation", err)
		return
	}

	ctx := r.Context()
	id := contractID(r)
	if err := h.Store.UpdateParticipation(ctx, id, pct); err != nil {
		h.fail(w, r, "Failed to update participation", err)
		return
	}
	c, err := h.Store.GetContract(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to load contract", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(c))
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// ListAllocations returns the stored allocations, the resolved list the
// engine operates on (fallback included) and the running total.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := contractID(r)

	resolved, err := h.Allocations.ResolvedAllocations(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to resolve allocations", err)
		return
	}
	stored, err := h.Allocations.ListAllocations(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to list allocations", err)
		return
	}

	writeJSON(w, http.StatusOK, AllocationListResponse{
		Allocations: toAllocationDTOs(stored),
		Resolved:    toAllocationDTOs(resolved),
		Summary:     toSummaryDTO(rateio.Summarize(stored)),
	})
}

// CreateAllocation adds a sub-unit allocation. Totals other than 100% are
// reported in the summary, not rejected, unless the deployment opts in.
func (h *Handler) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	unit, pct, err := h.Parser.Allocation(body)
	if err != nil {
		h.fail(w, r, "Invalid allocation", err)
		return
	}

	ctx := r.Context()
	id := contractID(r)
	alloc, err := h.Allocations.AddAllocation(ctx, id, unit, pct)
	if err != nil {
		h.fail(w, r, "Failed to add allocation", err)
		return
	}

	summary, err := h.allocationSummary(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to summarize allocations", err)
		return
	}
	writeJSON(w, http.StatusCreated, AllocationResponse{
		Allocation: toAllocationDTO(alloc),
		Summary:    summary,
	})
}

// UpdateAllocation changes an allocation's percentage.
func (h *Handler) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := allocationID(r)
	if err != nil {
		h.fail(w, r, "Invalid allocation id", err)
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	pct, err := h.Parser.AllocationPercentage(body)
	if err != nil {
		h.fail(w, r, "Invalid allocation", err)
		return
	}

	ctx := r.Context()
	if err := h.Allocations.UpdateAllocation(ctx, id, pct); err != nil {
		h.fail(w, r, "Failed to update allocation", err)
		return
	}
	alloc, err := h.Store.GetAllocation(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to load allocation", err)
		return
	}
	summary, err := h.allocationSummary(ctx, alloc.ContractID)
	if err != nil {
		h.fail(w, r, "Failed to summarize allocations", err)
		return
	}
	writeJSON(w, http.StatusOK, AllocationResponse{
		Allocation: toAllocationDTO(alloc),
		Summary:    summary,
	})
}

// DeleteAllocation removes an allocation. Removing the last one makes the
// contract fall back to its primary consumer unit.
func (h *Handler) DeleteAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := allocationID(r)
	if err != nil {
		h.fail(w, r, "Invalid allocation id", err)
		return
	}
	if err := h.Allocations.RemoveAllocation(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to remove allocation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) allocationSummary(ctx context.Context, id rateio.ContractID) (AllocationSummaryDTO, error) {
	stored, err := h.Allocations.ListAllocations(ctx, id)
	if err != nil {
		return AllocationSummaryDTO{}, err
	}
	return toSummaryDTO(rateio.Summarize(stored)), nil
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListAudits returns a contract's audit records by month.
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Auditor.List(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, "Failed to list audit records", err)
		return
	}

	dtos := make([]AuditRecordDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toAuditRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAudit records a contract month. DIVERGENT months are saved.
func (h *Handler) CreateAudit(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	draft, err := h.Parser.AuditDraft(body)
	if err != nil {
		h.fail(w, r, "Invalid audit record", err)
		return
	}

	res, err := h.Auditor.Record(r.Context(), contractID(r), draft)
	if err != nil {
		h.fail(w, r, "Failed to record audit", err)
		return
	}
	h.observeAudit(r, "audit recorded", res)
	writeJSON(w, http.StatusCreated, toAuditResultDTO(res))
}

// DraftAudit returns pre-filled ledger entries for ?month=YYYY-MM.
func (h *Handler) DraftAudit(w http.ResponseWriter, r *http.Request) {
	month, err := rateio.ParseMonth(r.URL.Query().Get("month"))
	if err != nil {
		h.fail(w, r, "Invalid month", &rateio.FieldError{
			Field: "month", Value: r.URL.Query().Get("month"), Reason: "must be YYYY-MM",
		})
		return
	}

	id := contractID(r)
	entries, err := h.Auditor.DraftNextMonth(r.Context(), id, month)
	if err != nil {
		h.fail(w, r, "Failed to build draft", err)
		return
	}
	writeJSON(w, http.StatusOK, DraftResponse{
		ContractID: string(id),
		Month:      month.String(),
		Entries:    toLedgerEntryDTOs(entries),
	})
}

// UpdateAudit edits an audit record and recomputes its status.
func (h *Handler) UpdateAudit(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	draft, err := h.Parser.AuditUpdate(body)
	if err != nil {
		h.fail(w, r, "Invalid audit record", err)
		return
	}

	res, err := h.Auditor.Update(r.Context(), rateio.AuditRecordID(chi.URLParam(r, "id")), draft)
	if err != nil {
		h.fail(w, r, "Failed to update audit", err)
		return
	}
	h.observeAudit(r, "audit updated", res)
	writeJSON(w, http.StatusOK, toAuditResultDTO(res))
}

// DeleteAudit removes an audit record and its ledger entries.
func (h *Handler) DeleteAudit(w http.ResponseWriter, r *http.Request) {
	if err := h.Auditor.Delete(r.Context(), rateio.AuditRecordID(chi.URLParam(r, "id"))); err != nil {
		h.fail(w, r, "Failed to delete audit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreviewReconciliation reconciles without saving. With a contract_id the
// contract's participation and allocations are used; otherwise the body
// carries participacao and the breakdown lists declared units only.
func (h *Handler) PreviewReconciliation(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}

	if id, _ := body["contract_id"].(string); id != "" {
		draft, err := h.Parser.AuditUpdate(body)
		if err != nil {
			h.fail(w, r, "Invalid reconciliation input", err)
			return
		}
		res, err := h.Auditor.Preview(r.Context(), rateio.ContractID(id), draft)
		if err != nil {
			h.fail(w, r, "Failed to reconcile", err)
			return
		}
		writeJSON(w, http.StatusOK, toAuditResultDTO(res))
		return
	}

	in, err := h.Parser.ReconciliationInput(body)
	if err != nil {
		h.fail(w, r, "Invalid reconciliation input", err)
		return
	}
	recon := rateio.Reconcile(in, h.Auditor.Tolerance)
	writeJSON(w, http.StatusOK, toAuditResultDTO(rateio.AuditResult{
		Record: rateio.AuditRecord{
			Generation:      in.Generation,
			SelfConsumption: in.SelfConsumption,
			Status:          recon.Status,
			Divergence:      recon.Divergence,
			Entries:         in.Entries,
		},
		Reconciliation: recon,
		EntryChecks:    rateio.CheckEntriesWithin(in.Entries, h.Auditor.EntryTolerance),
	}))
}

func (h *Handler) observeAudit(r *http.Request, msg string, res rateio.AuditResult) {
	h.Metrics.observeAudit(res)

	rec := res.Record
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("contract_id", string(rec.ContractID)),
		zap.String("month", rec.Month.String()),
		zap.String("status", string(rec.Status)),
		zap.String("divergence_kwh", rec.Divergence.String()),
	}
	if n := rateio.CountInconsistent(res.EntryChecks); n > 0 {
		fields = append(fields, zap.Int("inconsistent_entries", n))
	}
	if rec.Status == rateio.StatusDivergent {
		h.Logger.Warn(msg, fields...)
		return
	}
	h.Logger.Info(msg, fields...)
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// ListSettlements returns a contract's closed months.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Closer.List(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, "Failed to list settlements", err)
		return
	}

	dtos := make([]SettlementRecordDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toSettlementRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSettlement closes a contract month. With audit_id the month and
// compensated energy come from that audit record.
func (h *Handler) CreateSettlement(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	req, err := h.Parser.CloseRequest(body)
	if err != nil {
		h.fail(w, r, "Invalid settlement", err)
		return
	}

	ctx := r.Context()
	id := contractID(r)
	var rec rateio.SettlementRecord
	if req.AuditID != "" {
		audit, err := h.Auditor.Get(ctx, req.AuditID)
		if err != nil {
			h.fail(w, r, "Failed to load audit record", err)
			return
		}
		if audit.ContractID != id {
			h.fail(w, r, "Invalid settlement", &rateio.FieldError{
				Field: "audit_id", Value: req.AuditID, Reason: "belongs to another contract",
			})
			return
		}
		rec, err = h.Closer.CloseFromAudit(ctx, req.AuditID, req.Close)
		if err != nil {
			h.fail(w, r, "Failed to close month", err)
			return
		}
	} else {
		rec, err = h.Closer.Close(ctx, id, req.Close)
		if err != nil {
			h.fail(w, r, "Failed to close month", err)
			return
		}
	}

	h.Metrics.settlementsClosed.WithLabelValues("close").Inc()
	h.Logger.Info("month closed",
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("contract_id", string(rec.ContractID)),
		zap.String("month", rec.Month.String()),
		zap.String("amount_received", rec.AmountReceived.String()),
		zap.String("spread", rec.Spread.String()))
	writeJSON(w, http.StatusCreated, toSettlementRecordDTO(rec))
}

// UpdateSettlement corrects a closed month. Omitted fields are kept.
func (h *Handler) UpdateSettlement(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	id := rateio.SettlementID(chi.URLParam(r, "id"))
	stored, err := h.Store.GetSettlementRecord(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to load settlement", err)
		return
	}
	fix, err := h.Parser.Correction(body, stored.Breakdown.Input)
	if err != nil {
		h.fail(w, r, "Invalid correction", err)
		return
	}

	rec, err := h.Closer.Correct(ctx, id, fix)
	if err != nil {
		h.fail(w, r, "Failed to correct settlement", err)
		return
	}
	h.Metrics.settlementsClosed.WithLabelValues("correct").Inc()
	h.Logger.Info("settlement corrected",
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("settlement_id", string(id)),
		zap.String("month", rec.Month.String()))
	writeJSON(w, http.StatusOK, toSettlementRecordDTO(rec))
}

// PreviewSettlement runs the calculator without saving.
func (h *Handler) PreviewSettlement(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	in, err := h.Parser.SettlementInput(body)
	if err != nil {
		h.fail(w, r, "Invalid settlement input", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(rateio.Settle(in)))
}

// =============================================================================
// PROPOSAL AND REPORT HANDLERS
// =============================================================================

// SimulateProposal projects a prospect's bill after migration.
func (h *Handler) SimulateProposal(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	bill, discount, err := h.Parser.Proposal(body)
	if err != nil {
		h.fail(w, r, "Invalid bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalDTO(rateio.Simulate(bill, discount)))
}

// SpreadReport ranks live contracts by spread. format=xlsx downloads a
// spreadsheet instead of JSON.
func (h *Handler) SpreadReport(w http.ResponseWriter, r *http.Request) {
	months, err := monthRange(r)
	if err != nil {
		h.fail(w, r, "Invalid month range", err)
		return
	}
	rep, err := h.loadReport(r, months)
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}
	ranking := rateio.RankBySpread(rep.Rows)

	if strings.EqualFold(r.URL.Query().Get("format"), "xlsx") {
		if err := writeSpreadXLSX(w, months, ranking); err != nil {
			h.Logger.Error("spread export failed", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse[SpreadRowDTO]{
		From:           monthString(months.From),
		To:             monthString(months.To),
		Rows:           toSpreadRowDTOs(ranking),
		OrphansDropped: rep.Orphans,
	})
}

// ProfitabilityReport totals live contracts per month.
func (h *Handler) ProfitabilityReport(w http.ResponseWriter, r *http.Request) {
	months, err := monthRange(r)
	if err != nil {
		h.fail(w, r, "Invalid month range", err)
		return
	}
	rep, err := h.loadReport(r, months)
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse[MonthProfitDTO]{
		From:           monthString(months.From),
		To:             monthString(months.To),
		Rows:           toMonthProfitDTOs(rateio.ProfitByMonth(rep.Rows)),
		OrphansDropped: rep.Orphans,
	})
}

// GetClosingStatus lists contracts with a DIVERGENT audit or no settlement
// for ?month=YYYY-MM (default: previous month).
func (h *Handler) GetClosingStatus(w http.ResponseWriter, r *http.Request) {
	month := rateio.MonthOf(time.Now().UTC()).Prev()
	if raw := r.URL.Query().Get("month"); raw != "" {
		m, err := rateio.ParseMonth(raw)
		if err != nil {
			h.fail(w, r, "Invalid month", &rateio.FieldError{Field: "month", Value: raw, Reason: "must be YYYY-MM"})
			return
		}
		month = m
	}

	status, err := CheckClosings(r.Context(), h.Store, month)
	if err != nil {
		h.fail(w, r, "Failed to check closings", err)
		return
	}
	writeJSON(w, http.StatusOK, toClosingStatusDTO(status))
}

func (h *Handler) loadReport(r *http.Request, months rateio.MonthRange) (rateio.Report, error) {
	rep, err := h.Reporter.Load(r.Context(), months)
	if err != nil {
		return rateio.Report{}, err
	}
	h.Metrics.reportOrphans.Set(float64(rep.Orphans))
	if rep.Orphans > 0 {
		h.Logger.Debug("orphan settlements dropped from report", zap.Int("orphans", rep.Orphans))
	}
	return rep, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: errorCode(status)}
	if fields := fieldErrors(err); len(fields) > 0 {
		resp.Details = fields
	} else if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps err to a status, logs server-side failures and writes the
// error response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusInternalServerError:
		h.Logger.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	case status == http.StatusBadRequest:
		h.Metrics.parseRejections.WithLabelValues(routePattern(r)).Inc()
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case rateio.IsClientError(err):
		return http.StatusBadRequest
	case rateio.IsNotFound(err):
		return http.StatusNotFound
	case rateio.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// fieldErrors flattens joined *rateio.FieldError values for the response.
func fieldErrors(err error) []FieldErrorDTO {
	if err == nil {
		return nil
	}
	if fe, ok := err.(*rateio.FieldError); ok {
		return []FieldErrorDTO{{Field: fe.Field, Reason: fe.Reason}}
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []FieldErrorDTO
		for _, e := range joined.Unwrap() {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}
	var fe *rateio.FieldError
	if errors.As(err, &fe) {
		return []FieldErrorDTO{{Field: fe.Field, Reason: fe.Reason}}
	}
	return nil
}

// decodeBody reads a JSON object, keeping numbers as json.Number so the
// parser sees the digits the operator typed.
func decodeBody(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &rateio.FieldError{Field: "body", Reason: "is required"}
		}
		return nil, &rateio.FieldError{Field: "body", Value: err.Error(), Reason: "must be a JSON object"}
	}
	if body == nil {
		return nil, &rateio.FieldError{Field: "body", Reason: "must be a JSON object"}
	}
	return body, nil
}

func contractID(r *http.Request) rateio.ContractID {
	return rateio.ContractID(chi.URLParam(r, "id"))
}

func allocationID(r *http.Request) (rateio.AllocationID, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &rateio.FieldError{Field: "id", Value: raw, Reason: "must be an integer"}
	}
	return rateio.AllocationID(id), nil
}

func monthRange(r *http.Request) (rateio.MonthRange, error) {
	var months rateio.MonthRange
	q := r.URL.Query()
	for _, bound := range []struct {
		name string
		dst  *rateio.Month
	}{{"from", &months.From}, {"to", &months.To}} {
		raw := q.Get(bound.name)
		if raw == "" {
			continue
		}
		m, err := rateio.ParseMonth(raw)
		if err != nil {
			return rateio.MonthRange{}, &rateio.FieldError{Field: bound.name, Value: raw, Reason: "must be YYYY-MM"}
		}
		*bound.dst = m
	}
	if !months.From.IsZero() && !months.To.IsZero() && months.To.Before(months.From) {
		return rateio.MonthRange{}, &rateio.FieldError{Field: "to", Value: months.To.String(), Reason: "must not be before from"}
	}
	return months, nil
}

func monthString(m rateio.Month) string {
	if m.IsZero() {
		return ""
	}
	return m.String()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}
