/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Contract, allocation, audit and settlement flows through the router
- Status codes for validation (400), missing records (404) and conflicts (409)
- Stateless previews and the proposal simulator
- Strict parse mode rejecting malformed numbers
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solarshare/rateio-engine/factory"
	"github.com/solarshare/rateio-engine/rateio/store"
)

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	h := NewHandler(store.NewMemory(), zaptest.NewLogger(t), opts)
	return &testServer{t: t, handler: h, router: NewRouter(h, nil)}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func contractBody(id, participation string) map[string]any {
	return map[string]any{
		"id":                 id,
		"name":               "Contrato " + id,
		"generator_id":       "USINA-1",
		"consumer_id":        "CLI-1",
		"consumer_unit_id":   "UC-" + id,
		"participacao":       participation,
		"tarifa_gerador_kwh": "0,60",
	}
}

func (s *testServer) createContract(id, participation string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/contracts", contractBody(id, participation))
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// CONTRACTS
// =============================================================================

func TestContracts_CreateGetDelete(t *testing.T) {
	s := newTestServer(t, DefaultOptions())

	// GIVEN: A new contract
	rec := s.do(http.MethodPost, "/api/contracts", contractBody("CT-1", "42,5"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ContractDTO](t, rec)
	assert.Equal(t, "CT-1", created.ID)
	assertDec(t, "42.5", created.Participation)
	assertDec(t, "0.60", created.GeneratorTariff)
	assert.Equal(t, "active", created.Status)

	// WHEN: Creating it again
	rec = s.do(http.MethodPost, "/api/contracts", contractBody("CT-1", "10"))

	// THEN: Conflict
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodGet, "/api/contracts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ContractDTO](t, rec), 1)

	rec = s.do(http.MethodPut, "/api/contracts/CT-1/participation", map[string]any{"participacao": "50"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertDec(t, "50", decode[ContractDTO](t, rec).Participation)

	rec = s.do(http.MethodDelete, "/api/contracts/CT-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/contracts/CT-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestContracts_ValidationDetails(t *testing.T) {
	s := newTestServer(t, DefaultOptions())

	rec := s.do(http.MethodPost, "/api/contracts", map[string]any{"participacao": "150"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Code    string          `json:"code"`
		Details []FieldErrorDTO `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation", resp.Code)
	var fields []string
	for _, d := range resp.Details {
		fields = append(fields, d.Field)
	}
	assert.Equal(t, []string{"id", "generator_id", "consumer_id", "consumer_unit_id", "participacao"}, fields)
}

func TestDecodeBody_RejectsNonObjects(t *testing.T) {
	s := newTestServer(t, DefaultOptions())

	for _, body := range []string{"", "[1,2]", "null", "{"} {
		rec := s.do(http.MethodPost, "/api/contracts", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func TestAllocations_Flow(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	s.createContract("CT-1", "100")

	// GIVEN: No allocations, the primary unit is the synthetic fallback
	rec := s.do(http.MethodGet, "/api/contracts/CT-1/allocations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[AllocationListResponse](t, rec)
	assert.Empty(t, list.Allocations)
	require.Len(t, list.Resolved, 1)
	assert.True(t, list.Resolved[0].Synthetic)
	assert.Equal(t, int64(0), list.Resolved[0].ID)

	// WHEN: Adding 60% and 30%
	rec = s.do(http.MethodPost, "/api/contracts/CT-1/allocations", map[string]any{"sub_unit_id": "UC-2", "porcentagem": "60"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[AllocationResponse](t, rec)
	rec = s.do(http.MethodPost, "/api/contracts/CT-1/allocations", map[string]any{"sub_unit_id": "UC-3", "porcentagem": 30})
	require.Equal(t, http.StatusCreated, rec.Code)

	// THEN: The summary reports 90%, incomplete
	summary := decode[AllocationResponse](t, rec).Summary
	assertDec(t, "90", summary.Total)
	assertDec(t, "10", summary.Remaining)
	assert.False(t, summary.Complete)

	// Duplicate sub-unit
	rec = s.do(http.MethodPost, "/api/contracts/CT-1/allocations", map[string]any{"sub_unit_id": "UC-2", "porcentagem": "5"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Negative percentage
	rec = s.do(http.MethodPost, "/api/contracts/CT-1/allocations", map[string]any{"sub_unit_id": "UC-4", "porcentagem": "-5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown contract
	rec = s.do(http.MethodPost, "/api/contracts/nope/allocations", map[string]any{"sub_unit_id": "UC-4", "porcentagem": "5"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Update to complete the table
	path := "/api/allocations/" + strconv.FormatInt(first.Allocation.ID, 10)
	rec = s.do(http.MethodPut, path, map[string]any{"porcentagem": "70"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[AllocationResponse](t, rec).Summary.Complete)

	rec = s.do(http.MethodPut, "/api/allocations/abc", map[string]any{"porcentagem": "70"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodDelete, "/api/allocations/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAllocations_RejectOverAllocationOption(t *testing.T) {
	opts := DefaultOptions()
	opts.RejectOverAllocation = true
	s := newTestServer(t, opts)
	s.createContract("CT-1", "100")

	rec := s.do(http.MethodPost, "/api/contracts/CT-1/allocations", map[string]any{"sub_unit_id": "UC-2", "porcentagem": "80"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(http.MethodPost, "/api/contracts/CT-1/allocations", map[string]any{"sub_unit_id": "UC-3", "porcentagem": "30"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// AUDITS
// =============================================================================

func auditBody(month, generation string, injected ...string) map[string]any {
	entries := make([]any, 0, len(injected))
	for i, inj := range injected {
		entries = append(entries, map[string]any{
			"sub_unit_id":         "UC-" + string(rune('1'+i)),
			"saldo_anterior":      "0",
			"creditos_injetados":  inj,
			"creditos_consumidos": "0",
			"saldo_final":         inj,
		})
	}
	return map[string]any{"month": month, "geracao_usina": generation, "entries": entries}
}

func TestAudits_RecordUpdateDelete(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	s.createContract("CT-1", "100")

	// GIVEN: 1000 kWh generated, 990 declared
	rec := s.do(http.MethodPost, "/api/contracts/CT-1/audits", auditBody("2024-01", "1000", "990"))

	// THEN: Saved as DIVERGENT
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[AuditResultDTO](t, rec)
	assert.Equal(t, "DIVERGENT", res.Record.Status)
	assertDec(t, "10", res.Reconciliation.Divergence)
	assertDec(t, "5", res.Reconciliation.Tolerance)
	assert.Equal(t, "2024-01", res.Record.Month)

	// Same month again
	rec = s.do(http.MethodPost, "/api/contracts/CT-1/audits", auditBody("2024-01", "1000", "1000"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing month, even in lenient mode
	rec = s.do(http.MethodPost, "/api/contracts/CT-1/audits", map[string]any{"geracao_usina": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: Correcting the declared credits
	rec = s.do(http.MethodPut, "/api/audits/"+res.Record.ID, auditBody("", "1000", "998"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "OK", decode[AuditResultDTO](t, rec).Record.Status)

	rec = s.do(http.MethodGet, "/api/contracts/CT-1/audits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audits := decode[[]AuditRecordDTO](t, rec)
	require.Len(t, audits, 1)
	assert.Equal(t, "OK", audits[0].Status)

	rec = s.do(http.MethodDelete, "/api/audits/"+res.Record.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodDelete, "/api/audits/"+res.Record.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAudits_DraftCarriesForward(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	s.createContract("CT-1", "100")
	rec := s.do(http.MethodPost, "/api/contracts/CT-1/audits", auditBody("2024-01", "300", "300"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodGet, "/api/contracts/CT-1/audits/draft?month=2024-02", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	draft := decode[DraftResponse](t, rec)
	assert.Equal(t, "2024-02", draft.Month)
	require.Len(t, draft.Entries, 1)
	assert.Equal(t, "UC-1", draft.Entries[0].SubUnitID)
	assertDec(t, "300", draft.Entries[0].PreviousBalance)

	rec = s.do(http.MethodGet, "/api/contracts/CT-1/audits/draft?month=feb", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewReconciliation(t *testing.T) {
	s := newTestServer(t, DefaultOptions())

	// Stateless: participation comes from the body
	body := auditBody("", "2010", "1000")
	body["consumo_proprio_usina"] = "10"
	body["participacao"] = "50"
	rec := s.do(http.MethodPost, "/api/reconciliation/preview", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[AuditResultDTO](t, rec)
	assertDec(t, "2000", res.Reconciliation.NetGeneratorOutput)
	assertDec(t, "1000", res.Reconciliation.ClientEntitlement)
	assert.Equal(t, "OK", res.Reconciliation.Status)

	// Contract-backed: nothing is saved
	s.createContract("CT-1", "100")
	body = auditBody("2024-01", "1000", "990")
	body["contract_id"] = "CT-1"
	rec = s.do(http.MethodPost, "/api/reconciliation/preview", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "DIVERGENT", decode[AuditResultDTO](t, rec).Reconciliation.Status)

	rec = s.do(http.MethodGet, "/api/contracts/CT-1/audits", nil)
	assert.Empty(t, decode[[]AuditRecordDTO](t, rec))
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func TestSettlements_CloseAndCorrect(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	s.createContract("CT-1", "100")

	// GIVEN: A month close of 1000 kWh at R$ 0,90 with 10% discount
	rec := s.do(http.MethodPost, "/api/contracts/CT-1/settlements", map[string]any{
		"month":                "2024-03",
		"energia_injetada_kwh": "1000",
		"tarifa_kwh":           "0,90",
		"desconto_percentual":  "10",
		"documents":            []any{"fatura.pdf"},
	})

	// THEN: Consumer billed 810, generator paid at the contract tariff
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	closed := decode[SettlementRecordDTO](t, rec)
	assertDec(t, "810", closed.AmountReceived)
	assertDec(t, "600", closed.AmountPaid)
	assertDec(t, "210", closed.Spread)
	assert.Equal(t, []DocumentDTO{{Ref: "fatura.pdf"}}, closed.Documents)

	// Same month again
	rec = s.do(http.MethodPost, "/api/contracts/CT-1/settlements", map[string]any{
		"month": "2024-03", "energia_injetada_kwh": "1", "tarifa_kwh": "1", "desconto_percentual": "0",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: Correcting the amount paid
	rec = s.do(http.MethodPut, "/api/settlements/"+closed.ID, map[string]any{"valor_pago": "650", "notes": "acordo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fixed := decode[SettlementRecordDTO](t, rec)
	assertDec(t, "810", fixed.AmountReceived)
	assertDec(t, "650", fixed.AmountPaid)
	assertDec(t, "160", fixed.Spread)
	assert.Equal(t, "acordo", fixed.Notes)

	rec = s.do(http.MethodPut, "/api/settlements/missing", map[string]any{"notes": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/contracts/CT-1/settlements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SettlementRecordDTO](t, rec), 1)
}

func TestSettlements_CloseFromAudit(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	s.createContract("CT-1", "100")
	s.createContract("CT-2", "100")
	rec := s.do(http.MethodPost, "/api/contracts/CT-1/audits", auditBody("2024-05", "1000", "600", "400"))
	require.Equal(t, http.StatusCreated, rec.Code)
	auditID := decode[AuditResultDTO](t, rec).Record.ID

	// An audit of another contract is rejected
	rec = s.do(http.MethodPost, "/api/contracts/CT-2/settlements", map[string]any{
		"audit_id": auditID, "tarifa_kwh": "0,90", "desconto_percentual": "10",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/contracts/CT-1/settlements", map[string]any{
		"audit_id": auditID, "tarifa_kwh": "0,90", "desconto_percentual": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	closed := decode[SettlementRecordDTO](t, rec)
	assert.Equal(t, "2024-05", closed.Month)
	assertDec(t, "1000", closed.EnergyCompensated)
	assertDec(t, "810", closed.AmountReceived)
}

func TestPreviewSettlementAndProposal(t *testing.T) {
	s := newTestServer(t, DefaultOptions())

	rec := s.do(http.MethodPost, "/api/settlement/preview", map[string]any{
		"energia_injetada_kwh": "1000",
		"tarifa_kwh":           "0.90",
		"desconto_percentual":  "10",
		"fio_b_kwh":            "0.03",
		"icms_percentual":      "5",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sett := decode[SettlementDTO](t, rec)
	assertDec(t, "900", sett.GrossGenerationValue)
	assertDec(t, "30", sett.GridUsageFeeCost)
	assertDec(t, "45", sett.TaxCost)
	assertDec(t, "825", sett.NetEconomy)
	assertDec(t, "742.50", sett.AmountBilledToConsumer)

	rec = s.do(http.MethodPost, "/api/proposals/simulate", map[string]any{
		"tusd": "300", "te": "400", "bandeira": "20", "cip": "30",
		"impostos":         []any{"100", "10", "40"},
		"fio_b_percentual": "30", "fio_b_taxa": "60",
		"desconto_percentual": "20",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[ProposalDTO](t, rec)
	assertDec(t, "766.80", p.NewTotal)
	assertDec(t, "1598.40", p.AnnualEconomy)
}

func TestStrictParseMode(t *testing.T) {
	opts := DefaultOptions()
	opts.ParseMode = factory.ModeStrict
	s := newTestServer(t, opts)

	body := map[string]any{"energia_injetada_kwh": "mil", "tarifa_kwh": "0.90", "desconto_percentual": "10"}
	rec := s.do(http.MethodPost, "/api/settlement/preview", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "energia_injetada_kwh")

	// The same payload is coerced in lenient mode
	lenient := newTestServer(t, DefaultOptions())
	rec = lenient.do(http.MethodPost, "/api/settlement/preview", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assertDec(t, "0", decode[SettlementDTO](t, rec).AmountBilledToConsumer)
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	s.createContract("CT-1", "100")
	rec := s.do(http.MethodPost, "/api/contracts/CT-1/audits", auditBody("2024-01", "1000", "990"))
	require.Equal(t, http.StatusCreated, rec.Code)
	s.do(http.MethodPost, "/api/contracts", map[string]any{})

	rec = s.do(http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, `rateio_http_requests_total{method="POST"`)
	assert.Contains(t, out, `rateio_audit_records_saved_total{status="DIVERGENT"} 1`)
	assert.Contains(t, out, "rateio_parse_rejections_total")
}

func TestCORSExposesContentDisposition(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	req := httptest.NewRequest(http.MethodGet, "/api/contracts", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Content-Disposition")
}
