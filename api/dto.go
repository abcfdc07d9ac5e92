/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Complex response wrappers

  Request bodies are not typed here. They are decoded into maps and built
  by the factory parser, which owns strict/lenient number handling.

NUMBERS:
  Energy and money are emitted as decimal strings ("1234.560") so no
  precision is lost in JavaScript clients.

FIELD NAMES:
  Audit and ledger fields keep the stored snake_case names
  (geracao_usina, saldo_anterior, creditos_injetados, ...) that existing
  operator tooling reads.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/parse.go: Request parsing
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/solarshare/rateio-engine/rateio"
)

// =============================================================================
// CONTRACTS AND ALLOCATIONS
// =============================================================================

// ContractDTO represents a contract (vinculo) in API responses.
type ContractDTO struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	GeneratorID     string          `json:"generator_id"`
	ConsumerID      string          `json:"consumer_id"`
	ConsumerUnitID  string          `json:"consumer_unit_id"`
	Participation   decimal.Decimal `json:"participacao"`
	GeneratorTariff decimal.Decimal `json:"tarifa_gerador_kwh"`
	Status          string          `json:"status"`
	Allocations     []AllocationDTO `json:"allocations"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AllocationDTO represents one sub-unit allocation. Synthetic allocations
// (id 0) are the read-time fallback and cannot be edited.
type AllocationDTO struct {
	ID         int64           `json:"id"`
	ContractID string          `json:"contract_id"`
	SubUnitID  string          `json:"sub_unit_id"`
	Percentage decimal.Decimal `json:"porcentagem"`
	Synthetic  bool            `json:"synthetic,omitempty"`
}

// AllocationSummaryDTO backs the completeness indicator.
type AllocationSummaryDTO struct {
	Total         decimal.Decimal `json:"total"`
	Remaining     decimal.Decimal `json:"remaining"`
	Complete      bool            `json:"complete"`
	OverAllocated bool            `json:"over_allocated"`
	Count         int             `json:"count"`
}

// AllocationListResponse returns stored allocations, what the engine will
// operate on, and the running total.
type AllocationListResponse struct {
	Allocations []AllocationDTO      `json:"allocations"`
	Resolved    []AllocationDTO      `json:"resolved"`
	Summary     AllocationSummaryDTO `json:"summary"`
}

// AllocationResponse is returned by allocation writes.
type AllocationResponse struct {
	Allocation AllocationDTO        `json:"allocation"`
	Summary    AllocationSummaryDTO `json:"summary"`
}

// =============================================================================
// AUDITS AND RECONCILIATION
// =============================================================================

// LedgerEntryDTO is one sub-unit's credit movement.
type LedgerEntryDTO struct {
	SubUnitID            string          `json:"sub_unit_id"`
	ReadingDate          string          `json:"data_leitura,omitempty"`
	PreviousBalance      decimal.Decimal `json:"saldo_anterior"`
	Injected             decimal.Decimal `json:"creditos_injetados"`
	Consumed             decimal.Decimal `json:"creditos_consumidos"`
	DeclaredFinalBalance decimal.Decimal `json:"saldo_final"`
}

// AuditRecordDTO represents a monthly audit record.
type AuditRecordDTO struct {
	ID              string           `json:"id,omitempty"`
	ContractID      string           `json:"contract_id"`
	Month           string           `json:"month"`
	Generation      decimal.Decimal  `json:"geracao_usina"`
	SelfConsumption decimal.Decimal  `json:"consumo_proprio_usina"`
	Observation     string           `json:"observation,omitempty"`
	Status          string           `json:"status"`
	Divergence      decimal.Decimal  `json:"divergence"`
	Entries         []LedgerEntryDTO `json:"entries"`
	CreatedAt       *time.Time       `json:"created_at,omitempty"`
	UpdatedAt       *time.Time       `json:"updated_at,omitempty"`
}

// UnitReconciliationDTO is one sub-unit's expected vs declared credits.
type UnitReconciliationDTO struct {
	SubUnitID   string          `json:"sub_unit_id"`
	Percentage  decimal.Decimal `json:"porcentagem"`
	Expected    decimal.Decimal `json:"expected"`
	Injected    decimal.Decimal `json:"creditos_injetados"`
	Divergence  decimal.Decimal `json:"divergence"`
	Unallocated bool            `json:"unallocated,omitempty"`
}

// ReconciliationDTO is the derived view of a contract month.
type ReconciliationDTO struct {
	NetGeneratorOutput    decimal.Decimal         `json:"net_generator_output"`
	ClientEntitlement     decimal.Decimal         `json:"client_entitlement"`
	TotalInjectedDeclared decimal.Decimal         `json:"total_injected_declared"`
	Divergence            decimal.Decimal         `json:"divergence"`
	Tolerance             decimal.Decimal         `json:"tolerance"`
	Status                string                  `json:"status"`
	Units                 []UnitReconciliationDTO `json:"units"`
}

// EntryCheckDTO is the advisory balance check of one ledger entry.
type EntryCheckDTO struct {
	SubUnitID       string          `json:"sub_unit_id"`
	CalculatedFinal decimal.Decimal `json:"calculated_final"`
	Difference      decimal.Decimal `json:"difference"`
	IsInconsistent  bool            `json:"is_inconsistent"`
}

// AuditResultDTO bundles a record with its reconciliation and checks.
type AuditResultDTO struct {
	Record            AuditRecordDTO    `json:"record"`
	Reconciliation    ReconciliationDTO `json:"reconciliation"`
	EntryChecks       []EntryCheckDTO   `json:"entry_checks"`
	InconsistentCount int               `json:"inconsistent_count"`
}

// DraftResponse is the pre-filled ledger for a new month.
type DraftResponse struct {
	ContractID string           `json:"contract_id"`
	Month      string           `json:"month"`
	Entries    []LedgerEntryDTO `json:"entries"`
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// SettlementDTO is the settlement calculator output.
type SettlementDTO struct {
	EnergyInjectedKWh      decimal.Decimal `json:"energia_injetada_kwh"`
	TariffPerKWh           decimal.Decimal `json:"tarifa_kwh"`
	DiscountPercentage     decimal.Decimal `json:"desconto_percentual"`
	GridUsageFeePerKWh     decimal.Decimal `json:"fio_b_kwh"`
	ICMSRatePercent        decimal.Decimal `json:"icms_percentual"`
	GeneratorTariffPerKWh  decimal.Decimal `json:"tarifa_gerador_kwh"`
	GrossGenerationValue   decimal.Decimal `json:"gross_generation_value"`
	GridUsageFeeCost       decimal.Decimal `json:"grid_usage_fee_cost"`
	TaxCost                decimal.Decimal `json:"tax_cost"`
	NetEconomy             decimal.Decimal `json:"net_economy"`
	DiscountValue          decimal.Decimal `json:"discount_value"`
	AmountBilledToConsumer decimal.Decimal `json:"amount_billed_to_consumer"`
	AmountPaidToGenerator  decimal.Decimal `json:"amount_paid_to_generator"`
	Spread                 decimal.Decimal `json:"spread"`
}

// DocumentDTO is an opaque supporting-document reference.
type DocumentDTO struct {
	Kind string `json:"kind,omitempty"`
	Ref  string `json:"ref"`
}

// SettlementRecordDTO represents a closed month (fechamento).
type SettlementRecordDTO struct {
	ID                string          `json:"id"`
	ContractID        string          `json:"contract_id"`
	Month             string          `json:"month"`
	EnergyCompensated decimal.Decimal `json:"energy_compensated"`
	AmountReceived    decimal.Decimal `json:"amount_received"`
	AmountPaid        decimal.Decimal `json:"amount_paid"`
	Spread            decimal.Decimal `json:"spread"`
	Breakdown         SettlementDTO   `json:"breakdown"`
	Documents         []DocumentDTO   `json:"documents"`
	Notes             string          `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// =============================================================================
// PROPOSALS
// =============================================================================

// ProposalDTO is a simulated bill under the solar arrangement.
type ProposalDTO struct {
	DiscountPercentage    decimal.Decimal `json:"desconto_percentual"`
	OldTotal              decimal.Decimal `json:"old_total"`
	RemainingTransmission decimal.Decimal `json:"remaining_transmission"`
	OffsetValue           decimal.Decimal `json:"offset_value"`
	SubscriptionPayment   decimal.Decimal `json:"subscription_payment"`
	TaxTotal              decimal.Decimal `json:"tax_total"`
	NewTotal              decimal.Decimal `json:"new_total"`
	MonthlyEconomy        decimal.Decimal `json:"monthly_economy"`
	EconomyPercent        decimal.Decimal `json:"economy_percent"`
	AnnualEconomy         decimal.Decimal `json:"annual_economy"`
}

// =============================================================================
// REPORTS
// =============================================================================

// SpreadRowDTO is one line of the spread ranking.
type SpreadRowDTO struct {
	ContractID        string          `json:"contract_id"`
	ContractName      string          `json:"contract_name"`
	Months            int             `json:"months"`
	EnergyCompensated decimal.Decimal `json:"energy_compensated"`
	TotalReceived     decimal.Decimal `json:"total_received"`
	TotalPaid         decimal.Decimal `json:"total_paid"`
	TotalSpread       decimal.Decimal `json:"total_spread"`
	MarginPercent     decimal.Decimal `json:"margin_percent"`
}

// MonthProfitDTO totals one month.
type MonthProfitDTO struct {
	Month         string          `json:"month"`
	Contracts     int             `json:"contracts"`
	TotalReceived decimal.Decimal `json:"total_received"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
	TotalSpread   decimal.Decimal `json:"total_spread"`
	MarginPercent decimal.Decimal `json:"margin_percent"`
}

// ReportResponse wraps report rows. OrphansDropped counts settlement rows
// whose contract no longer exists.
type ReportResponse[T any] struct {
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	Rows           []T    `json:"rows"`
	OrphansDropped int    `json:"orphans_dropped"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ClosingStatusDTO lists contracts awaiting attention for a month.
type ClosingStatusDTO struct {
	Month     string   `json:"month"`
	Divergent []string `json:"divergent"`
	Pending   []string `json:"pending"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// FieldErrorDTO names one rejected input field.
type FieldErrorDTO struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toContractDTO(c rateio.Contract) ContractDTO {
	allocs := make([]AllocationDTO, len(c.Allocations))
	for i, a := range c.Allocations {
		allocs[i] = toAllocationDTO(a)
	}
	return ContractDTO{
		ID:              string(c.ID),
		Name:            c.Name,
		GeneratorID:     string(c.GeneratorID),
		ConsumerID:      string(c.ConsumerID),
		ConsumerUnitID:  string(c.ConsumerUnitID),
		Participation:   c.Participation,
		GeneratorTariff: c.GeneratorTariff,
		Status:          string(c.Status),
		Allocations:     allocs,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func toAllocationDTO(a rateio.Allocation) AllocationDTO {
	return AllocationDTO{
		ID:         int64(a.ID),
		ContractID: string(a.ContractID),
		SubUnitID:  string(a.SubUnitID),
		Percentage: a.Percentage,
		Synthetic:  a.Synthetic,
	}
}

func toAllocationDTOs(allocs []rateio.Allocation) []AllocationDTO {
	out := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		out[i] = toAllocationDTO(a)
	}
	return out
}

func toSummaryDTO(s rateio.AllocationSummary) AllocationSummaryDTO {
	return AllocationSummaryDTO{
		Total:         s.Total,
		Remaining:     s.Remaining,
		Complete:      s.Complete,
		OverAllocated: s.OverAllocated,
		Count:         s.Count,
	}
}

func toLedgerEntryDTOs(entries []rateio.LedgerEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dto := LedgerEntryDTO{
			SubUnitID:            string(e.SubUnitID),
			PreviousBalance:      e.PreviousBalance,
			Injected:             e.Injected,
			Consumed:             e.Consumed,
			DeclaredFinalBalance: e.DeclaredFinalBalance,
		}
		if !e.ReadingDate.IsZero() {
			dto.ReadingDate = e.ReadingDate.Format("2006-01-02")
		}
		out[i] = dto
	}
	return out
}

func toAuditRecordDTO(rec rateio.AuditRecord) AuditRecordDTO {
	dto := AuditRecordDTO{
		ID:              string(rec.ID),
		ContractID:      string(rec.ContractID),
		Month:           rec.Month.String(),
		Generation:      rec.Generation,
		SelfConsumption: rec.SelfConsumption,
		Observation:     rec.Observation,
		Status:          string(rec.Status),
		Divergence:      rec.Divergence,
		Entries:         toLedgerEntryDTOs(rec.Entries),
	}
	if !rec.CreatedAt.IsZero() {
		created, updated := rec.CreatedAt, rec.UpdatedAt
		dto.CreatedAt = &created
		dto.UpdatedAt = &updated
	}
	return dto
}

func toReconciliationDTO(r rateio.Reconciliation) ReconciliationDTO {
	units := make([]UnitReconciliationDTO, len(r.Units))
	for i, u := range r.Units {
		units[i] = UnitReconciliationDTO{
			SubUnitID:   string(u.SubUnitID),
			Percentage:  u.Percentage,
			Expected:    u.Expected,
			Injected:    u.Injected,
			Divergence:  u.Divergence,
			Unallocated: u.Unallocated,
		}
	}
	return ReconciliationDTO{
		NetGeneratorOutput:    r.NetGeneratorOutput,
		ClientEntitlement:     r.ClientEntitlement,
		TotalInjectedDeclared: r.TotalInjectedDeclared,
		Divergence:            r.Divergence,
		Tolerance:             r.Tolerance,
		Status:                string(r.Status),
		Units:                 units,
	}
}

func toEntryCheckDTOs(checks []rateio.EntryCheck) []EntryCheckDTO {
	out := make([]EntryCheckDTO, len(checks))
	for i, c := range checks {
		out[i] = EntryCheckDTO{
			SubUnitID:       string(c.SubUnitID),
			CalculatedFinal: c.CalculatedFinal,
			Difference:      c.Difference,
			IsInconsistent:  c.IsInconsistent,
		}
	}
	return out
}

func toAuditResultDTO(res rateio.AuditResult) AuditResultDTO {
	return AuditResultDTO{
		Record:            toAuditRecordDTO(res.Record),
		Reconciliation:    toReconciliationDTO(res.Reconciliation),
		EntryChecks:       toEntryCheckDTOs(res.EntryChecks),
		InconsistentCount: rateio.CountInconsistent(res.EntryChecks),
	}
}

func toSettlementDTO(s rateio.Settlement) SettlementDTO {
	return SettlementDTO{
		EnergyInjectedKWh:      s.Input.EnergyInjectedKWh,
		TariffPerKWh:           s.Input.TariffPerKWh,
		DiscountPercentage:     s.Input.DiscountPercentage,
		GridUsageFeePerKWh:     s.Input.GridUsageFeePerKWh,
		ICMSRatePercent:        s.Input.ICMSRatePercent,
		GeneratorTariffPerKWh:  s.Input.GeneratorTariffPerKWh,
		GrossGenerationValue:   s.GrossGenerationValue,
		GridUsageFeeCost:       s.GridUsageFeeCost,
		TaxCost:                s.TaxCost,
		NetEconomy:             s.NetEconomy,
		DiscountValue:          s.DiscountValue,
		AmountBilledToConsumer: s.AmountBilledToConsumer,
		AmountPaidToGenerator:  s.AmountPaidToGenerator,
		Spread:                 s.Spread,
	}
}

func toSettlementRecordDTO(rec rateio.SettlementRecord) SettlementRecordDTO {
	docs := make([]DocumentDTO, len(rec.Documents))
	for i, d := range rec.Documents {
		docs[i] = DocumentDTO{Kind: d.Kind, Ref: d.Ref}
	}
	return SettlementRecordDTO{
		ID:                string(rec.ID),
		ContractID:        string(rec.ContractID),
		Month:             rec.Month.String(),
		EnergyCompensated: rec.EnergyCompensated,
		AmountReceived:    rec.AmountReceived,
		AmountPaid:        rec.AmountPaid,
		Spread:            rec.Spread,
		Breakdown:         toSettlementDTO(rec.Breakdown),
		Documents:         docs,
		Notes:             rec.Notes,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func toProposalDTO(p rateio.Proposal) ProposalDTO {
	return ProposalDTO{
		DiscountPercentage:    p.DiscountPercentage,
		OldTotal:              p.OldTotal,
		RemainingTransmission: p.RemainingTransmission,
		OffsetValue:           p.OffsetValue,
		SubscriptionPayment:   p.SubscriptionPayment,
		TaxTotal:              p.TaxTotal,
		NewTotal:              p.NewTotal,
		MonthlyEconomy:        p.MonthlyEconomy,
		EconomyPercent:        p.EconomyPercent,
		AnnualEconomy:         p.AnnualEconomy,
	}
}

func toSpreadRowDTOs(rows []rateio.ContractSpread) []SpreadRowDTO {
	out := make([]SpreadRowDTO, len(rows))
	for i, r := range rows {
		out[i] = SpreadRowDTO{
			ContractID:        string(r.ContractID),
			ContractName:      r.ContractName,
			Months:            r.Months,
			EnergyCompensated: r.EnergyCompensated,
			TotalReceived:     r.TotalReceived,
			TotalPaid:         r.TotalPaid,
			TotalSpread:       r.TotalSpread,
			MarginPercent:     r.MarginPercent,
		}
	}
	return out
}

func toMonthProfitDTOs(rows []rateio.MonthProfit) []MonthProfitDTO {
	out := make([]MonthProfitDTO, len(rows))
	for i, r := range rows {
		out[i] = MonthProfitDTO{
			Month:         r.Month.String(),
			Contracts:     r.Contracts,
			TotalReceived: r.TotalReceived,
			TotalPaid:     r.TotalPaid,
			TotalSpread:   r.TotalSpread,
			MarginPercent: r.MarginPercent,
		}
	}
	return out
}

func toClosingStatusDTO(s ClosingStatus) ClosingStatusDTO {
	dto := ClosingStatusDTO{
		Month:     s.Month.String(),
		Divergent: make([]string, len(s.Divergent)),
		Pending:   make([]string, len(s.Pending)),
	}
	for i, id := range s.Divergent {
		dto.Divergent[i] = string(id)
	}
	for i, id := range s.Pending {
		dto.Pending[i] = string(id)
	}
	return dto
}
