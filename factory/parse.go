/*
Package factory converts operator form payloads into engine inputs.

PURPOSE:
  Operators type bill figures into forms. Payloads arrive as loosely typed
  JSON maps: numbers, numeric strings, Brazilian decimal commas ("0,90",
  "1.234,56"), blanks. The factory turns them into rateio values so the
  engine itself never sees anything but decimal.Decimal.

PARSE MODES:
  lenient: missing, blank or non-numeric number fields become 0. This is
           how operator forms have always behaved. Identifiers and months
           are required in both modes.
  strict:  the same inputs are rejected with *rateio.FieldError (which
           unwraps to rateio.ErrValidation). All field errors of one payload
           are joined.

FIELD NAMES:
  Each field accepts its stored snake_case name (saldo_anterior,
  creditos_injetados, ...), an English snake_case alias and the camelCase
  form. The first name listed for a field is the one reported in errors.

JSON SCHEMA (ledger entry):
  {
    "sub_unit_id": "UC-002",
    "data_leitura": "2024-03-05",
    "saldo_anterior": "1.200,50",
    "creditos_injetados": 300,
    "creditos_consumidos": "250",
    "saldo_final": 1250.5
  }

USAGE:
  p := factory.NewParser(factory.ModeStrict)
  draft, err := p.AuditDraft(payload)
  if err != nil {
      // errors.Is(err, rateio.ErrValidation)
  }

SEE ALSO:
  - rateio/errors.go: FieldError
  - api/handlers.go: Decodes request bodies with UseNumber and calls the parser
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solarshare/rateio-engine/rateio"
)

// =============================================================================
// PARSE MODE
// =============================================================================

// Mode selects how malformed numeric input is handled.
type Mode string

const (
	ModeLenient Mode = "lenient"
	ModeStrict  Mode = "strict"
)

// ParseMode parses a configured mode name. Empty selects lenient.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeLenient):
		return ModeLenient, nil
	case string(ModeStrict):
		return ModeStrict, nil
	default:
		return "", fmt.Errorf("unknown parse mode %q", s)
	}
}

// =============================================================================
// PARSER
// =============================================================================

// Parser builds engine inputs from loosely typed maps.
type Parser struct {
	Mode Mode
}

// NewParser creates a parser in the given mode.
func NewParser(mode Mode) *Parser {
	return &Parser{Mode: mode}
}

func (p *Parser) strict() bool { return p != nil && p.Mode == ModeStrict }

// Decimal parses a single value. A nil value is "missing".
func (p *Parser) Decimal(field string, v any) (decimal.Decimal, error) {
	d, ok, reason := toDecimal(v)
	if ok {
		return d, nil
	}
	if p.strict() {
		return decimal.Zero, &rateio.FieldError{Field: field, Value: v, Reason: reason}
	}
	return decimal.Zero, nil
}

// fields is a per-payload accumulator so one call reports every bad field.
type fields struct {
	p    *Parser
	m    map[string]any
	errs []error
}

func (p *Parser) fields(m map[string]any) *fields {
	return &fields{p: p, m: m}
}

func (f *fields) lookup(names []string) (any, bool) {
	for _, n := range names {
		if v, ok := f.m[n]; ok {
			return v, true
		}
	}
	return nil, false
}

// required parses a field that must be present in strict mode.
func (f *fields) required(names ...string) decimal.Decimal {
	v, _ := f.lookup(names)
	d, err := f.p.Decimal(names[0], v)
	if err != nil {
		f.errs = append(f.errs, err)
	}
	return d
}

// optional parses a field that may be absent in either mode. A present
// but malformed value is still rejected in strict mode.
func (f *fields) optional(names ...string) decimal.Decimal {
	v, ok := f.lookup(names)
	if !ok || isBlank(v) {
		return decimal.Zero
	}
	return f.required(names...)
}

func (f *fields) text(names ...string) string {
	v, ok := f.lookup(names)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// month parses a required YYYY-MM field. Months are never coerced, in
// either mode: a zero month would file the record under no month at all.
func (f *fields) month(names ...string) rateio.Month {
	if f.text(names...) == "" {
		f.fail(names[0], nil, "is required")
		return rateio.Month{}
	}
	return f.optionalMonth(names...)
}

// optionalMonth parses a YYYY-MM field that may be absent (zero Month).
func (f *fields) optionalMonth(names ...string) rateio.Month {
	s := f.text(names...)
	if s == "" {
		return rateio.Month{}
	}
	m, err := rateio.ParseMonth(s)
	if err != nil {
		f.fail(names[0], s, "must be YYYY-MM")
	}
	return m
}

func (f *fields) date(names ...string) time.Time {
	s := f.text(names...)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "02/01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if f.p.strict() {
		f.fail(names[0], s, "must be a date (YYYY-MM-DD)")
	}
	return time.Time{}
}

func (f *fields) fail(field string, value any, reason string) {
	f.errs = append(f.errs, &rateio.FieldError{Field: field, Value: value, Reason: reason})
}

func (f *fields) err() error {
	return errors.Join(f.errs...)
}

// =============================================================================
// BUILDERS
// =============================================================================

// LedgerEntry builds one per-unit credit row.
func (p *Parser) LedgerEntry(m map[string]any) (rateio.LedgerEntry, error) {
	f := p.fields(m)
	e := rateio.LedgerEntry{
		SubUnitID:            rateio.SubUnitID(f.text("sub_unit_id", "subUnitId", "unidade_id")),
		ReadingDate:          f.date("data_leitura", "reading_date", "readingDate"),
		PreviousBalance:      f.required("saldo_anterior", "previous_balance", "previousBalance"),
		Injected:             f.required("creditos_injetados", "injected", "creditsInjected"),
		Consumed:             f.required("creditos_consumidos", "consumed", "creditsConsumed"),
		DeclaredFinalBalance: f.required("saldo_final", "declared_final_balance", "declaredFinalBalance"),
	}
	if e.SubUnitID == "" {
		// Even lenient forms cannot credit an unnamed unit.
		f.fail("sub_unit_id", nil, "is required")
	}
	return e, f.err()
}

// LedgerEntries builds a list of rows, prefixing field errors with the row
// index.
func (p *Parser) LedgerEntries(v any) ([]rateio.LedgerEntry, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, &rateio.FieldError{Field: "entries", Value: v, Reason: "must be a list"}
	}

	entries := make([]rateio.LedgerEntry, 0, len(items))
	var errs []error
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, &rateio.FieldError{Field: fmt.Sprintf("entries[%d]", i), Value: item, Reason: "must be an object"})
			continue
		}
		e, err := p.LedgerEntry(m)
		if err != nil {
			errs = append(errs, prefixFields(fmt.Sprintf("entries[%d].", i), err))
		}
		entries = append(entries, e)
	}
	return entries, errors.Join(errs...)
}

// AuditDraft builds an audit draft: month, generator figures and entries.
func (p *Parser) AuditDraft(m map[string]any) (rateio.AuditDraft, error) {
	return p.auditDraft(m, true)
}

// AuditUpdate is AuditDraft for edits: the month may be omitted to keep
// the stored one.
func (p *Parser) AuditUpdate(m map[string]any) (rateio.AuditDraft, error) {
	return p.auditDraft(m, false)
}

func (p *Parser) auditDraft(m map[string]any, requireMonth bool) (rateio.AuditDraft, error) {
	f := p.fields(m)
	monthNames := []string{"month", "mes_referencia", "referenceMonth"}
	draft := rateio.AuditDraft{
		Generation:      f.required("geracao_usina", "generation", "generatorGeneration"),
		SelfConsumption: f.optional("consumo_proprio_usina", "self_consumption", "generatorSelfConsumption"),
		Observation:     f.text("observation", "observacao"),
	}
	if requireMonth {
		draft.Month = f.month(monthNames...)
	} else {
		draft.Month = f.optionalMonth(monthNames...)
	}

	raw, _ := f.lookup([]string{"entries", "lancamentos", "ledgerEntries"})
	entries, err := p.LedgerEntries(raw)
	if err != nil {
		f.errs = append(f.errs, err)
	}
	draft.Entries = entries
	return draft, f.err()
}

// ReconciliationInput builds a stateless reconciliation request. The
// participation share is read from the payload; allocations are not.
func (p *Parser) ReconciliationInput(m map[string]any) (rateio.ReconciliationInput, error) {
	f := p.fields(m)
	in := rateio.ReconciliationInput{
		Generation:      f.required("geracao_usina", "generation", "generatorGeneration"),
		SelfConsumption: f.optional("consumo_proprio_usina", "self_consumption", "generatorSelfConsumption"),
		Participation:   f.required("participacao", "participation", "participationPercentage"),
	}

	raw, _ := f.lookup([]string{"entries", "lancamentos", "ledgerEntries"})
	entries, err := p.LedgerEntries(raw)
	if err != nil {
		f.errs = append(f.errs, err)
	}
	in.Entries = entries
	return in, f.err()
}

// SettlementInput builds a settlement calculation request. Grid usage fee,
// ICMS and generator tariff are optional.
func (p *Parser) SettlementInput(m map[string]any) (rateio.SettlementInput, error) {
	f := p.fields(m)
	in := rateio.SettlementInput{
		EnergyInjectedKWh:     f.required("energia_injetada_kwh", "energy_injected_kwh", "energyInjectedKwh"),
		TariffPerKWh:          f.required("tarifa_kwh", "tariff_per_kwh", "tariffPerKwh"),
		DiscountPercentage:    f.required("desconto_percentual", "discount_percentage", "discountPercentage"),
		GridUsageFeePerKWh:    f.optional("fio_b_kwh", "grid_usage_fee_per_kwh", "gridUsageFeePerKwh"),
		ICMSRatePercent:       f.optional("icms_percentual", "icms_rate_percent", "icmsRatePercent"),
		GeneratorTariffPerKWh: f.optional("tarifa_gerador_kwh", "generator_tariff_per_kwh", "generatorTariffPerKwh"),
	}
	return in, f.err()
}

// BillBreakdown builds a prospect's bill for the proposal simulator.
// Taxes may be a list of amounts, an object of named amounts, or the flat
// icms/pis/cofins fields.
func (p *Parser) BillBreakdown(m map[string]any) (rateio.BillBreakdown, error) {
	f := p.fields(m)
	bill := rateio.BillBreakdown{
		TransmissionCharge:       f.required("tusd", "transmission_charge", "transmissionCharge"),
		EnergyCharge:             f.required("te", "energy_charge", "energyCharge"),
		TariffFlagSurcharge:      f.optional("bandeira", "tariff_flag_surcharge", "tariffFlagSurcharge"),
		PublicLightingFee:        f.optional("cip", "public_lighting_fee", "publicLightingFee"),
		OtherCharges:             f.optional("outros", "other_charges", "otherCharges"),
		GridUsageFeeSharePercent: f.optional("fio_b_percentual", "grid_usage_fee_share_percent", "gridUsageFeeSharePercent"),
		GridUsageFeeRatePercent:  f.optional("fio_b_taxa", "grid_usage_fee_rate_percent", "gridUsageFeeRatePercent"),
	}

	raw, ok := f.lookup([]string{"impostos", "taxes"})
	switch taxes := raw.(type) {
	case []any:
		for i, t := range taxes {
			d, err := p.Decimal(fmt.Sprintf("taxes[%d]", i), t)
			if err != nil {
				f.errs = append(f.errs, err)
			}
			bill.Taxes = append(bill.Taxes, d)
		}
	case map[string]any:
		names := make([]string, 0, len(taxes))
		for name := range taxes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			d, err := p.Decimal("taxes."+name, taxes[name])
			if err != nil {
				f.errs = append(f.errs, err)
			}
			bill.Taxes = append(bill.Taxes, d)
		}
	case nil:
		if !ok {
			for _, name := range []string{"icms", "pis", "cofins"} {
				if _, present := m[name]; present {
					bill.Taxes = append(bill.Taxes, f.optional(name))
				}
			}
		}
	default:
		f.fail("taxes", raw, "must be a list or an object")
	}
	return bill, f.err()
}

// =============================================================================
// NUMBER PARSING
// =============================================================================

// toDecimal converts a JSON-decoded value. The reason is set when ok is false.
func toDecimal(v any) (d decimal.Decimal, ok bool, reason string) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, false, "is required"
	case decimal.Decimal:
		return n, true, ""
	case json.Number:
		return fromString(n.String())
	case float64:
		return decimal.NewFromFloat(n), true, ""
	case float32:
		return decimal.NewFromFloat32(n), true, ""
	case int:
		return decimal.NewFromInt(int64(n)), true, ""
	case int64:
		return decimal.NewFromInt(n), true, ""
	case string:
		return fromString(n)
	default:
		return decimal.Zero, false, "must be a number"
	}
}

func fromString(s string) (decimal.Decimal, bool, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false, "is required"
	}
	normalized, ok := normalizeNumber(s)
	if !ok {
		return decimal.Zero, false, "must be a number"
	}
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, false, "must be a number"
	}
	return d, true, ""
}

// brazilianNumber is a single decimal comma, optionally with dot thousands
// grouping before it: "0,90", "1234,5", "1.234,56".
var brazilianNumber = regexp.MustCompile(`^[+-]?(\d{1,3}(\.\d{3})+|\d*),\d+$`)

// normalizeNumber rewrites Brazilian notation ("1.234,56") to "1234.56".
// Strings without a comma are left as they are, so "1234.56" still parses.
// A comma string that is not well-formed Brazilian notation ("1,234.56",
// "1.2.3,4") is rejected rather than guessed at.
func normalizeNumber(s string) (string, bool) {
	if !strings.Contains(s, ",") {
		return s, true
	}
	if !brazilianNumber.MatchString(s) {
		return "", false
	}
	s = strings.ReplaceAll(s, ".", "")
	return strings.Replace(s, ",", ".", 1), true
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// prefixFields qualifies the Field of every FieldError joined in err.
func prefixFields(prefix string, err error) error {
	var out []error
	for _, e := range unjoin(err) {
		var fe *rateio.FieldError
		if errors.As(e, &fe) {
			copied := *fe
			copied.Field = prefix + copied.Field
			out = append(out, &copied)
			continue
		}
		out = append(out, e)
	}
	return errors.Join(out...)
}

func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		if _, isField := err.(*rateio.FieldError); !isField {
			return joined.Unwrap()
		}
	}
	return []error{err}
}
