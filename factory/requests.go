package factory

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/solarshare/rateio-engine/rateio"
)

// =============================================================================
// CONTRACTS AND ALLOCATIONS
// =============================================================================

var hundred = decimal.NewFromInt(100)

// Contract builds a contract (vinculo) from a create payload.
func (p *Parser) Contract(m map[string]any) (rateio.Contract, error) {
	f := p.fields(m)
	c := rateio.Contract{
		ID:              rateio.ContractID(f.text("id")),
		Name:            f.text("name", "nome"),
		GeneratorID:     rateio.GeneratorID(f.text("generator_id", "usina_id", "generatorId")),
		ConsumerID:      rateio.ConsumerID(f.text("consumer_id", "cliente_id", "consumerId")),
		ConsumerUnitID:  rateio.SubUnitID(f.text("consumer_unit_id", "unidade_consumidora_id", "consumerUnitId")),
		Participation:   f.required("participacao", "participation", "participationPercentage"),
		GeneratorTariff: f.optional("tarifa_gerador_kwh", "generator_tariff", "generatorTariff"),
		Status:          rateio.ContractStatus(strings.ToLower(f.text("status"))),
	}

	for _, req := range []struct{ field, value string }{
		{"id", string(c.ID)},
		{"generator_id", string(c.GeneratorID)},
		{"consumer_id", string(c.ConsumerID)},
		{"consumer_unit_id", string(c.ConsumerUnitID)},
	} {
		if req.value == "" {
			f.fail(req.field, nil, "is required")
		}
	}
	f.checkPercent("participacao", c.Participation)

	switch c.Status {
	case "":
		c.Status = rateio.ContractActive
	case rateio.ContractActive, rateio.ContractSuspended, rateio.ContractTerminated:
	default:
		f.fail("status", c.Status, "must be active, suspended or terminated")
	}
	return c, f.err()
}

// Participation reads a participation update.
func (p *Parser) Participation(m map[string]any) (decimal.Decimal, error) {
	f := p.fields(m)
	pct := f.required("participacao", "participation", "participationPercentage")
	f.checkPercent("participacao", pct)
	return pct, f.err()
}

// Allocation reads an allocation create payload. Negative percentages are
// passed through; the allocation table rejects them.
func (p *Parser) Allocation(m map[string]any) (rateio.SubUnitID, decimal.Decimal, error) {
	f := p.fields(m)
	unit := rateio.SubUnitID(f.text("sub_unit_id", "subUnitId", "unidade_id"))
	pct := f.required("porcentagem", "percentage")
	return unit, pct, f.err()
}

// AllocationPercentage reads an allocation update payload.
func (p *Parser) AllocationPercentage(m map[string]any) (decimal.Decimal, error) {
	f := p.fields(m)
	pct := f.required("porcentagem", "percentage")
	return pct, f.err()
}

// checkPercent applies in both modes: an out-of-range share is a typed
// value, not a formatting slip.
func (f *fields) checkPercent(field string, pct decimal.Decimal) {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		f.fail(field, pct.String(), "must be between 0 and 100")
	}
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// SettlementRequest is a month close as submitted. When AuditID is set the
// month and compensated energy come from that audit record.
type SettlementRequest struct {
	AuditID rateio.AuditRecordID
	Close   rateio.CloseRequest
}

// CloseRequest builds a month close payload.
func (p *Parser) CloseRequest(m map[string]any) (SettlementRequest, error) {
	f := p.fields(m)
	req := SettlementRequest{
		AuditID: rateio.AuditRecordID(f.text("audit_id", "auditoria_id", "auditId")),
	}

	in := rateio.SettlementInput{
		TariffPerKWh:          f.required("tarifa_kwh", "tariff_per_kwh", "tariffPerKwh"),
		DiscountPercentage:    f.required("desconto_percentual", "discount_percentage", "discountPercentage"),
		GridUsageFeePerKWh:    f.optional("fio_b_kwh", "grid_usage_fee_per_kwh", "gridUsageFeePerKwh"),
		ICMSRatePercent:       f.optional("icms_percentual", "icms_rate_percent", "icmsRatePercent"),
		GeneratorTariffPerKWh: f.optional("tarifa_gerador_kwh", "generator_tariff_per_kwh", "generatorTariffPerKwh"),
	}
	if req.AuditID == "" {
		req.Close.Month = f.month("month", "mes_referencia", "referenceMonth")
		in.EnergyInjectedKWh = f.required("energia_injetada_kwh", "energy_injected_kwh", "energyInjectedKwh")
	}
	req.Close.Input = in
	req.Close.Notes = f.text("notes", "observacao")
	req.Close.Documents = f.documents("documents", "documentos")
	return req, f.err()
}

// Correction builds a settlement correction over the stored input. Input
// fields absent from the payload keep their stored values.
func (p *Parser) Correction(m map[string]any, stored rateio.SettlementInput) (rateio.Correction, error) {
	f := p.fields(m)
	var fix rateio.Correction

	if month := f.optionalMonth("month", "mes_referencia", "referenceMonth"); !month.IsZero() {
		fix.Month = &month
	}

	in := stored
	changed := false
	overlay := func(dst *decimal.Decimal, names ...string) {
		if v, ok := f.lookup(names); ok && !isBlank(v) {
			*dst = f.required(names...)
			changed = true
		}
	}
	overlay(&in.EnergyInjectedKWh, "energia_injetada_kwh", "energy_injected_kwh", "energyInjectedKwh")
	overlay(&in.TariffPerKWh, "tarifa_kwh", "tariff_per_kwh", "tariffPerKwh")
	overlay(&in.DiscountPercentage, "desconto_percentual", "discount_percentage", "discountPercentage")
	overlay(&in.GridUsageFeePerKWh, "fio_b_kwh", "grid_usage_fee_per_kwh", "gridUsageFeePerKwh")
	overlay(&in.ICMSRatePercent, "icms_percentual", "icms_rate_percent", "icmsRatePercent")
	overlay(&in.GeneratorTariffPerKWh, "tarifa_gerador_kwh", "generator_tariff_per_kwh", "generatorTariffPerKwh")
	if changed {
		fix.Input = &in
	}

	if v, ok := f.lookup([]string{"amount_paid", "valor_pago", "amountPaid"}); ok && !isBlank(v) {
		paid := f.required("amount_paid", "valor_pago", "amountPaid")
		fix.AmountPaid = &paid
	}
	if _, ok := f.lookup([]string{"notes", "observacao"}); ok {
		notes := f.text("notes", "observacao")
		fix.Notes = &notes
	}
	if _, ok := f.lookup([]string{"documents", "documentos"}); ok {
		fix.Documents = f.documents("documents", "documentos")
		if fix.Documents == nil {
			fix.Documents = []rateio.DocumentRef{}
		}
	}
	return fix, f.err()
}

// documents accepts a list of {"kind","ref"} objects or bare reference
// strings.
func (f *fields) documents(names ...string) []rateio.DocumentRef {
	raw, ok := f.lookup(names)
	if !ok || raw == nil {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		f.fail(names[0], raw, "must be a list")
		return nil
	}

	var docs []rateio.DocumentRef
	for i, item := range items {
		switch d := item.(type) {
		case string:
			docs = append(docs, rateio.DocumentRef{Ref: d})
		case map[string]any:
			sub := f.p.fields(d)
			doc := rateio.DocumentRef{Kind: sub.text("kind", "tipo"), Ref: sub.text("ref", "url")}
			if doc.Ref == "" {
				f.fail(fmt.Sprintf("%s[%d].ref", names[0], i), nil, "is required")
				continue
			}
			docs = append(docs, doc)
		default:
			f.fail(fmt.Sprintf("%s[%d]", names[0], i), item, "must be an object or a string")
		}
	}
	return docs
}

// =============================================================================
// PROPOSALS
// =============================================================================

// Proposal reads a bill and the proposed discount for the simulator.
func (p *Parser) Proposal(m map[string]any) (rateio.BillBreakdown, decimal.Decimal, error) {
	bill, err := p.BillBreakdown(m)
	f := p.fields(m)
	discount := f.required("desconto_percentual", "discount_percentage", "discountPercentage")
	f.checkPercent("desconto_percentual", discount)
	if err != nil {
		f.errs = append([]error{err}, f.errs...)
	}
	return bill, discount, f.err()
}
