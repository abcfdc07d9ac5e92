package rateio

import "github.com/shopspring/decimal"

// =============================================================================
// PROPOSAL SIMULATOR - Pre-sale projection over a prospect's bill
// =============================================================================

// BillBreakdown is a prospect's historical bill, line by line (BRL).
type BillBreakdown struct {
	// TransmissionCharge is the TUSD (distribution/transmission) line.
	TransmissionCharge Money
	// EnergyCharge is the TE line.
	EnergyCharge Money
	// TariffFlagSurcharge is the bandeira line.
	TariffFlagSurcharge Money
	// PublicLightingFee is the CIP/COSIP line.
	PublicLightingFee Money
	OtherCharges      Money

	// Taxes are the standard tax line items (ICMS, PIS, COFINS) as amounts.
	Taxes []Money

	// GridUsageFeeSharePercent is the part of the transmission charge that
	// is Fio B.
	GridUsageFeeSharePercent decimal.Decimal
	// GridUsageFeeRatePercent is how much of that Fio B remains billable
	// after migration (the transition rate in force).
	GridUsageFeeRatePercent decimal.Decimal
}

// Proposal is a projected bill under the solar arrangement. It has no
// identity; callers persist it only as an opaque snapshot.
type Proposal struct {
	Bill               BillBreakdown
	DiscountPercentage decimal.Decimal

	OldTotal              Money
	RemainingTransmission Money
	OffsetValue           Money
	SubscriptionPayment   Money
	TaxTotal              Money
	NewTotal              Money
	MonthlyEconomy        Money
	EconomyPercent        decimal.Decimal
	AnnualEconomy         Money
}

// Simulate projects a prospect's bill after migration. The energy charge and
// tariff flag are fully offset by credits; of the transmission charge only
// the Fio B part at the configured rate stays payable. The offset value is
// billed as a subscription with the proposed discount.
func Simulate(bill BillBreakdown, discountPercentage decimal.Decimal) Proposal {
	taxes := decimal.Zero
	for _, t := range bill.Taxes {
		taxes = taxes.Add(t)
	}

	oldTotal := RoundMoney(bill.TransmissionCharge.
		Add(bill.EnergyCharge).
		Add(bill.TariffFlagSurcharge).
		Add(bill.PublicLightingFee).
		Add(bill.OtherCharges).
		Add(taxes))

	fioB := percentOf(bill.TransmissionCharge, bill.GridUsageFeeSharePercent)
	remaining := RoundMoney(percentOf(fioB, bill.GridUsageFeeRatePercent))

	offset := RoundMoney(bill.TransmissionCharge.Sub(remaining).
		Add(bill.EnergyCharge).
		Add(bill.TariffFlagSurcharge))
	subscription := RoundMoney(offset.Sub(percentOf(offset, discountPercentage)))

	newTotal := RoundMoney(remaining.
		Add(bill.PublicLightingFee).
		Add(bill.OtherCharges).
		Add(taxes).
		Add(subscription))

	economy := oldTotal.Sub(newTotal)
	pct := decimal.Zero
	if !oldTotal.IsZero() {
		pct = RoundMoney(economy.Div(oldTotal).Mul(hundred))
	}

	return Proposal{
		Bill:                  bill,
		DiscountPercentage:    discountPercentage,
		OldTotal:              oldTotal,
		RemainingTransmission: remaining,
		OffsetValue:           offset,
		SubscriptionPayment:   subscription,
		TaxTotal:              RoundMoney(taxes),
		NewTotal:              newTotal,
		MonthlyEconomy:        economy,
		EconomyPercent:        pct,
		AnnualEconomy:         economy.Mul(decimal.NewFromInt(12)),
	}
}
