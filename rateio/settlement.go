/*
settlement.go - Monthly financial settlement calculator

PURPOSE:
  Turns a month of compensated energy into money: what the consumer is
  billed for the subscription, what the generator owner is paid, and the
  spread between them.

COMPUTATION (each step rounded half-up to 2 dp, "round early and often"
so every printed line adds up):
  1. gross      = round(energy * tariff)
  2. gridFee    = round(energy * fioB)
  3. tax        = round(gross * icms / 100)
  4. netEconomy = gross - gridFee - tax
  5. discount   = round(netEconomy * discount% / 100)   stays with consumer
  6. billed     = round(netEconomy - discount)          subscription payment
  7. paid       = round(energy * generatorTariff)       owed to generator owner
  8. spread     = round(billed - paid)

GUARANTEES:
  Pure function of its inputs. No I/O, no errors for any finite input.
  Missing values are coerced (or rejected) at the boundary, see factory.

SEE ALSO:
  - closing.go: Persists Settle output as a SettlementRecord
  - proposal.go: The pre-sale variant over a hypothetical bill
*/
package rateio

import "github.com/shopspring/decimal"

// SettlementInput holds the figures needed to close a contract month.
type SettlementInput struct {
	EnergyInjectedKWh  Energy
	TariffPerKWh       Money
	DiscountPercentage decimal.Decimal

	// GridUsageFeePerKWh is the Fio B charge. Zero when not applicable.
	GridUsageFeePerKWh Money

	// ICMSRatePercent is applied to the gross generation value.
	ICMSRatePercent decimal.Decimal

	// GeneratorTariffPerKWh prices the generator owner's payment. Zero
	// leaves AmountPaidToGenerator at zero.
	GeneratorTariffPerKWh Money
}

// Settlement carries final figures and the intermediate breakdown.
type Settlement struct {
	Input SettlementInput

	GrossGenerationValue   Money
	GridUsageFeeCost       Money
	TaxCost                Money
	NetEconomy             Money
	DiscountValue          Money
	AmountBilledToConsumer Money
	AmountPaidToGenerator  Money
	Spread                 Money
}

// Settle computes the settlement for in.
func Settle(in SettlementInput) Settlement {
	energy := in.EnergyInjectedKWh

	gross := RoundMoney(energy.Mul(in.TariffPerKWh))
	gridFee := RoundMoney(energy.Mul(in.GridUsageFeePerKWh))
	tax := RoundMoney(percentOf(gross, in.ICMSRatePercent))
	netEconomy := gross.Sub(gridFee).Sub(tax)
	discount := RoundMoney(percentOf(netEconomy, in.DiscountPercentage))
	billed := RoundMoney(netEconomy.Sub(discount))
	paid := RoundMoney(energy.Mul(in.GeneratorTariffPerKWh))

	return Settlement{
		Input:                  in,
		GrossGenerationValue:   gross,
		GridUsageFeeCost:       gridFee,
		TaxCost:                tax,
		NetEconomy:             netEconomy,
		DiscountValue:          discount,
		AmountBilledToConsumer: billed,
		AmountPaidToGenerator:  paid,
		Spread:                 RoundMoney(billed.Sub(paid)),
	}
}

// CompensatedEnergy is the energy a settlement is computed on: the credits
// declared as injected on the month's audit record.
func CompensatedEnergy(rec AuditRecord) Energy {
	return TotalInjected(rec.Entries)
}

// MarginPercent is spread over amount received, in percent (2 dp). Zero
// when nothing was received.
func MarginPercent(received, spread Money) decimal.Decimal {
	if received.IsZero() {
		return decimal.Zero
	}
	return RoundMoney(spread.Div(received).Mul(hundred))
}
