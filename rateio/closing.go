/*
closing.go - Month close (fechamento)

PURPOSE:
  The Closer turns a settlement calculation into a persisted
  SettlementRecord. It is the only writer of settlement records. The
  calculation itself is Settle; the Closer only fills defaults from the
  contract, enforces one record per contract month and stamps ids/times.

CORRECTIONS:
  Records are edited in place (e.g. closed under the wrong month, a figure
  typed wrong). Correct recomputes derived figures from the stored input;
  AmountPaid can be overridden when the owner was paid a negotiated value.

SEE ALSO:
  - settlement.go: Settle
  - report.go: Reads settlement records for spread reporting
*/
package rateio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Closer creates and corrects settlement records.
type Closer struct {
	Contracts   ContractStore
	Audits      AuditStore
	Settlements SettlementStore

	NewID func() string
	Now   func() time.Time
}

// NewCloser creates a Closer using uuid ids and the wall clock.
func NewCloser(contracts ContractStore, audits AuditStore, settlements SettlementStore) *Closer {
	return &Closer{
		Contracts:   contracts,
		Audits:      audits,
		Settlements: settlements,
		NewID:       uuid.NewString,
		Now:         time.Now,
	}
}

// CloseRequest is what an operator submits to close a month.
type CloseRequest struct {
	Month     Month
	Input     SettlementInput
	Documents []DocumentRef
	Notes     string
}

// Close settles a contract month and persists the record. A zero generator
// tariff on the input defaults to the contract's.
func (cl *Closer) Close(ctx context.Context, contractID ContractID, req CloseRequest) (SettlementRecord, error) {
	c, err := cl.Contracts.GetContract(ctx, contractID)
	if err != nil {
		return SettlementRecord{}, err
	}

	existing, err := cl.Settlements.ListSettlementRecords(ctx, contractID)
	if err != nil {
		return SettlementRecord{}, err
	}
	for _, r := range existing {
		if r.Month == req.Month {
			return SettlementRecord{}, fmt.Errorf("%w: %s %s", ErrSettlementExists, contractID, req.Month)
		}
	}

	in := req.Input
	if in.GeneratorTariffPerKWh.IsZero() {
		in.GeneratorTariffPerKWh = c.GeneratorTariff
	}

	now := cl.Now().UTC()
	rec := buildRecord(SettlementRecord{
		ID:         SettlementID(cl.NewID()),
		ContractID: contractID,
		Month:      req.Month,
		Documents:  req.Documents,
		Notes:      req.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, Settle(in))

	if err := cl.Settlements.CreateSettlementRecord(ctx, rec); err != nil {
		return SettlementRecord{}, fmt.Errorf("create settlement %s/%s: %w", contractID, req.Month, err)
	}
	return rec, nil
}

// CloseFromAudit closes the month of an audit record using its declared
// injected credits as the compensated energy.
func (cl *Closer) CloseFromAudit(ctx context.Context, auditID AuditRecordID, req CloseRequest) (SettlementRecord, error) {
	audit, err := cl.Audits.GetAuditRecord(ctx, auditID)
	if err != nil {
		return SettlementRecord{}, err
	}
	req.Month = audit.Month
	req.Input.EnergyInjectedKWh = CompensatedEnergy(audit)
	return cl.Close(ctx, audit.ContractID, req)
}

// Correction lists the fields an operator may change on a closed month.
// Nil fields are kept. A replacement Input with a zero generator tariff
// takes the contract's tariff, as in Close.
type Correction struct {
	Month      *Month
	Input      *SettlementInput
	AmountPaid *Money
	Documents  []DocumentRef
	Notes      *string
}

// Correct edits a settlement record and recomputes its derived figures.
func (cl *Closer) Correct(ctx context.Context, id SettlementID, fix Correction) (SettlementRecord, error) {
	rec, err := cl.Settlements.GetSettlementRecord(ctx, id)
	if err != nil {
		return SettlementRecord{}, err
	}

	if fix.Month != nil && *fix.Month != rec.Month {
		siblings, err := cl.Settlements.ListSettlementRecords(ctx, rec.ContractID)
		if err != nil {
			return SettlementRecord{}, err
		}
		for _, s := range siblings {
			if s.ID != rec.ID && s.Month == *fix.Month {
				return SettlementRecord{}, fmt.Errorf("%w: %s %s", ErrSettlementExists, rec.ContractID, *fix.Month)
			}
		}
		rec.Month = *fix.Month
	}

	in := rec.Breakdown.Input
	if fix.Input != nil {
		in = *fix.Input
		if in.GeneratorTariffPerKWh.IsZero() {
			tariff, err := cl.defaultTariff(ctx, rec)
			if err != nil {
				return SettlementRecord{}, err
			}
			in.GeneratorTariffPerKWh = tariff
		}
	}
	rec = buildRecord(rec, Settle(in))

	if fix.AmountPaid != nil {
		rec.AmountPaid = RoundMoney(*fix.AmountPaid)
		rec.Spread = RoundMoney(rec.AmountReceived.Sub(rec.AmountPaid))
	}
	if fix.Documents != nil {
		rec.Documents = fix.Documents
	}
	if fix.Notes != nil {
		rec.Notes = *fix.Notes
	}
	rec.UpdatedAt = cl.Now().UTC()

	if err := cl.Settlements.UpdateSettlementRecord(ctx, rec); err != nil {
		return SettlementRecord{}, fmt.Errorf("update settlement %s: %w", id, err)
	}
	return rec, nil
}

// defaultTariff is the generator tariff a correction falls back to: the
// contract's current tariff, or the one stored on the record once the
// contract is gone.
func (cl *Closer) defaultTariff(ctx context.Context, rec SettlementRecord) (Money, error) {
	c, err := cl.Contracts.GetContract(ctx, rec.ContractID)
	switch {
	case err == nil:
		return c.GeneratorTariff, nil
	case errors.Is(err, ErrContractNotFound):
		return rec.Breakdown.Input.GeneratorTariffPerKWh, nil
	default:
		return Money{}, err
	}
}

// List returns a contract's settlement records ordered by month.
func (cl *Closer) List(ctx context.Context, contractID ContractID) ([]SettlementRecord, error) {
	recs, err := cl.Settlements.ListSettlementRecords(ctx, contractID)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Month.Before(recs[j].Month) })
	return recs, nil
}

func buildRecord(rec SettlementRecord, s Settlement) SettlementRecord {
	rec.Breakdown = s
	rec.EnergyCompensated = s.Input.EnergyInjectedKWh
	rec.AmountReceived = s.AmountBilledToConsumer
	rec.AmountPaid = s.AmountPaidToGenerator
	rec.Spread = s.Spread
	return rec
}
