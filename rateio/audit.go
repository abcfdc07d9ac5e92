/*
audit.go - Monthly audit records (reconciliation persisted)

PURPOSE:
  The Auditor is the service operators use to record a contract month:
  generator output, self-consumption and the per-unit credit ledger. On
  every create and update it runs Reconcile and stores the derived status
  and divergence with the record.

WHAT NEVER BLOCKS A SAVE:
  - DIVERGENT status (aggregate divergence above tolerance)
  - Inconsistent ledger entries (CheckEntry)
  Both are returned to the caller for display; only storage failures and
  a missing contract fail the call.

CARRY-FORWARD:
  DraftNextMonth seeds the next month's form with each unit's last declared
  final balance. The operator may change it; nothing enforces it.

SEE ALSO:
  - reconciliation.go: Reconcile
  - balance.go: CheckEntries, SeedEntries
*/
package rateio

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AuditDraft is the operator-entered part of an audit record.
type AuditDraft struct {
	Month           Month
	Generation      Energy
	SelfConsumption Energy
	Observation     string
	Entries         []LedgerEntry
}

// AuditResult bundles a saved record with its derived views.
type AuditResult struct {
	Record         AuditRecord
	Reconciliation Reconciliation
	EntryChecks    []EntryCheck
}

// Auditor records and re-evaluates monthly audit records.
type Auditor struct {
	Contracts ContractStore
	Audits    AuditStore

	// Tolerance is the aggregate divergence tolerance. NewAuditor sets
	// DefaultAggregateToleranceKWh; zero means no tolerance.
	Tolerance Energy

	// EntryTolerance is the per-entry balance tolerance.
	EntryTolerance Energy

	NewID func() string
	Now   func() time.Time
}

// NewAuditor creates an Auditor with default tolerance, uuid ids and the
// wall clock.
func NewAuditor(contracts ContractStore, audits AuditStore) *Auditor {
	return &Auditor{
		Contracts:      contracts,
		Audits:         audits,
		Tolerance:      DefaultAggregateToleranceKWh,
		EntryTolerance: EntryToleranceKWh,
		NewID:          uuid.NewString,
		Now:            time.Now,
	}
}

// Preview reconciles a draft against the contract without saving.
func (a *Auditor) Preview(ctx context.Context, contractID ContractID, draft AuditDraft) (AuditResult, error) {
	c, err := a.Contracts.GetContract(ctx, contractID)
	if err != nil {
		return AuditResult{}, err
	}
	rec := AuditRecord{
		ContractID:      contractID,
		Month:           draft.Month,
		Generation:      draft.Generation,
		SelfConsumption: draft.SelfConsumption,
		Observation:     draft.Observation,
		Entries:         draft.Entries,
	}
	return a.evaluate(c, rec), nil
}

// Record creates the audit record for a contract month.
func (a *Auditor) Record(ctx context.Context, contractID ContractID, draft AuditDraft) (AuditResult, error) {
	result, err := a.Preview(ctx, contractID, draft)
	if err != nil {
		return AuditResult{}, err
	}

	now := a.Now().UTC()
	result.Record.ID = AuditRecordID(a.NewID())
	result.Record.CreatedAt = now
	result.Record.UpdatedAt = now

	if err := a.Audits.CreateAuditRecord(ctx, result.Record); err != nil {
		return AuditResult{}, fmt.Errorf("create audit record %s/%s: %w", contractID, draft.Month, err)
	}
	return result, nil
}

// Update replaces an audit record's figures and recomputes its status.
func (a *Auditor) Update(ctx context.Context, id AuditRecordID, draft AuditDraft) (AuditResult, error) {
	existing, err := a.Audits.GetAuditRecord(ctx, id)
	if err != nil {
		return AuditResult{}, err
	}
	c, err := a.Contracts.GetContract(ctx, existing.ContractID)
	if err != nil {
		return AuditResult{}, err
	}

	month := draft.Month
	if month.IsZero() {
		month = existing.Month
	}
	rec := AuditRecord{
		ID:              existing.ID,
		ContractID:      existing.ContractID,
		Month:           month,
		Generation:      draft.Generation,
		SelfConsumption: draft.SelfConsumption,
		Observation:     draft.Observation,
		Entries:         draft.Entries,
		CreatedAt:       existing.CreatedAt,
		UpdatedAt:       a.Now().UTC(),
	}
	result := a.evaluate(c, rec)

	if err := a.Audits.UpdateAuditRecord(ctx, result.Record); err != nil {
		return AuditResult{}, fmt.Errorf("update audit record %s: %w", id, err)
	}
	return result, nil
}

// Delete removes an audit record and its ledger entries.
func (a *Auditor) Delete(ctx context.Context, id AuditRecordID) error {
	return a.Audits.DeleteAuditRecord(ctx, id)
}

// Get returns a stored record without re-evaluating it.
func (a *Auditor) Get(ctx context.Context, id AuditRecordID) (AuditRecord, error) {
	return a.Audits.GetAuditRecord(ctx, id)
}

// List returns a contract's audit records ordered by month.
func (a *Auditor) List(ctx context.Context, contractID ContractID) ([]AuditRecord, error) {
	recs, err := a.Audits.ListAuditRecords(ctx, contractID)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Month.Before(recs[j].Month) })
	return recs, nil
}

// DraftNextMonth returns default ledger entries for month: the latest prior
// record's final balances carried forward, plus zero rows for any allocated
// unit not yet seen.
func (a *Auditor) DraftNextMonth(ctx context.Context, contractID ContractID, month Month) ([]LedgerEntry, error) {
	c, err := a.Contracts.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	recs, err := a.List(ctx, contractID)
	if err != nil {
		return nil, err
	}

	var previous *AuditRecord
	for i := range recs {
		if recs[i].Month.Before(month) {
			previous = &recs[i]
		}
	}

	var drafts []LedgerEntry
	if previous != nil {
		drafts = SeedEntries(previous.Entries)
	}
	return SeedFromAllocations(drafts, ResolveAllocations(c)), nil
}

func (a *Auditor) evaluate(c Contract, rec AuditRecord) AuditResult {
	recon := Reconcile(ReconciliationInput{
		Generation:      rec.Generation,
		SelfConsumption: rec.SelfConsumption,
		Participation:   c.Participation,
		Entries:         rec.Entries,
		Allocations:     ResolveAllocations(c),
	}, a.Tolerance)

	rec.Status = recon.Status
	rec.Divergence = recon.Divergence
	return AuditResult{
		Record:         rec,
		Reconciliation: recon,
		EntryChecks:    CheckEntriesWithin(rec.Entries, a.EntryTolerance),
	}
}
