// Package store provides in-memory rateio.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solarshare/rateio-engine/rateio"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	contracts   map[rateio.ContractID]rateio.Contract
	allocations map[rateio.AllocationID]rateio.Allocation
	nextAllocID rateio.AllocationID
	audits      map[rateio.AuditRecordID]rateio.AuditRecord
	settlements map[rateio.SettlementID]rateio.SettlementRecord
}

type monthKey struct {
	ContractID rateio.ContractID
	Month      rateio.Month
}

func NewMemory() *Memory {
	return &Memory{
		contracts:   make(map[rateio.ContractID]rateio.Contract),
		allocations: make(map[rateio.AllocationID]rateio.Allocation),
		nextAllocID: 1,
		audits:      make(map[rateio.AuditRecordID]rateio.AuditRecord),
		settlements: make(map[rateio.SettlementID]rateio.SettlementRecord),
	}
}

var _ rateio.Store = (*Memory)(nil)

// Reset deletes all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.contracts = make(map[rateio.ContractID]rateio.Contract)
	m.allocations = make(map[rateio.AllocationID]rateio.Allocation)
	m.audits = make(map[rateio.AuditRecordID]rateio.AuditRecord)
	m.settlements = make(map[rateio.SettlementID]rateio.SettlementRecord)
	return nil
}

// =============================================================================
// CONTRACTS
// =============================================================================

// SaveContract inserts or replaces a contract. Allocations on c are ignored;
// they are managed through the allocation methods.
func (m *Memory) SaveContract(_ context.Context, c rateio.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if old, ok := m.contracts[c.ID]; ok {
		c.CreatedAt = old.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Allocations = nil
	m.contracts[c.ID] = c
	return nil
}

func (m *Memory) GetContract(_ context.Context, id rateio.ContractID) (rateio.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return rateio.Contract{}, rateio.ErrContractNotFound
	}
	c.Allocations = m.allocationsLocked(id)
	return c, nil
}

func (m *Memory) ListContracts(_ context.Context) ([]rateio.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]rateio.Contract, 0, len(m.contracts))
	for id, c := range m.contracts {
		c.Allocations = m.allocationsLocked(id)
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) UpdateParticipation(_ context.Context, id rateio.ContractID, participation decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contracts[id]
	if !ok {
		return rateio.ErrContractNotFound
	}
	c.Participation = participation
	c.UpdatedAt = time.Now().UTC()
	m.contracts[id] = c
	return nil
}

// DeleteContract removes the contract and its allocations. Audit and
// settlement records are kept.
func (m *Memory) DeleteContract(_ context.Context, id rateio.ContractID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contracts[id]; !ok {
		return rateio.ErrContractNotFound
	}
	delete(m.contracts, id)
	for aid, a := range m.allocations {
		if a.ContractID == id {
			delete(m.allocations, aid)
		}
	}
	return nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (m *Memory) allocationsLocked(contractID rateio.ContractID) []rateio.Allocation {
	var result []rateio.Allocation
	for _, a := range m.allocations {
		if a.ContractID == contractID {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) ListAllocations(_ context.Context, contractID rateio.ContractID) ([]rateio.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocationsLocked(contractID), nil
}

func (m *Memory) GetAllocation(_ context.Context, id rateio.AllocationID) (rateio.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.allocations[id]
	if !ok {
		return rateio.Allocation{}, rateio.ErrAllocationNotFound
	}
	return a, nil
}

func (m *Memory) InsertAllocation(_ context.Context, a rateio.Allocation) (rateio.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.allocations {
		if existing.ContractID == a.ContractID && existing.SubUnitID == a.SubUnitID {
			return rateio.Allocation{}, &rateio.DuplicateAllocationError{
				ContractID: a.ContractID,
				SubUnitID:  a.SubUnitID,
				ExistingID: existing.ID,
			}
		}
	}

	a.ID = m.nextAllocID
	a.Synthetic = false
	m.nextAllocID++
	m.allocations[a.ID] = a
	return a, nil
}

func (m *Memory) UpdateAllocationPercentage(_ context.Context, id rateio.AllocationID, pct decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.allocations[id]
	if !ok {
		return rateio.ErrAllocationNotFound
	}
	a.Percentage = pct
	m.allocations[id] = a
	return nil
}

func (m *Memory) DeleteAllocation(_ context.Context, id rateio.AllocationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.allocations[id]; !ok {
		return rateio.ErrAllocationNotFound
	}
	delete(m.allocations, id)
	return nil
}

// =============================================================================
// AUDIT RECORDS
// =============================================================================

func copyAudit(rec rateio.AuditRecord) rateio.AuditRecord {
	rec.Entries = append([]rateio.LedgerEntry(nil), rec.Entries...)
	return rec
}

func (m *Memory) ListAuditRecords(_ context.Context, contractID rateio.ContractID) ([]rateio.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []rateio.AuditRecord
	for _, rec := range m.audits {
		if rec.ContractID == contractID {
			result = append(result, copyAudit(rec))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Month.Before(result[j].Month) })
	return result, nil
}

func (m *Memory) GetAuditRecord(_ context.Context, id rateio.AuditRecordID) (rateio.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.audits[id]
	if !ok {
		return rateio.AuditRecord{}, rateio.ErrAuditRecordNotFound
	}
	return copyAudit(rec), nil
}

func (m *Memory) auditMonthTakenLocked(rec rateio.AuditRecord) bool {
	key := monthKey{ContractID: rec.ContractID, Month: rec.Month}
	for _, other := range m.audits {
		if other.ID != rec.ID && (monthKey{ContractID: other.ContractID, Month: other.Month}) == key {
			return true
		}
	}
	return false
}

func (m *Memory) CreateAuditRecord(_ context.Context, rec rateio.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.auditMonthTakenLocked(rec) {
		return rateio.ErrAuditRecordExists
	}
	m.audits[rec.ID] = copyAudit(rec)
	return nil
}

func (m *Memory) UpdateAuditRecord(_ context.Context, rec rateio.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.audits[rec.ID]; !ok {
		return rateio.ErrAuditRecordNotFound
	}
	if m.auditMonthTakenLocked(rec) {
		return rateio.ErrAuditRecordExists
	}
	m.audits[rec.ID] = copyAudit(rec)
	return nil
}

func (m *Memory) DeleteAuditRecord(_ context.Context, id rateio.AuditRecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.audits[id]; !ok {
		return rateio.ErrAuditRecordNotFound
	}
	delete(m.audits, id)
	return nil
}

// =============================================================================
// SETTLEMENT RECORDS
// =============================================================================

func copySettlement(rec rateio.SettlementRecord) rateio.SettlementRecord {
	rec.Documents = append([]rateio.DocumentRef(nil), rec.Documents...)
	return rec
}

func (m *Memory) settlementMonthTakenLocked(rec rateio.SettlementRecord) bool {
	for _, other := range m.settlements {
		if other.ID != rec.ID && other.ContractID == rec.ContractID && other.Month == rec.Month {
			return true
		}
	}
	return false
}

func (m *Memory) CreateSettlementRecord(_ context.Context, rec rateio.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settlementMonthTakenLocked(rec) {
		return rateio.ErrSettlementExists
	}
	m.settlements[rec.ID] = copySettlement(rec)
	return nil
}

func (m *Memory) UpdateSettlementRecord(_ context.Context, rec rateio.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settlements[rec.ID]; !ok {
		return rateio.ErrSettlementNotFound
	}
	if m.settlementMonthTakenLocked(rec) {
		return rateio.ErrSettlementExists
	}
	m.settlements[rec.ID] = copySettlement(rec)
	return nil
}

func (m *Memory) GetSettlementRecord(_ context.Context, id rateio.SettlementID) (rateio.SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.settlements[id]
	if !ok {
		return rateio.SettlementRecord{}, rateio.ErrSettlementNotFound
	}
	return copySettlement(rec), nil
}

func (m *Memory) ListSettlementRecords(_ context.Context, contractID rateio.ContractID) ([]rateio.SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []rateio.SettlementRecord
	for _, rec := range m.settlements {
		if rec.ContractID == contractID {
			result = append(result, copySettlement(rec))
		}
	}
	sortSettlements(result)
	return result, nil
}

func (m *Memory) ListAllSettlementRecords(_ context.Context) ([]rateio.SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]rateio.SettlementRecord, 0, len(m.settlements))
	for _, rec := range m.settlements {
		result = append(result, copySettlement(rec))
	}
	sortSettlements(result)
	return result, nil
}

func sortSettlements(recs []rateio.SettlementRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Month != recs[j].Month {
			return recs[i].Month.Before(recs[j].Month)
		}
		return recs[i].ContractID < recs[j].ContractID
	})
}
