/*
Package sqlite provides a SQLite-backed implementation of rateio.Store.

PURPOSE:
  Persists contracts, sub-unit allocations, monthly audit records (with
  their ledger entries) and settlement records. The same schema ports to
  PostgreSQL with minor dialect changes.

KEY TABLES:
  contracts:          Generator -> consumer links (vinculos)
  allocations:        Sub-unit rateio percentages, cascade-deleted with the contract
  audit_records:      One per (contract, month); status persisted as computed
  ledger_entries:     Per-unit credits, cascade-deleted with the audit record
  settlement_records: One per (contract, month); NO foreign key to contracts

ORPHAN SAFETY:
  audit_records and settlement_records reference contracts by id only.
  Deleting a contract must not destroy financial history, so there is no
  FK (and no cascade) on those tables; reporting filters orphans instead.

FIELD NAMES:
  Stored columns keep the snake_case names used by existing records
  (geracao_usina, consumo_proprio_usina, saldo_anterior, creditos_injetados,
  creditos_consumidos, saldo_final, data_leitura).

NUMBERS:
  Energy and money are stored as decimal strings (TEXT), never REAL.

USAGE:
  store, err := sqlite.New("./data/rateio.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - rateio/store.go: Interface definitions
  - rateio/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/solarshare/rateio-engine/rateio"
)

// Store implements rateio.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ rateio.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for metrics collectors.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		generator_id TEXT NOT NULL,
		consumer_id TEXT NOT NULL,
		consumer_unit_id TEXT NOT NULL,
		participacao TEXT NOT NULL,
		generator_tariff TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		sub_unit_id TEXT NOT NULL,
		percentage TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- At most one allocation per (contract, sub-unit)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_allocations_contract_unit
		ON allocations(contract_id, sub_unit_id);

	-- No FK to contracts: records must survive contract deletion
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		month TEXT NOT NULL,
		geracao_usina TEXT NOT NULL,
		consumo_proprio_usina TEXT NOT NULL,
		observation TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		divergence TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_records_contract_month
		ON audit_records(contract_id, month);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		audit_record_id TEXT NOT NULL REFERENCES audit_records(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		sub_unit_id TEXT NOT NULL,
		data_leitura TEXT,
		saldo_anterior TEXT NOT NULL,
		creditos_injetados TEXT NOT NULL,
		creditos_consumidos TEXT NOT NULL,
		saldo_final TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_record
		ON ledger_entries(audit_record_id, position);

	-- No FK to contracts: settlement history outlives the contract
	CREATE TABLE IF NOT EXISTS settlement_records (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		month TEXT NOT NULL,
		energy_compensated TEXT NOT NULL,
		amount_received TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		spread TEXT NOT NULL,
		breakdown_json TEXT NOT NULL,
		documents_json TEXT NOT NULL DEFAULT '[]',
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlement_records_contract_month
		ON settlement_records(contract_id, month);
	CREATE INDEX IF NOT EXISTS idx_settlement_records_month
		ON settlement_records(month);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all data. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"ledger_entries", "audit_records", "settlement_records", "allocations", "contracts"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// CONTRACTS (rateio.ContractStore)
// =============================================================================

// SaveContract inserts or replaces a contract. Allocations are managed
// through the allocation methods and are not touched here.
func (s *Store) SaveContract(ctx context.Context, c rateio.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	status := c.Status
	if status == "" {
		status = rateio.ContractActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts
		(id, name, generator_id, consumer_id, consumer_unit_id, participacao,
		 generator_tariff, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			generator_id = excluded.generator_id,
			consumer_id = excluded.consumer_id,
			consumer_unit_id = excluded.consumer_unit_id,
			participacao = excluded.participacao,
			generator_tariff = excluded.generator_tariff,
			status = excluded.status,
			updated_at = excluded.updated_at
	`,
		c.ID, c.Name, c.GeneratorID, c.ConsumerID, c.ConsumerUnitID,
		c.Participation.String(), c.GeneratorTariff.String(), status, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// GetContract returns a contract with its stored allocations.
func (s *Store) GetContract(ctx context.Context, id rateio.ContractID) (rateio.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, contractSelect+` WHERE id = ?`, id)
	if err != nil {
		return rateio.Contract{}, fmt.Errorf("failed to get contract: %w", err)
	}
	contracts, err := scanContracts(rows)
	if err != nil {
		return rateio.Contract{}, err
	}
	if len(contracts) == 0 {
		return rateio.Contract{}, rateio.ErrContractNotFound
	}

	c := contracts[0]
	c.Allocations, err = s.listAllocations(ctx, id)
	if err != nil {
		return rateio.Contract{}, err
	}
	return c, nil
}

// ListContracts returns all contracts with their allocations.
func (s *Store) ListContracts(ctx context.Context) ([]rateio.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, contractSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	contracts, err := scanContracts(rows)
	if err != nil {
		return nil, err
	}

	for i := range contracts {
		contracts[i].Allocations, err = s.listAllocations(ctx, contracts[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return contracts, nil
}

// UpdateParticipation changes a contract's participation percentage.
func (s *Store) UpdateParticipation(ctx context.Context, id rateio.ContractID, participation decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE contracts SET participacao = ?, updated_at = ? WHERE id = ?`,
		participation.String(), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update participation: %w", err)
	}
	return requireAffected(res, rateio.ErrContractNotFound)
}

// DeleteContract removes a contract; its allocations cascade. Audit and
// settlement records are left in place.
func (s *Store) DeleteContract(ctx context.Context, id rateio.ContractID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM contracts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete contract: %w", err)
	}
	return requireAffected(res, rateio.ErrContractNotFound)
}

const contractSelect = `
	SELECT id, name, generator_id, consumer_id, consumer_unit_id, participacao,
	       generator_tariff, status, created_at, updated_at
	FROM contracts`

func scanContracts(rows *sql.Rows) ([]rateio.Contract, error) {
	defer rows.Close()

	var contracts []rateio.Contract
	for rows.Next() {
		var (
			c                    rateio.Contract
			createdAt, updatedAt string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.GeneratorID, &c.ConsumerID, &c.ConsumerUnitID,
			&c.Participation, &c.GeneratorTariff, &c.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// =============================================================================
// ALLOCATIONS (rateio.AllocationStore)
// =============================================================================

// ListAllocations returns the stored allocations of a contract, by id.
func (s *Store) ListAllocations(ctx context.Context, contractID rateio.ContractID) ([]rateio.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAllocations(ctx, contractID)
}

func (s *Store) listAllocations(ctx context.Context, contractID rateio.ContractID) ([]rateio.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contract_id, sub_unit_id, percentage
		FROM allocations WHERE contract_id = ? ORDER BY id
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	return scanAllocations(rows)
}

// GetAllocation returns one allocation.
func (s *Store) GetAllocation(ctx context.Context, id rateio.AllocationID) (rateio.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contract_id, sub_unit_id, percentage
		FROM allocations WHERE id = ?
	`, id)
	if err != nil {
		return rateio.Allocation{}, fmt.Errorf("failed to get allocation: %w", err)
	}
	allocs, err := scanAllocations(rows)
	if err != nil {
		return rateio.Allocation{}, err
	}
	if len(allocs) == 0 {
		return rateio.Allocation{}, rateio.ErrAllocationNotFound
	}
	return allocs[0], nil
}

// InsertAllocation stores a new allocation. AUTOINCREMENT ids start at 1,
// so the fallback sentinel (0) is never issued.
func (s *Store) InsertAllocation(ctx context.Context, a rateio.Allocation) (rateio.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations (contract_id, sub_unit_id, percentage, created_at)
		VALUES (?, ?, ?, ?)
	`, a.ContractID, a.SubUnitID, a.Percentage.String(), formatTime(time.Now()))
	if err != nil {
		if isUniqueConstraintError(err) {
			return rateio.Allocation{}, &rateio.DuplicateAllocationError{
				ContractID: a.ContractID,
				SubUnitID:  a.SubUnitID,
			}
		}
		if isForeignKeyError(err) {
			return rateio.Allocation{}, rateio.ErrContractNotFound
		}
		return rateio.Allocation{}, fmt.Errorf("failed to insert allocation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return rateio.Allocation{}, fmt.Errorf("failed to read allocation id: %w", err)
	}
	a.ID = rateio.AllocationID(id)
	a.Synthetic = false
	return a, nil
}

// UpdateAllocationPercentage changes an allocation's percentage.
func (s *Store) UpdateAllocationPercentage(ctx context.Context, id rateio.AllocationID, pct decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE allocations SET percentage = ? WHERE id = ?`, pct.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	return requireAffected(res, rateio.ErrAllocationNotFound)
}

// DeleteAllocation removes an allocation.
func (s *Store) DeleteAllocation(ctx context.Context, id rateio.AllocationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM allocations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete allocation: %w", err)
	}
	return requireAffected(res, rateio.ErrAllocationNotFound)
}

func scanAllocations(rows *sql.Rows) ([]rateio.Allocation, error) {
	defer rows.Close()

	var allocs []rateio.Allocation
	for rows.Next() {
		var a rateio.Allocation
		if err := rows.Scan(&a.ID, &a.ContractID, &a.SubUnitID, &a.Percentage); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// =============================================================================
// AUDIT RECORDS (rateio.AuditStore)
// =============================================================================

const auditSelect = `
	SELECT id, contract_id, month, geracao_usina, consumo_proprio_usina,
	       observation, status, divergence, created_at, updated_at
	FROM audit_records`

// ListAuditRecords returns a contract's audit records by month, with entries.
func (s *Store) ListAuditRecords(ctx context.Context, contractID rateio.ContractID) ([]rateio.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, auditSelect+` WHERE contract_id = ? ORDER BY month`, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	recs, err := scanAudits(rows)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Entries, err = s.loadEntries(ctx, recs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// GetAuditRecord returns one audit record with its entries.
func (s *Store) GetAuditRecord(ctx context.Context, id rateio.AuditRecordID) (rateio.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, auditSelect+` WHERE id = ?`, id)
	if err != nil {
		return rateio.AuditRecord{}, fmt.Errorf("failed to get audit record: %w", err)
	}
	recs, err := scanAudits(rows)
	if err != nil {
		return rateio.AuditRecord{}, err
	}
	if len(recs) == 0 {
		return rateio.AuditRecord{}, rateio.ErrAuditRecordNotFound
	}

	rec := recs[0]
	rec.Entries, err = s.loadEntries(ctx, id)
	if err != nil {
		return rateio.AuditRecord{}, err
	}
	return rec, nil
}

// CreateAuditRecord writes a record and its entries atomically.
func (s *Store) CreateAuditRecord(ctx context.Context, rec rateio.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO audit_records
		(id, contract_id, month, geracao_usina, consumo_proprio_usina,
		 observation, status, divergence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.ContractID, rec.Month.String(), rec.Generation.String(), rec.SelfConsumption.String(),
		rec.Observation, rec.Status, rec.Divergence.String(), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return rateio.ErrAuditRecordExists
		}
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	if err := insertEntries(ctx, sqlTx, rec.ID, rec.Entries); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// UpdateAuditRecord replaces a record's figures and entries atomically.
func (s *Store) UpdateAuditRecord(ctx context.Context, rec rateio.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE audit_records SET
			month = ?, geracao_usina = ?, consumo_proprio_usina = ?,
			observation = ?, status = ?, divergence = ?, updated_at = ?
		WHERE id = ?
	`,
		rec.Month.String(), rec.Generation.String(), rec.SelfConsumption.String(),
		rec.Observation, rec.Status, rec.Divergence.String(), formatTime(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return rateio.ErrAuditRecordExists
		}
		return fmt.Errorf("failed to update audit record: %w", err)
	}
	if err := requireAffected(res, rateio.ErrAuditRecordNotFound); err != nil {
		return err
	}

	if _, err := sqlTx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE audit_record_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to clear ledger entries: %w", err)
	}
	if err := insertEntries(ctx, sqlTx, rec.ID, rec.Entries); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// DeleteAuditRecord removes a record; its entries cascade.
func (s *Store) DeleteAuditRecord(ctx context.Context, id rateio.AuditRecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete audit record: %w", err)
	}
	return requireAffected(res, rateio.ErrAuditRecordNotFound)
}

func insertEntries(ctx context.Context, db execer, id rateio.AuditRecordID, entries []rateio.LedgerEntry) error {
	for i, e := range entries {
		_, err := db.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(audit_record_id, position, sub_unit_id, data_leitura, saldo_anterior,
			 creditos_injetados, creditos_consumidos, saldo_final)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			id, i, e.SubUnitID, nullDate(e.ReadingDate), e.PreviousBalance.String(),
			e.Injected.String(), e.Consumed.String(), e.DeclaredFinalBalance.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert ledger entry %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) loadEntries(ctx context.Context, id rateio.AuditRecordID) ([]rateio.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sub_unit_id, data_leitura, saldo_anterior, creditos_injetados,
		       creditos_consumidos, saldo_final
		FROM ledger_entries WHERE audit_record_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []rateio.LedgerEntry
	for rows.Next() {
		var (
			e           rateio.LedgerEntry
			readingDate sql.NullString
		)
		if err := rows.Scan(&e.SubUnitID, &readingDate, &e.PreviousBalance, &e.Injected,
			&e.Consumed, &e.DeclaredFinalBalance); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if readingDate.Valid {
			e.ReadingDate, _ = time.Parse("2006-01-02", readingDate.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanAudits(rows *sql.Rows) ([]rateio.AuditRecord, error) {
	defer rows.Close()

	var recs []rateio.AuditRecord
	for rows.Next() {
		var (
			rec                         rateio.AuditRecord
			month, createdAt, updatedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.ContractID, &month, &rec.Generation, &rec.SelfConsumption,
			&rec.Observation, &rec.Status, &rec.Divergence, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Month, _ = rateio.ParseMonth(month)
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// =============================================================================
// SETTLEMENT RECORDS (rateio.SettlementStore)
// =============================================================================

const settlementSelect = `
	SELECT id, contract_id, month, energy_compensated, amount_received, amount_paid,
	       spread, breakdown_json, documents_json, notes, created_at, updated_at
	FROM settlement_records`

// CreateSettlementRecord stores a closed month.
func (s *Store) CreateSettlementRecord(ctx context.Context, rec rateio.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	breakdown, documents, err := encodeSettlement(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_records
		(id, contract_id, month, energy_compensated, amount_received, amount_paid,
		 spread, breakdown_json, documents_json, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.ContractID, rec.Month.String(), rec.EnergyCompensated.String(),
		rec.AmountReceived.String(), rec.AmountPaid.String(), rec.Spread.String(),
		breakdown, documents, rec.Notes, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return rateio.ErrSettlementExists
		}
		return fmt.Errorf("failed to insert settlement record: %w", err)
	}
	return nil
}

// UpdateSettlementRecord replaces a settlement record.
func (s *Store) UpdateSettlementRecord(ctx context.Context, rec rateio.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	breakdown, documents, err := encodeSettlement(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement_records SET
			month = ?, energy_compensated = ?, amount_received = ?, amount_paid = ?,
			spread = ?, breakdown_json = ?, documents_json = ?, notes = ?, updated_at = ?
		WHERE id = ?
	`,
		rec.Month.String(), rec.EnergyCompensated.String(), rec.AmountReceived.String(),
		rec.AmountPaid.String(), rec.Spread.String(), breakdown, documents, rec.Notes,
		formatTime(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return rateio.ErrSettlementExists
		}
		return fmt.Errorf("failed to update settlement record: %w", err)
	}
	return requireAffected(res, rateio.ErrSettlementNotFound)
}

// GetSettlementRecord returns one settlement record.
func (s *Store) GetSettlementRecord(ctx context.Context, id rateio.SettlementID) (rateio.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.querySettlements(ctx, settlementSelect+` WHERE id = ?`, id)
	if err != nil {
		return rateio.SettlementRecord{}, err
	}
	if len(recs) == 0 {
		return rateio.SettlementRecord{}, rateio.ErrSettlementNotFound
	}
	return recs[0], nil
}

// ListSettlementRecords returns a contract's settlement records by month.
func (s *Store) ListSettlementRecords(ctx context.Context, contractID rateio.ContractID) ([]rateio.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.querySettlements(ctx, settlementSelect+` WHERE contract_id = ? ORDER BY month`, contractID)
}

// ListAllSettlementRecords returns every settlement record, orphans included.
func (s *Store) ListAllSettlementRecords(ctx context.Context) ([]rateio.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.querySettlements(ctx, settlementSelect+` ORDER BY month, contract_id`)
}

func (s *Store) querySettlements(ctx context.Context, query string, args ...any) ([]rateio.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement records: %w", err)
	}
	defer rows.Close()

	var recs []rateio.SettlementRecord
	for rows.Next() {
		var (
			rec                         rateio.SettlementRecord
			month, breakdown, documents string
			createdAt, updatedAt        string
		)
		if err := rows.Scan(&rec.ID, &rec.ContractID, &month, &rec.EnergyCompensated,
			&rec.AmountReceived, &rec.AmountPaid, &rec.Spread, &breakdown, &documents,
			&rec.Notes, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement record: %w", err)
		}
		rec.Month, _ = rateio.ParseMonth(month)
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)
		if err := decodeSettlement(&rec, breakdown, documents); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// breakdownJSON is the stored shape of rateio.Settlement.
type breakdownJSON struct {
	EnergyInjectedKWh      decimal.Decimal `json:"energy_injected_kwh"`
	TariffPerKWh           decimal.Decimal `json:"tariff_per_kwh"`
	DiscountPercentage     decimal.Decimal `json:"discount_percentage"`
	GridUsageFeePerKWh     decimal.Decimal `json:"grid_usage_fee_per_kwh"`
	ICMSRatePercent        decimal.Decimal `json:"icms_rate_percent"`
	GeneratorTariffPerKWh  decimal.Decimal `json:"generator_tariff_per_kwh"`
	GrossGenerationValue   decimal.Decimal `json:"gross_generation_value"`
	GridUsageFeeCost       decimal.Decimal `json:"grid_usage_fee_cost"`
	TaxCost                decimal.Decimal `json:"tax_cost"`
	NetEconomy             decimal.Decimal `json:"net_economy"`
	DiscountValue          decimal.Decimal `json:"discount_value"`
	AmountBilledToConsumer decimal.Decimal `json:"amount_billed_to_consumer"`
	AmountPaidToGenerator  decimal.Decimal `json:"amount_paid_to_generator"`
	Spread                 decimal.Decimal `json:"spread"`
}

type documentJSON struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

func encodeSettlement(rec rateio.SettlementRecord) (string, string, error) {
	b := rec.Breakdown
	breakdown, err := json.Marshal(breakdownJSON{
		EnergyInjectedKWh:      b.Input.EnergyInjectedKWh,
		TariffPerKWh:           b.Input.TariffPerKWh,
		DiscountPercentage:     b.Input.DiscountPercentage,
		GridUsageFeePerKWh:     b.Input.GridUsageFeePerKWh,
		ICMSRatePercent:        b.Input.ICMSRatePercent,
		GeneratorTariffPerKWh:  b.Input.GeneratorTariffPerKWh,
		GrossGenerationValue:   b.GrossGenerationValue,
		GridUsageFeeCost:       b.GridUsageFeeCost,
		TaxCost:                b.TaxCost,
		NetEconomy:             b.NetEconomy,
		DiscountValue:          b.DiscountValue,
		AmountBilledToConsumer: b.AmountBilledToConsumer,
		AmountPaidToGenerator:  b.AmountPaidToGenerator,
		Spread:                 b.Spread,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to encode settlement breakdown: %w", err)
	}

	docs := make([]documentJSON, len(rec.Documents))
	for i, d := range rec.Documents {
		docs[i] = documentJSON{Kind: d.Kind, Ref: d.Ref}
	}
	documents, err := json.Marshal(docs)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode settlement documents: %w", err)
	}
	return string(breakdown), string(documents), nil
}

func decodeSettlement(rec *rateio.SettlementRecord, breakdown, documents string) error {
	var b breakdownJSON
	if err := json.Unmarshal([]byte(breakdown), &b); err != nil {
		return fmt.Errorf("failed to decode settlement breakdown: %w", err)
	}
	rec.Breakdown = rateio.Settlement{
		Input: rateio.SettlementInput{
			EnergyInjectedKWh:     b.EnergyInjectedKWh,
			TariffPerKWh:          b.TariffPerKWh,
			DiscountPercentage:    b.DiscountPercentage,
			GridUsageFeePerKWh:    b.GridUsageFeePerKWh,
			ICMSRatePercent:       b.ICMSRatePercent,
			GeneratorTariffPerKWh: b.GeneratorTariffPerKWh,
		},
		GrossGenerationValue:   b.GrossGenerationValue,
		GridUsageFeeCost:       b.GridUsageFeeCost,
		TaxCost:                b.TaxCost,
		NetEconomy:             b.NetEconomy,
		DiscountValue:          b.DiscountValue,
		AmountBilledToConsumer: b.AmountBilledToConsumer,
		AmountPaidToGenerator:  b.AmountPaidToGenerator,
		Spread:                 b.Spread,
	}

	var docs []documentJSON
	if err := json.Unmarshal([]byte(documents), &docs); err != nil {
		return fmt.Errorf("failed to decode settlement documents: %w", err)
	}
	for _, d := range docs {
		rec.Documents = append(rec.Documents, rateio.DocumentRef{Kind: d.Kind, Ref: d.Ref})
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format("2006-01-02"), Valid: true}
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
