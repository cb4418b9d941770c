package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"custody.mini/cbank/internal/ledger"
)

// Amounts are stored as decimal TEXT: SQLite integers are signed 64-bit and
// balances may use the full uint64 range.

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			capacity TEXT NOT NULL,
			withdrawal_limit TEXT NOT NULL,
			total_custodied TEXT NOT NULL,
			deposit_count TEXT NOT NULL,
			withdrawal_count TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			identity TEXT PRIMARY KEY,
			balance TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			identity TEXT NOT NULL,
			amount TEXT NOT NULL,
			balance TEXT NOT NULL,
			tx_hash TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS records_identity ON records(identity, seq)`,
		`CREATE TABLE IF NOT EXISTS processed_txs (
			tx_hash TEXT PRIMARY KEY,
			code INTEGER NOT NULL,
			processed_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_withdrawals (
			tx_hash TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			amount TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create ledger schema: %w", err)
		}
	}

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	return nil
}

// Init records the immutable ledger parameters of a fresh database. It is a
// no-op when the database already holds a ledger.
func (s *Store) Init(capacity, withdrawalLimit uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO ledger_meta
		(id, capacity, withdrawal_limit, total_custodied, deposit_count, withdrawal_count, created_at)
		VALUES (1, ?, ?, '0', '0', '0', ?)
		ON CONFLICT(id) DO NOTHING`,
		formatAmount(capacity), formatAmount(withdrawalLimit), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("init ledger meta: %w", err)
	}
	return nil
}

// Load reads the persisted ledger. It returns nil when Init was never run.
func (s *Store) Load() (*ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var capacity, limit, total, deposits, withdrawals string
	err := s.db.QueryRow(`SELECT capacity, withdrawal_limit, total_custodied, deposit_count, withdrawal_count
		FROM ledger_meta WHERE id = 1`).Scan(&capacity, &limit, &total, &deposits, &withdrawals)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger meta: %w", err)
	}

	snap := &ledger.Snapshot{Balances: make(map[string]uint64)}
	for _, f := range []struct {
		dst *uint64
		src string
	}{
		{&snap.Capacity, capacity},
		{&snap.WithdrawalLimit, limit},
		{&snap.TotalCustodied, total},
		{&snap.DepositCount, deposits},
		{&snap.WithdrawalCount, withdrawals},
	} {
		if *f.dst, err = parseAmount(f.src); err != nil {
			return nil, fmt.Errorf("read ledger meta: %w", err)
		}
	}

	rows, err := s.db.Query(`SELECT identity, balance FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, balance string
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if snap.Balances[id], err = parseAmount(balance); err != nil {
			return nil, fmt.Errorf("account %s: %w", id, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	return snap, nil
}

// Commit persists one committed record together with the resulting
// aggregates, and marks txHash processed, in a single transaction.
func (s *Store) Commit(txHash string, rec ledger.Record, stats ledger.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}

	now := formatTime(time.Now())
	if _, err := tx.Exec(`INSERT INTO accounts (identity, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		rec.Identity, formatAmount(rec.Balance), now); err != nil {
		tx.Rollback()
		return fmt.Errorf("upsert account: %w", err)
	}

	res, err := tx.Exec(`UPDATE ledger_meta SET total_custodied = ?, deposit_count = ?, withdrawal_count = ? WHERE id = 1`,
		formatAmount(stats.TotalCustodied), formatAmount(stats.DepositCount), formatAmount(stats.WithdrawalCount))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update ledger meta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return errors.New("update ledger meta: ledger not initialised")
	}

	if _, err := tx.Exec(`INSERT INTO records (id, kind, identity, amount, balance, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.Identity, formatAmount(rec.Amount), formatAmount(rec.Balance),
		nullString(txHash), formatTime(rec.Time)); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert record: %w", err)
	}

	if txHash != "" {
		if _, err := tx.Exec(`INSERT INTO processed_txs (tx_hash, code, processed_at) VALUES (?, 0, ?)`, txHash, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark processed: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM pending_withdrawals WHERE tx_hash = ?`, txHash); err != nil {
			tx.Rollback()
			return fmt.Errorf("settle pending withdrawal: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	return nil
}

// MarkProcessed remembers a rejected transaction so it cannot be replayed.
// A pending withdrawal journaled under txHash is settled with it.
func (s *Store) MarkProcessed(txHash string, code uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark processed: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO processed_txs (tx_hash, code, processed_at) VALUES (?, ?, ?)
		ON CONFLICT(tx_hash) DO NOTHING`, txHash, code, formatTime(time.Now())); err != nil {
		tx.Rollback()
		return fmt.Errorf("mark processed: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pending_withdrawals WHERE tx_hash = ?`, txHash); err != nil {
		tx.Rollback()
		return fmt.Errorf("settle pending withdrawal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// PendingWithdrawal is a withdrawal that was journaled before its payout
// and has not been committed or rejected yet.
type PendingWithdrawal struct {
	TxHash   string
	Identity string
	Amount   uint64
}

// BeginWithdrawal journals a withdrawal before its payout is attempted. The
// entry is removed by the Commit or MarkProcessed of the same txHash.
func (s *Store) BeginWithdrawal(txHash, identity string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO pending_withdrawals (tx_hash, identity, amount, created_at) VALUES (?, ?, ?, ?)`,
		txHash, identity, formatAmount(amount), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("journal withdrawal: %w", err)
	}
	return nil
}

// PendingWithdrawals returns the journaled withdrawals, oldest first.
func (s *Store) PendingWithdrawals() ([]PendingWithdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT tx_hash, identity, amount FROM pending_withdrawals ORDER BY created_at, tx_hash`)
	if err != nil {
		return nil, fmt.Errorf("query pending withdrawals: %w", err)
	}
	defer rows.Close()

	var pending []PendingWithdrawal
	for rows.Next() {
		var (
			p      PendingWithdrawal
			amount string
		)
		if err := rows.Scan(&p.TxHash, &p.Identity, &amount); err != nil {
			return nil, fmt.Errorf("scan pending withdrawal: %w", err)
		}
		if p.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// IsProcessed reports whether txHash was already delivered.
func (s *Store) IsProcessed(txHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM processed_txs WHERE tx_hash = ?`, txHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup processed tx: %w", err)
	}
	return true, nil
}

// Records returns up to limit journal entries, newest first. An empty
// identity returns entries for every identity.
func (s *Store) Records(identity string, limit int) ([]ledger.Record, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, kind, identity, amount, balance, created_at FROM records`
	args := []any{}
	if identity != "" {
		query += ` WHERE identity = ?`
		args = append(args, identity)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []ledger.Record{}
	for rows.Next() {
		var (
			rec                      ledger.Record
			kind, amount, bal, ctime string
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.Identity, &amount, &bal, &ctime); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = ledger.RecordKind(kind)
		if rec.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if rec.Balance, err = parseAmount(bal); err != nil {
			return nil, err
		}
		rec.Time = parseTime(ctime)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	return time.Time{}
}
