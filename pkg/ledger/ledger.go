// Package ledger implements the credit ledger: an append-only log of
// two-phase billing entries over SQLite. Every balance-affecting write is a
// single conditional statement, so concurrent turns never corrupt a balance
// and retried finalizations are safe.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/arena/pkg/models"
)

var (
	// ErrInsufficientBalance is returned when a reservation exceeds the available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidState is returned when an entry is not pending and not already in the requested state.
	ErrInvalidState = errors.New("ledger entry in invalid state")
	// ErrNotFound is returned for unknown entry ids.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Ledger is the two-phase credit ledger.
type Ledger interface {
	// Reserve appends a pending debit of amount for userID. Repeating a
	// reservation with the same key returns the existing entry.
	Reserve(ctx context.Context, userID string, amount int64, key, turnID string) (models.LedgerEntry, error)
	// Confirm moves a pending entry to confirmed. Confirming a confirmed entry is a no-op.
	Confirm(ctx context.Context, entryID string) (models.LedgerEntry, error)
	// Reverse moves a pending entry to reversed. Reversing a reversed entry is a no-op.
	Reverse(ctx context.Context, entryID string) (models.LedgerEntry, error)
	// TopUp appends a confirmed credit from an external payment event.
	TopUp(ctx context.Context, userID string, amount int64, key string) (models.LedgerEntry, error)
	// Adjust appends a confirmed compensating credit tied to a turn.
	Adjust(ctx context.Context, userID string, amount int64, key, turnID string) (models.LedgerEntry, error)
	// Get returns one entry.
	Get(ctx context.Context, entryID string) (models.LedgerEntry, error)
	// Balance returns the sum of confirmed entries.
	Balance(ctx context.Context, userID string) (int64, error)
	// Available returns the balance minus outstanding pending debits.
	Available(ctx context.Context, userID string) (int64, error)
	// Entries returns a user's entries, newest first.
	Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
	// Pending returns pending entries created before cutoff, for reconciliation.
	Pending(ctx context.Context, before time.Time) ([]models.LedgerEntry, error)
	// Close releases resources.
	Close() error
}

// SQLiteLedger implements Ledger with a SQLite database.
type SQLiteLedger struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

const createLedgerTable = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	entry_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	amount INTEGER NOT NULL,
	kind TEXT NOT NULL,
	state TEXT NOT NULL CHECK (state IN ('pending', 'confirmed', 'reversed')),
	turn_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	finalized_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_ledger_user_state ON ledger_entries(user_id, state);
CREATE INDEX IF NOT EXISTS idx_ledger_turn ON ledger_entries(turn_id);
`

// Terminal entries are immutable.
const createImmutableTrigger = `
CREATE TRIGGER IF NOT EXISTS ledger_entries_immutable
BEFORE UPDATE ON ledger_entries
WHEN OLD.state != 'pending'
BEGIN
	SELECT RAISE(ABORT, 'ledger entry is final');
END;
`

// New opens the ledger database and runs auto-migration.
func New(dbPath string, logger *slog.Logger) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// Conditional writes must not interleave.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createLedgerTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	if _, err := db.Exec(createImmutableTrigger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger trigger: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteLedger{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Reserve appends a pending debit if the user's available balance covers it.
// The availability check and the insert are one statement.
func (l *SQLiteLedger) Reserve(ctx context.Context, userID string, amount int64, key, turnID string) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, ErrInvalidAmount
	}

	if existing, err := l.Get(ctx, key); err == nil {
		if existing.UserID != userID || existing.Kind != models.EntryReservation || existing.Amount != -amount {
			return models.LedgerEntry{}, fmt.Errorf("reserve %s: idempotency key reused with different parameters", key)
		}
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return models.LedgerEntry{}, err
	}

	now := l.now()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (entry_id, user_id, amount, kind, state, turn_id, created_at)
		 SELECT ?, ?, ?, ?, 'pending', ?, ?
		 WHERE (SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		        WHERE user_id = ? AND state IN ('confirmed', 'pending')) >= ?
		 ON CONFLICT(entry_id) DO NOTHING`,
		key, userID, -amount, models.EntryReservation, turnID, now,
		userID, amount,
	)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("reserve: %w", err)
	}
	if n == 0 {
		// Either a concurrent reserve with the same key won, or funds are short.
		if existing, err := l.Get(ctx, key); err == nil && existing.Kind == models.EntryReservation {
			return existing, nil
		}
		l.logger.Info("reservation denied", "user_id", userID, "amount", amount, "entry_id", key)
		return models.LedgerEntry{}, ErrInsufficientBalance
	}

	l.logger.Info("reserved credits", "user_id", userID, "amount", amount, "entry_id", key, "turn_id", turnID)
	return models.LedgerEntry{
		ID:        key,
		UserID:    userID,
		Amount:    -amount,
		Kind:      models.EntryReservation,
		State:     models.EntryPending,
		TurnID:    turnID,
		CreatedAt: now,
	}, nil
}

// Confirm finalizes a pending entry as charged.
func (l *SQLiteLedger) Confirm(ctx context.Context, entryID string) (models.LedgerEntry, error) {
	return l.transition(ctx, entryID, models.EntryConfirmed)
}

// Reverse finalizes a pending entry as refunded.
func (l *SQLiteLedger) Reverse(ctx context.Context, entryID string) (models.LedgerEntry, error) {
	return l.transition(ctx, entryID, models.EntryReversed)
}

// transition performs the single conditional state write. A zero-row update
// is resolved by reading the entry: already in the target state is success.
func (l *SQLiteLedger) transition(ctx context.Context, entryID string, to models.EntryState) (models.LedgerEntry, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE ledger_entries SET state = ?, finalized_at = ? WHERE entry_id = ? AND state = 'pending'`,
		to, l.now(), entryID,
	)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("%s entry %s: %w", to, entryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("%s entry %s: %w", to, entryID, err)
	}

	entry, err := l.Get(ctx, entryID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if n == 0 && entry.State != to {
		return entry, fmt.Errorf("%s entry %s (state %s): %w", to, entryID, entry.State, ErrInvalidState)
	}
	if n > 0 {
		l.logger.Info("ledger entry finalized", "entry_id", entryID, "state", to, "amount", entry.Amount)
	}
	return entry, nil
}

// TopUp appends a confirmed credit.
func (l *SQLiteLedger) TopUp(ctx context.Context, userID string, amount int64, key string) (models.LedgerEntry, error) {
	return l.credit(ctx, userID, amount, key, "", models.EntryTopUp)
}

// Adjust appends a confirmed compensating credit for a turn.
func (l *SQLiteLedger) Adjust(ctx context.Context, userID string, amount int64, key, turnID string) (models.LedgerEntry, error) {
	return l.credit(ctx, userID, amount, key, turnID, models.EntryAdjustment)
}

func (l *SQLiteLedger) credit(ctx context.Context, userID string, amount int64, key, turnID string, kind models.EntryKind) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, ErrInvalidAmount
	}
	now := l.now()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (entry_id, user_id, amount, kind, state, turn_id, created_at, finalized_at)
		 VALUES (?, ?, ?, ?, 'confirmed', ?, ?, ?)
		 ON CONFLICT(entry_id) DO NOTHING`,
		key, userID, amount, kind, turnID, now, now,
	)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("%s: %w", kind, err)
	}
	entry, err := l.Get(ctx, key)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if entry.UserID != userID || entry.Kind != kind || entry.Amount != amount {
			return models.LedgerEntry{}, fmt.Errorf("%s %s: idempotency key reused with different parameters", kind, key)
		}
		return entry, nil
	}
	l.logger.Info("credited", "user_id", userID, "amount", amount, "kind", kind, "entry_id", key)
	return entry, nil
}

const selectEntry = `SELECT entry_id, user_id, amount, kind, state, turn_id, created_at, finalized_at FROM ledger_entries`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	var finalized sql.NullTime
	if err := s.Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &e.State, &e.TurnID, &e.CreatedAt, &finalized); err != nil {
		return models.LedgerEntry{}, err
	}
	if finalized.Valid {
		t := finalized.Time
		e.FinalizedAt = &t
	}
	return e, nil
}

// Get returns one entry by id.
func (l *SQLiteLedger) Get(ctx context.Context, entryID string) (models.LedgerEntry, error) {
	e, err := scanEntry(l.db.QueryRowContext(ctx, selectEntry+` WHERE entry_id = ?`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// Balance returns the sum of confirmed entries.
func (l *SQLiteLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ? AND state = 'confirmed'`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return total, nil
}

// Available returns confirmed balance minus outstanding pending debits.
func (l *SQLiteLedger) Available(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ? AND state IN ('confirmed', 'pending')`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("available: %w", err)
	}
	return total, nil
}

// Entries returns a user's entries, newest first.
func (l *SQLiteLedger) Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		selectEntry+` WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Pending returns pending entries created before cutoff, oldest first.
func (l *SQLiteLedger) Pending(ctx context.Context, before time.Time) ([]models.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		selectEntry+` WHERE state = 'pending' AND created_at < ? ORDER BY created_at ASC`,
		before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("pending entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
