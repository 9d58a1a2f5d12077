// Package alert keeps the reconciliation fault log: ledger finalizations
// that exhausted their retries and left a reservation pending.
package alert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/arena/pkg/models"
)

// ErrNotFound is returned when resolving an unknown fault.
var ErrNotFound = errors.New("fault not found")

// Sink receives finalization faults.
type Sink interface {
	Record(ctx context.Context, f models.Fault) (models.Fault, error)
}

// Log writes and queries faults in a SQLite database.
type Log struct {
	db            *sql.DB
	retentionDays int
	logger        *slog.Logger
	done          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// New opens the fault database and starts the retention loop. Resolved
// faults older than retentionDays are removed; open faults are kept.
func New(dbPath string, retentionDays int, logger *slog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open alert db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate alert db: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		db:            db,
		retentionDays: retentionDays,
		logger:        logger,
		done:          make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS finalization_faults (
		id          TEXT PRIMARY KEY,
		turn_id     TEXT NOT NULL,
		entry_id    TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		operation   TEXT NOT NULL,
		amount      INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		attempts    INTEGER NOT NULL DEFAULT 0,
		created_at  DATETIME NOT NULL,
		resolved_at DATETIME
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_faults_created ON finalization_faults(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_faults_user ON finalization_faults(user_id)`)
	return err
}

// Record stores a fault and logs it at error level.
func (l *Log) Record(ctx context.Context, f models.Fault) (models.Fault, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO finalization_faults
		(id, turn_id, entry_id, user_id, operation, amount, error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TurnID, f.EntryID, f.UserID, f.Operation, f.Amount, f.Error, f.Attempts, f.CreatedAt,
	)
	if err != nil {
		return models.Fault{}, fmt.Errorf("record fault: %w", err)
	}

	l.logger.Error("ledger finalization fault",
		"fault_id", f.ID, "turn_id", f.TurnID, "entry_id", f.EntryID,
		"user_id", f.UserID, "operation", f.Operation, "attempts", f.Attempts, "error", f.Error)
	return f, nil
}

// Query returns faults matching q, newest first.
func (l *Log) Query(ctx context.Context, q models.FaultQuery) ([]models.Fault, error) {
	stmt := `SELECT id, turn_id, entry_id, user_id, operation, amount, error, attempts, created_at, resolved_at
		FROM finalization_faults WHERE 1=1`
	var args []any

	if q.UserID != "" {
		stmt += " AND user_id = ?"
		args = append(args, q.UserID)
	}
	if q.TurnID != "" {
		stmt += " AND turn_id = ?"
		args = append(args, q.TurnID)
	}
	if !q.Since.IsZero() {
		stmt += " AND created_at >= ?"
		args = append(args, q.Since.UTC())
	}
	if q.Unresolved {
		stmt += " AND resolved_at IS NULL"
	}

	stmt += " ORDER BY created_at DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	stmt += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query faults: %w", err)
	}
	defer rows.Close()

	var faults []models.Fault
	for rows.Next() {
		var f models.Fault
		var resolved sql.NullTime
		if err := rows.Scan(&f.ID, &f.TurnID, &f.EntryID, &f.UserID, &f.Operation,
			&f.Amount, &f.Error, &f.Attempts, &f.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		if resolved.Valid {
			t := resolved.Time
			f.ResolvedAt = &t
		}
		faults = append(faults, f)
	}
	return faults, rows.Err()
}

// Resolve marks a fault as reconciled.
func (l *Log) Resolve(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE finalization_faults SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resolve fault: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := l.db.QueryRowContext(ctx, `SELECT 1 FROM finalization_faults WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("fault %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

// Stats returns fault counts grouped by operation and day.
func (l *Log) Stats(ctx context.Context) ([]models.FaultStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT operation, date(created_at) as day, count(*),
		        SUM(CASE WHEN resolved_at IS NULL THEN 1 ELSE 0 END)
		 FROM finalization_faults GROUP BY operation, day ORDER BY day DESC, operation`)
	if err != nil {
		return nil, fmt.Errorf("fault stats: %w", err)
	}
	defer rows.Close()

	var stats []models.FaultStat
	for rows.Next() {
		var s models.FaultStat
		var day sql.NullString
		if err := rows.Scan(&s.Operation, &day, &s.Count, &s.Open); err != nil {
			return nil, fmt.Errorf("scan fault stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes resolved faults older than the retention period.
func (l *Log) Cleanup(ctx context.Context) (int64, error) {
	if l.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM finalization_faults WHERE resolved_at IS NOT NULL AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fault cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Log) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return l.db.Close()
}

func (l *Log) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if n, err := l.Cleanup(context.Background()); err != nil {
				l.logger.Warn("fault cleanup failed", "error", err)
			} else if n > 0 {
				l.logger.Info("fault cleanup", "removed", n)
			}
		}
	}
}
