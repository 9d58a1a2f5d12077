// Package store persists finished turns and their provider calls.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/arena/pkg/models"
)

var (
	// ErrNotFound is returned for unknown turn ids.
	ErrNotFound = errors.New("turn not found")
	// ErrAlreadySaved is returned when a turn is saved twice.
	ErrAlreadySaved = errors.New("turn already saved")
)

// Store persists turns.
type Store interface {
	// SaveTurn writes a terminal turn and its calls in one transaction.
	SaveTurn(ctx context.Context, turn models.Turn) error
	// GetTurn returns a turn with its calls.
	GetTurn(ctx context.Context, turnID string) (models.Turn, error)
	// History returns up to limit of the most recent turns of a
	// conversation, oldest first, with calls attached.
	History(ctx context.Context, conversationID string, limit int) ([]models.Turn, error)
	// Turns lists a user's turns, newest first, without calls.
	Turns(ctx context.Context, userID string, limit int) ([]models.Turn, error)
	// Summary aggregates stored calls by provider and model since a time.
	Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createTurnsTable = `
CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	mode TEXT NOT NULL,
	prompt TEXT NOT NULL,
	reconsider_of TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	credits_charged INTEGER NOT NULL DEFAULT 0,
	entry_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id, created_at);
`

const createCallsTable = `
CREATE TABLE IF NOT EXISTS provider_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	turn_id TEXT NOT NULL REFERENCES turns(id),
	provider TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	increments INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	cause TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_calls_turn ON provider_calls(turn_id);
`

// New creates a SQLiteStore and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if _, err := db.Exec(createTurnsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate turns table: %w", err)
	}
	if _, err := db.Exec(createCallsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate provider_calls table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveTurn stores a terminal turn. A turn is written once.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn models.Turn) error {
	if !turn.Status.Terminal() {
		return fmt.Errorf("save turn %s: status %q is not terminal", turn.ID, turn.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, user_id, tier, mode, prompt, reconsider_of, status, credits_charged, entry_id, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		turn.ID, turn.ConversationID, turn.UserID, turn.Tier, turn.Mode, turn.Prompt, turn.ReconsiderOf,
		turn.Status, turn.CreditsCharged, turn.EntryID, turn.CreatedAt.UTC(), turn.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save turn %s: %w", turn.ID, ErrAlreadySaved)
	}

	for _, c := range turn.Calls {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO provider_calls (turn_id, provider, model, role, started_at, finished_at, increments, input_tokens, output_tokens, outcome, cause, text)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.ID, c.Provider, c.Model, c.Role, c.StartedAt.UTC(), c.FinishedAt.UTC(), c.Increments,
			c.Usage.InputTokens, c.Usage.OutputTokens, c.Outcome, c.Cause, c.Text,
		)
		if err != nil {
			return fmt.Errorf("insert provider call %s: %w", c.Provider, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

const selectTurn = `SELECT id, conversation_id, user_id, tier, mode, prompt, reconsider_of, status, credits_charged, entry_id, created_at, finished_at FROM turns`

func scanTurn(row interface{ Scan(...any) error }) (models.Turn, error) {
	var t models.Turn
	err := row.Scan(&t.ID, &t.ConversationID, &t.UserID, &t.Tier, &t.Mode, &t.Prompt, &t.ReconsiderOf,
		&t.Status, &t.CreditsCharged, &t.EntryID, &t.CreatedAt, &t.FinishedAt)
	return t, err
}

// GetTurn returns a stored turn with its calls.
func (s *SQLiteStore) GetTurn(ctx context.Context, turnID string) (models.Turn, error) {
	t, err := scanTurn(s.db.QueryRowContext(ctx, selectTurn+` WHERE id = ?`, turnID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Turn{}, fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
	}
	if err != nil {
		return models.Turn{}, fmt.Errorf("get turn: %w", err)
	}
	if t.Calls, err = s.calls(ctx, turnID); err != nil {
		return models.Turn{}, err
	}
	return t, nil
}

func (s *SQLiteStore) calls(ctx context.Context, turnID string) ([]models.ProviderCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, model, role, started_at, finished_at, increments, input_tokens, output_tokens, outcome, cause, text
		 FROM provider_calls WHERE turn_id = ? ORDER BY id ASC`,
		turnID,
	)
	if err != nil {
		return nil, fmt.Errorf("query provider calls: %w", err)
	}
	defer rows.Close()

	var calls []models.ProviderCall
	for rows.Next() {
		c := models.ProviderCall{TurnID: turnID}
		if err := rows.Scan(&c.Provider, &c.Model, &c.Role, &c.StartedAt, &c.FinishedAt, &c.Increments,
			&c.Usage.InputTokens, &c.Usage.OutputTokens, &c.Outcome, &c.Cause, &c.Text); err != nil {
			return nil, fmt.Errorf("scan provider call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// History returns the most recent turns of a conversation, oldest first.
func (s *SQLiteStore) History(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		selectTurn+` WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	var turns []models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order, then attach calls.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	for i := range turns {
		if turns[i].Calls, err = s.calls(ctx, turns[i].ID); err != nil {
			return nil, err
		}
	}
	return turns, nil
}

// Turns lists a user's turns, newest first.
func (s *SQLiteStore) Turns(ctx context.Context, userID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectTurn+` WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Summary returns call counts and token totals grouped by provider and model.
func (s *SQLiteStore) Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, model, COUNT(*),
		        SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
		        SUM(input_tokens), SUM(output_tokens)
		 FROM provider_calls WHERE started_at >= ?
		 GROUP BY provider, model ORDER BY provider, model`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var u models.UsageSummary
		if err := rows.Scan(&u.Provider, &u.Model, &u.CallCount, &u.SuccessCount, &u.InputTokens, &u.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, u)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
