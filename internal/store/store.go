// Package store persists conversion records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Common errors
var (
	ErrNotFound = errors.New("conversion not found")

	// ErrTerminal is returned when a completed or failed record would change.
	ErrTerminal = errors.New("conversion already finished")

	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow, such as pending to completed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	source_kind   TEXT NOT NULL,
	file_name     TEXT NOT NULL,
	file_size     INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	tts_options   TEXT NOT NULL,
	text_content  TEXT NOT NULL DEFAULT '',
	text_chunks   TEXT NOT NULL DEFAULT '[]',
	audio_url     TEXT NOT NULL DEFAULT '',
	analytics     TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS conversions_user_created ON conversions (user_id, created_at DESC);
`

const columns = `id, user_id, source_kind, file_name, file_size, status, tts_options,
	text_content, text_chunks, audio_url, analytics, error_message, created_at, updated_at`

// Store is a SQLite-backed record store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: SQLite has a single writer, and every connection to
	// :memory: would otherwise see its own empty database
	db.SetMaxOpenConns(1)

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts r, assigning its ID and timestamps. A record without a
// status starts pending.
func (s *Store) Create(ctx context.Context, r *conversion.Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = conversion.StatusPending
	}
	if err := r.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	row, err := toRow(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversions (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, row.args()...)
	if err != nil {
		return fmt.Errorf("failed to insert conversion: %w", err)
	}
	return nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*conversion.Record, error) {
	return get(ctx, s.db, id)
}

// ListByUser returns a user's records, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]conversion.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM conversions
		WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	defer rows.Close()

	var records []conversion.Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// Update merges p into the record inside a transaction. Terminal records
// reject every patch with ErrTerminal; progress never decreases.
func (s *Store) Update(ctx context.Context, id string, p conversion.Patch) (*conversion.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := get(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, r.Status)
	}
	if p.Status != nil && !conversion.CanTransition(r.Status, *p.Status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, *p.Status)
	}

	p.Apply(r)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.UpdatedAt = s.now().UTC()

	row, err := toRow(r)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE conversions SET status = ?, text_content = ?, text_chunks = ?,
		audio_url = ?, analytics = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		row.status, row.text, row.chunks, row.audio, row.analytics, row.errMsg, row.updated, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return r, nil
}

// Delete removes the record. Deleting a missing record is ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, id string) (*conversion.Record, error) {
	r, err := scan(q.QueryRowContext(ctx, `SELECT `+columns+` FROM conversions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (*conversion.Record, error) {
	var (
		r                          conversion.Record
		options, chunks, analytics string
		created, updated           int64
	)
	err := sc.Scan(&r.ID, &r.UserID, &r.SourceKind, &r.FileName, &r.FileSize, &r.Status, &options,
		&r.ExtractedText, &chunks, &r.AudioRef, &analytics, &r.ErrorMessage, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &r.Options); err != nil {
		return nil, fmt.Errorf("corrupt options for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(chunks), &r.TextChunks); err != nil {
		return nil, fmt.Errorf("corrupt chunks for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(analytics), &r.Analytics); err != nil {
		return nil, fmt.Errorf("corrupt analytics for %s: %w", r.ID, err)
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return &r, nil
}

type row struct {
	r         *conversion.Record
	status    string
	options   string
	text      string
	chunks    string
	audio     string
	analytics string
	errMsg    string
	created   int64
	updated   int64
}

func toRow(r *conversion.Record) (*row, error) {
	options, err := json.Marshal(r.Options)
	if err != nil {
		return nil, err
	}
	chunks := r.TextChunks
	if chunks == nil {
		chunks = []string{}
	}
	chunkJSON, err := json.Marshal(chunks)
	if err != nil {
		return nil, err
	}
	analytics, err := json.Marshal(r.Analytics)
	if err != nil {
		return nil, err
	}
	return &row{
		r:         r,
		status:    string(r.Status),
		options:   string(options),
		text:      r.ExtractedText,
		chunks:    string(chunkJSON),
		audio:     r.AudioRef,
		analytics: string(analytics),
		errMsg:    r.ErrorMessage,
		created:   r.CreatedAt.UnixNano(),
		updated:   r.UpdatedAt.UnixNano(),
	}, nil
}

func (w *row) args() []any {
	return []any{
		w.r.ID, w.r.UserID, string(w.r.SourceKind), w.r.FileName, w.r.FileSize, w.status, w.options,
		w.text, w.chunks, w.audio, w.analytics, w.errMsg, w.created, w.updated,
	}
}
