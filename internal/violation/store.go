// Package violation provides PostgreSQL-backed storage for DLP violation
// records. A record captures who sent what (with sensitive values already
// masked), which terms or data kinds triggered it, and whether an
// administrator has acknowledged it.
package violation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Violation kinds, matching the CHECK constraint on violations.kind.
const (
	KindKeyword       = "keyword"
	KindSensitiveData = "sensitive_data"
)

var validKinds = map[string]bool{
	KindKeyword:       true,
	KindSensitiveData: true,
}

// ErrNotFound is returned when a violation id does not exist.
var ErrNotFound = errors.New("violation: not found")

// Record is one stored violation.
type Record struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	MessageText  string    `json:"message_text"`
	MatchedTerms []string  `json:"matched_terms"`
	Kind         string    `json:"kind"`
	Reviewed     bool      `json:"reviewed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Filter narrows List. Zero values mean no restriction.
type Filter struct {
	Reviewed *bool
	UserID   string
	Limit    int
}

// Store manages violation records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a violation store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts rec. The kind is validated against the allowed set, and an
// ID and timestamp are assigned when missing. The caller is responsible for
// masking sensitive values in MessageText.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if !validKinds[rec.Kind] {
		return fmt.Errorf("violation: invalid kind %q", rec.Kind)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	terms := rec.MatchedTerms
	if terms == nil {
		terms = []string{}
	}

	const query = `
		INSERT INTO violations (id, user_id, username, display_name, message_text, matched_terms, kind, reviewed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.Username,
		rec.DisplayName,
		rec.MessageText,
		pq.Array(terms),
		rec.Kind,
		rec.Reviewed,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("violation: insert: %w", err)
	}
	return nil
}

// List returns violations newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if f.Reviewed != nil {
		args = append(args, *f.Reviewed)
		where = append(where, fmt.Sprintf("reviewed = $%d", len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	args = append(args, limit)

	query := `SELECT id, user_id, username, display_name, message_text, matched_terms, kind, reviewed, created_at
		FROM violations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("violation: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.Username, &r.DisplayName, &r.MessageText,
			pq.Array(&r.MatchedTerms), &r.Kind, &r.Reviewed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("violation: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("violation: rows: %w", err)
	}
	return out, nil
}

// MarkReviewed acknowledges a violation. Acknowledging twice is fine.
func (s *Store) MarkReviewed(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE violations SET reviewed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("violation: mark reviewed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("violation: mark reviewed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByUser returns how many violations are stored for a user.
func (s *Store) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM violations WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("violation: count: %w", err)
	}
	return n, nil
}
