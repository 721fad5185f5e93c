// Package verdict provides PostgreSQL-backed storage for link reputation
// verdicts. Rows are append-only: every observation, scan and admin decision
// adds a row, and the most recent reviewed row for a URL is authoritative.
package verdict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chat-dlp/internal/dlp"
)

// validStatuses matches the CHECK constraint on url_verdicts.status.
var validStatuses = map[dlp.URLStatus]bool{
	dlp.URLPending:    true,
	dlp.URLSafe:       true,
	dlp.URLMalicious:  true,
	dlp.URLSuspicious: true,
}

// Record is one row of the verdict history.
type Record struct {
	ID         uuid.UUID       `json:"id"`
	URL        string          `json:"url"`
	Status     dlp.URLStatus   `json:"status"`
	Reviewed   bool            `json:"reviewed"`
	ScanResult json.RawMessage `json:"scan_result,omitempty"`
	ArtifactID *uuid.UUID      `json:"artifact_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store manages URL verdicts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a verdict store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// LatestReviewed returns the status of the most recent reviewed row for url,
// or dlp.URLUnknown when the URL has never been reviewed. Older rows, and
// unreviewed rows of any age, are ignored.
func (s *Store) LatestReviewed(ctx context.Context, url string) (dlp.URLStatus, error) {
	const query = `
		SELECT status
		FROM url_verdicts
		WHERE url = $1 AND reviewed
		ORDER BY seq DESC
		LIMIT 1`

	var status string
	err := s.db.QueryRowContext(ctx, query, url).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return dlp.URLUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("verdict: latest reviewed: %w", err)
	}
	return dlp.URLStatus(status), nil
}

// ObservePending appends an unreviewed pending row linking url to the held
// artifact.
func (s *Store) ObservePending(ctx context.Context, url string, artifactID uuid.UUID) error {
	return s.insert(ctx, url, dlp.URLPending, false, nil, &artifactID)
}

// RecordReviewed appends a reviewed row. scanResult may be nil for manual
// decisions; artifactID may be nil for verdicts entered without a message.
func (s *Store) RecordReviewed(ctx context.Context, url string, status dlp.URLStatus, scanResult json.RawMessage, artifactID *uuid.UUID) error {
	return s.insert(ctx, url, status, true, scanResult, artifactID)
}

func (s *Store) insert(ctx context.Context, url string, status dlp.URLStatus, reviewed bool, scanResult json.RawMessage, artifactID *uuid.UUID) error {
	if !validStatuses[status] {
		return fmt.Errorf("verdict: invalid status %q", status)
	}

	const query = `
		INSERT INTO url_verdicts (id, url, status, reviewed, scan_result, artifact_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	// jsonb goes over the wire as text; lib/pq would send []byte as bytea.
	var payload any
	if len(scanResult) > 0 {
		payload = string(scanResult)
	}
	var artifact any
	if artifactID != nil {
		artifact = *artifactID
	}
	if _, err := s.db.ExecContext(ctx, query, uuid.New(), url, string(status), reviewed, payload, artifact); err != nil {
		return fmt.Errorf("verdict: insert: %w", err)
	}
	return nil
}

// History returns every row for url, newest first.
func (s *Store) History(ctx context.Context, url string) ([]Record, error) {
	const query = `
		SELECT id, url, status, reviewed, scan_result, artifact_id, created_at
		FROM url_verdicts
		WHERE url = $1
		ORDER BY seq DESC`
	return s.query(ctx, query, url)
}

// List returns the newest rows across all URLs, limited to unreviewed ones
// when pendingOnly is set.
func (s *Store) List(ctx context.Context, pendingOnly bool, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT id, url, status, reviewed, scan_result, artifact_id, created_at
		FROM url_verdicts
		WHERE NOT $1 OR status = 'pending'
		ORDER BY seq DESC
		LIMIT $2`
	return s.query(ctx, query, pendingOnly, limit)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("verdict: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			status   string
			payload  []byte
			artifact uuid.NullUUID
		)
		if err := rows.Scan(&r.ID, &r.URL, &status, &r.Reviewed, &payload, &artifact, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("verdict: scan: %w", err)
		}
		r.Status = dlp.URLStatus(status)
		if len(payload) > 0 {
			r.ScanResult = json.RawMessage(payload)
		}
		if artifact.Valid {
			id := artifact.UUID
			r.ArtifactID = &id
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("verdict: rows: %w", err)
	}
	return out, nil
}
