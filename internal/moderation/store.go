package moderation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists artifacts. Transition is the only way to change status and
// must be conditional: it applies only while the stored artifact is pending
// or suspicious, so concurrent resolvers cannot both win.
type Store interface {
	Create(ctx context.Context, a *Artifact) error
	Get(ctx context.Context, id uuid.UUID) (Artifact, error)
	// Transition moves a non-terminal artifact to status. scanResult, when
	// non-nil, replaces the stored scan result. It returns the stored
	// artifact and whether this call changed it.
	Transition(ctx context.Context, id uuid.UUID, to Status, scanResult json.RawMessage) (Artifact, bool, error)
	// Annotate stores a scan result on a non-terminal artifact without
	// changing its status.
	Annotate(ctx context.Context, id uuid.UUID, scanResult json.RawMessage) error
	// ClaimPublish reserves a resolved, unpublished artifact for one
	// publisher for lease. It reports false when the artifact is already
	// published or another claim is still live.
	ClaimPublish(ctx context.Context, id uuid.UUID, lease time.Duration) (bool, error)
	// FinishPublish ends a claim. A successful publish is recorded; a failed
	// one frees the artifact for the next caller.
	FinishPublish(ctx context.Context, id uuid.UUID, published bool) error
	List(ctx context.Context, f Filter) ([]Artifact, error)
}

// Filter narrows List. Zero values mean no restriction.
type Filter struct {
	Statuses []Status
	Kind     Kind
	Mode     Mode
	Limit    int

	// UpdatedBefore keeps artifacts untouched since then and lists them
	// least recently updated first.
	UpdatedBefore time.Time

	// Unpublished keeps resolved artifacts whose outcome has not gone out
	// and that nobody holds a live claim on.
	Unpublished bool
}

// OpenStatuses are the statuses an administrator still has to look at.
var OpenStatuses = []Status{StatusPending, StatusSuspicious}

// TerminalStatuses are the outcomes that get published.
var TerminalStatuses = []Status{StatusApproved, StatusRejected, StatusSafe, StatusMalicious}

// PGStore is the PostgreSQL implementation of Store.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates an artifact store backed by the given database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const artifactColumns = `id, kind, mode, status, user_id, username, display_name, message_text, urls,
	file_name, file_type, file_size, storage_ref, scan_result, created_at, updated_at, resolved_at, published_at`

// Create inserts a new artifact.
func (s *PGStore) Create(ctx context.Context, a *Artifact) error {
	urls := a.URLs
	if urls == nil {
		urls = []string{}
	}

	const query = `
		INSERT INTO moderation_artifacts (id, kind, mode, status, user_id, username, display_name,
			message_text, urls, file_name, file_type, file_size, storage_ref, scan_result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		string(a.Kind),
		string(a.Mode),
		string(a.Status),
		a.UserID,
		a.Username,
		a.DisplayName,
		a.MessageText,
		pq.Array(urls),
		a.FileName,
		a.FileType,
		a.FileSize,
		a.StorageRef,
		jsonParam(a.ScanResult),
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("moderation: insert: %w", err)
	}
	return nil
}

// Get loads an artifact by id.
func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM moderation_artifacts WHERE id = $1`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("moderation: get: %w", err)
	}
	return a, nil
}

// Transition implements Store with a single conditional UPDATE.
func (s *PGStore) Transition(ctx context.Context, id uuid.UUID, to Status, scanResult json.RawMessage) (Artifact, bool, error) {
	var resolved any
	if to.Terminal() {
		resolved = time.Now().UTC()
	}

	query := `
		UPDATE moderation_artifacts
		SET status = $2, scan_result = COALESCE($3::jsonb, scan_result), updated_at = NOW(), resolved_at = $4
		WHERE id = $1 AND status IN ('pending', 'suspicious')
		RETURNING ` + artifactColumns

	row := s.db.QueryRowContext(ctx, query, id, string(to), jsonParam(scanResult), resolved)
	a, err := scanArtifact(row)
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, false, fmt.Errorf("moderation: transition: %w", err)
	}

	// Already terminal, or missing.
	a, err = s.Get(ctx, id)
	if err != nil {
		return Artifact{}, false, err
	}
	return a, false, nil
}

// Annotate implements Store.
func (s *PGStore) Annotate(ctx context.Context, id uuid.UUID, scanResult json.RawMessage) error {
	const query = `
		UPDATE moderation_artifacts SET scan_result = $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'suspicious')`
	if _, err := s.db.ExecContext(ctx, query, id, jsonParam(scanResult)); err != nil {
		return fmt.Errorf("moderation: annotate: %w", err)
	}
	return nil
}

// ClaimPublish implements Store with a conditional UPDATE on the lease.
func (s *PGStore) ClaimPublish(ctx context.Context, id uuid.UUID, lease time.Duration) (bool, error) {
	const query = `
		UPDATE moderation_artifacts
		SET publish_lease_until = NOW() + ($2::float8 * INTERVAL '1 millisecond')
		WHERE id = $1 AND resolved_at IS NOT NULL AND published_at IS NULL
		  AND (publish_lease_until IS NULL OR publish_lease_until < NOW())`
	res, err := s.db.ExecContext(ctx, query, id, lease.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("moderation: claim publish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("moderation: claim publish: %w", err)
	}
	return n == 1, nil
}

// FinishPublish implements Store.
func (s *PGStore) FinishPublish(ctx context.Context, id uuid.UUID, published bool) error {
	query := `UPDATE moderation_artifacts SET publish_lease_until = NULL WHERE id = $1 AND published_at IS NULL`
	if published {
		query = `UPDATE moderation_artifacts SET published_at = NOW(), publish_lease_until = NULL WHERE id = $1`
	}
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("moderation: finish publish: %w", err)
	}
	return nil
}

// List returns artifacts oldest first, so the review queue reads in arrival
// order. With UpdatedBefore set the order is by last update instead.
func (s *PGStore) List(ctx context.Context, f Filter) ([]Artifact, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Mode != "" {
		args = append(args, string(f.Mode))
		where = append(where, fmt.Sprintf("mode = $%d", len(args)))
	}
	order := "created_at"
	if !f.UpdatedBefore.IsZero() {
		args = append(args, f.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
		order = "updated_at"
	}
	if f.Unpublished {
		where = append(where, "resolved_at IS NOT NULL AND published_at IS NULL",
			"(publish_lease_until IS NULL OR publish_lease_until < NOW())")
	}
	args = append(args, limit)

	query := `SELECT ` + artifactColumns + ` FROM moderation_artifacts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s ASC LIMIT $%d", order, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("moderation: list: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("moderation: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("moderation: rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var (
		a                  Artifact
		kind, mode, status string
		payload            []byte
		resolved           sql.NullTime
		published          sql.NullTime
	)
	err := row.Scan(&a.ID, &kind, &mode, &status, &a.UserID, &a.Username, &a.DisplayName,
		&a.MessageText, pq.Array(&a.URLs), &a.FileName, &a.FileType, &a.FileSize, &a.StorageRef,
		&payload, &a.CreatedAt, &a.UpdatedAt, &resolved, &published)
	if err != nil {
		return Artifact{}, err
	}
	a.Kind, a.Mode, a.Status = Kind(kind), Mode(mode), Status(status)
	if len(payload) > 0 {
		a.ScanResult = json.RawMessage(payload)
	}
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	if published.Valid {
		t := published.Time
		a.PublishedAt = &t
	}
	return a, nil
}

// jsonParam sends jsonb as text; lib/pq would send []byte as bytea.
func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
