// Package chat validates chat input and keeps the append-only log of
// delivered messages.
package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one delivered chat message.
type Message struct {
	ID          uuid.UUID  `json:"id"`
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Text        string     `json:"text"`
	ArtifactID  *uuid.UUID `json:"artifact_id,omitempty"` // set when released from moderation
	CreatedAt   time.Time  `json:"created_at"`
}

// Store manages the message log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append stores m and reports whether it was new. A message released from
// moderation is stored at most once per artifact; repeating the release
// returns false and leaves the log unchanged.
func (s *Store) Append(ctx context.Context, m *Message) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var artifact any
	if m.ArtifactID != nil {
		artifact = *m.ArtifactID
	}

	const query = `
		INSERT INTO messages (id, user_id, display_name, text, artifact_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (artifact_id) WHERE artifact_id IS NOT NULL DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, m.ID, m.UserID, m.DisplayName, m.Text, artifact, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("chat: append: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("chat: append: %w", err)
	}
	return n == 1, nil
}

// Recent returns the latest messages, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	const query = `
		SELECT id, user_id, display_name, text, artifact_id, created_at FROM (
			SELECT id, user_id, display_name, text, artifact_id, created_at
			FROM messages
			ORDER BY created_at DESC
			LIMIT $1
		) latest
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: recent: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m        Message
			artifact uuid.NullUUID
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.DisplayName, &m.Text, &artifact, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan: %w", err)
		}
		if artifact.Valid {
			id := artifact.UUID
			m.ArtifactID = &id
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: rows: %w", err)
	}
	return out, nil
}
