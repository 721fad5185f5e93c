// Package moderation holds the state machine for content that cannot be
// delivered until someone (an administrator or the reputation scanner) has
// looked at it: chat messages carrying unreviewed links, and uploaded files.
//
// Every artifact starts pending. Manual decisions move it to approved or
// rejected; scans move it to safe, malicious or suspicious. Suspicious is
// the only non-terminal outcome and waits for a human.
package moderation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chat-dlp/internal/scanner"
)

var (
	// ErrNotFound is returned for an unknown artifact id.
	ErrNotFound = errors.New("moderation: artifact not found")
	// ErrConflict is returned when a decision contradicts the artifact's
	// terminal state, e.g. approving a rejected artifact.
	ErrConflict = errors.New("moderation: conflicting decision")
	// ErrInvalidDecision is returned for a decision other than approve or reject.
	ErrInvalidDecision = errors.New("moderation: invalid decision")
	// ErrInvalidArtifact is returned by Intake for malformed artifacts.
	ErrInvalidArtifact = errors.New("moderation: invalid artifact")
)

// Kind is what is being moderated.
type Kind string

const (
	KindMessage Kind = "message" // chat message held for its links
	KindFile    Kind = "file"
)

// Mode selects who resolves the artifact.
type Mode string

const (
	ModeManual    Mode = "manual"
	ModeAutomated Mode = "automated"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeManual || m == ModeAutomated
}

// Status is the artifact's position in the state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusSafe       Status = "safe"
	StatusMalicious  Status = "malicious"
	StatusSuspicious Status = "suspicious"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusSafe, StatusMalicious:
		return true
	}
	return false
}

// Released reports whether the content was let through.
func (s Status) Released() bool {
	return s == StatusApproved || s == StatusSafe
}

// Discarded reports whether the content was refused.
func (s Status) Discarded() bool {
	return s == StatusRejected || s == StatusMalicious
}

// Decision is a manual moderation action.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision maps the admin API verbs onto a Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case Approve, Reject:
		return Decision(s), nil
	}
	return "", ErrInvalidDecision
}

// target is the status a manual decision moves to.
func (d Decision) target() Status {
	if d == Approve {
		return StatusApproved
	}
	return StatusRejected
}

// agrees reports whether a terminal status already says what d says.
func (d Decision) agrees(s Status) bool {
	if d == Approve {
		return s.Released()
	}
	return s.Discarded()
}

// Artifact is one item awaiting (or past) moderation.
type Artifact struct {
	ID          uuid.UUID       `json:"id"`
	Kind        Kind            `json:"kind"`
	Mode        Mode            `json:"mode"`
	Status      Status          `json:"status"`
	UserID      string          `json:"user_id"`
	Username    string          `json:"username"`
	DisplayName string          `json:"display_name"`
	MessageText string          `json:"message_text,omitempty"`
	URLs        []string        `json:"urls,omitempty"`
	FileName    string          `json:"file_name,omitempty"`
	FileType    string          `json:"file_type,omitempty"`
	FileSize    int64           `json:"file_size,omitempty"`
	StorageRef  string          `json:"storage_ref,omitempty"`
	ScanResult  json.RawMessage `json:"scan_result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`

	// PublishedAt is set once the outcome has been handed to the Publisher.
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Targets lists what the scanner has to look at.
func (a Artifact) Targets() []scanner.Target {
	if a.Kind == KindFile {
		return []scanner.Target{{FileName: a.FileName, StorageRef: a.StorageRef}}
	}
	out := make([]scanner.Target, 0, len(a.URLs))
	for _, u := range a.URLs {
		out = append(out, scanner.Target{URL: u})
	}
	return out
}

func (a Artifact) validate() error {
	if a.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidArtifact)
	}
	if !a.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidArtifact, a.Mode)
	}
	switch a.Kind {
	case KindMessage:
		if a.MessageText == "" || len(a.URLs) == 0 {
			return fmt.Errorf("%w: message artifact needs text and urls", ErrInvalidArtifact)
		}
	case KindFile:
		if a.FileName == "" {
			return fmt.Errorf("%w: file artifact needs a name", ErrInvalidArtifact)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidArtifact, a.Kind)
	}
	return nil
}

// ScanRequest asks the moderator service to scan an artifact.
type ScanRequest struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
}
