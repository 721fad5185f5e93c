// Package protocol defines the JSON messages exchanged with the chat
// gateway. Inbound events arrive on NATS from the gateway; outbound notices
// and broadcasts go back the same way. Every message carries a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Gateway -> inspector event types.
const (
	TypeMessage = "message"
	TypeFile    = "file"
)

// Inspector -> client message types. TypeMessage is also used for
// broadcasts of delivered messages.
const (
	TypeError             = "error"
	TypeWarning           = "warning"
	TypeInfo              = "info"
	TypeAdminNotification = "admin_notification"
	TypeFileStatusUpdate  = "file_status_update"
	TypeBanned            = "banned"
	TypeRateLimited       = "rate_limited"
)

// Error codes carried by ErrorMsg.
const (
	CodeBlockedKeyword = "blocked_keyword"
	CodeBlockedLink    = "blocked_link"
	CodeRejected       = "rejected" // held message refused by moderation
	CodeInvalidMessage = "invalid_message"
	CodeInvalidUpload  = "invalid_upload"
	CodeInternal       = "internal"
)

// Admin notification kinds.
const (
	NotificationUserBanned       = "user_banned"
	NotificationViolationWarning = "violation_warning"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Gateway -> inspector
// ---------------------------------------------------------------------------

// Sender identifies the authenticated author of an inbound event. The
// gateway fills it from the session, never from client input.
type Sender struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"user"`
	IsAdmin     bool   `json:"is_admin"`
}

// InboundMessage is a chat message a user wants delivered.
type InboundMessage struct {
	Type string `json:"type"`
	Sender
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

// InboundFile announces an uploaded file awaiting moderation. The bytes are
// already in storage under StorageRef.
type InboundFile struct {
	Type string `json:"type"`
	Sender
	FileName   string `json:"file_name"`
	FileType   string `json:"file_type"`
	FileSize   int64  `json:"file_size"`
	StorageRef string `json:"storage_ref"`
	Mode       string `json:"moderation_mode"` // manual or automated
}

// ---------------------------------------------------------------------------
// Inspector -> client
// ---------------------------------------------------------------------------

// ServerChatMsg is a delivered chat message, broadcast to every client.
type ServerChatMsg struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	User       string `json:"user"`
	Text       string `json:"text"`
	Timestamp  string `json:"timestamp"`
	ArtifactID string `json:"artifact_id,omitempty"` // set when released from moderation
}

// ErrorMsg tells a user their message was refused.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Finding is the masked form of one sensitive value.
type Finding struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	MaskedValue string `json:"masked_value"`
	Severity    string `json:"severity"`
}

// WarningMsg tells a user their delivered message contained sensitive data.
type WarningMsg struct {
	Type           string    `json:"type"`
	Message        string    `json:"message"`
	ViolationCount int       `json:"violation_count,omitempty"`
	Findings       []Finding `json:"findings,omitempty"`
}

// InfoMsg is a neutral notice, e.g. "sent to moderation".
type InfoMsg struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

// AdminNotificationMsg alerts administrators about a user's escalation.
type AdminNotificationMsg struct {
	Type             string `json:"type"`
	NotificationType string `json:"notification_type"`
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	DisplayName      string `json:"display_name"`
	ViolationCount   int    `json:"violation_count"`
	IsBanned         bool   `json:"is_banned"`
	Message          string `json:"message"`
}

// FileStatusUpdateMsg reports the moderation outcome of an upload.
type FileStatusUpdateMsg struct {
	Type     string `json:"type"`
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
}

// BannedMsg tells a banned user why nothing they send is delivered.
type BannedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RateLimitedMsg is sent when the user exceeded an intake rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseInbound decodes a gateway event. It returns the event type, the
// decoded struct (InboundMessage or InboundFile) and any parse error. An
// error is returned for unknown types and for events without a user id.
func ParseInbound(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg    any
		sender Sender
		err    error
	)

	switch env.Type {
	case TypeMessage:
		var m InboundMessage
		err = json.Unmarshal(env.Raw, &m)
		msg, sender = m, m.Sender
	case TypeFile:
		var m InboundFile
		err = json.Unmarshal(env.Raw, &m)
		msg, sender = m, m.Sender
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown inbound message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if sender.UserID == "" {
		return env.Type, nil, fmt.Errorf("protocol: %q event without user_id", env.Type)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key, so callers
// may leave the struct's Type field empty.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
