// Package intake applies inspection verdicts. It is the chat-side caller of
// the DLP engine: it refuses banned, throttled and malformed input, runs the
// engine, and then performs the side effects each verdict asks for
// (delivery, violation records, escalation, notices and moderation holds).
package intake

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-dlp/internal/ban"
	"github.com/whisper/chat-dlp/internal/chat"
	"github.com/whisper/chat-dlp/internal/dlp"
	"github.com/whisper/chat-dlp/internal/logging"
	"github.com/whisper/chat-dlp/internal/metrics"
	"github.com/whisper/chat-dlp/internal/moderation"
	"github.com/whisper/chat-dlp/internal/policy"
	"github.com/whisper/chat-dlp/internal/protocol"
	"github.com/whisper/chat-dlp/internal/ratelimit"
	"github.com/whisper/chat-dlp/internal/violation"
)

// Inspector decides what happens to a message. *dlp.Engine satisfies it.
type Inspector interface {
	Inspect(ctx context.Context, text string, user dlp.User, lookup dlp.VerdictLookup) dlp.Verdict
}

// Redactor masks sensitive values. *dlp.SensitiveScanner satisfies it.
type Redactor interface {
	Redact(text string) string
}

// Trust is the escalation tracker. *ban.Tracker satisfies it.
type Trust interface {
	IsBanned(ctx context.Context, userID string) (bool, error)
	RegisterViolation(ctx context.Context, userID string, privileged bool) (ban.Outcome, error)
}

// Limiter throttles intake. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// MessageLog stores delivered messages. *chat.Store satisfies it.
type MessageLog interface {
	Append(ctx context.Context, m *chat.Message) (bool, error)
}

// ViolationLog stores violation records. *violation.Store satisfies it.
type ViolationLog interface {
	Create(ctx context.Context, rec *violation.Record) error
}

// Holder queues artifacts for moderation. *moderation.Workflow satisfies it.
type Holder interface {
	Intake(ctx context.Context, a *moderation.Artifact) error
}

// Outcome is what happened to one inbound event.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeWarned      Outcome = "warned" // delivered, sensitive data flagged
	OutcomeBlocked     Outcome = "blocked"
	OutcomeHeld        Outcome = "held"
	OutcomeBanned      Outcome = "banned"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeInvalid     Outcome = "invalid"
)

// Result reports an Outcome and, when the engine ran, its verdict.
type Result struct {
	Outcome    Outcome
	Verdict    dlp.Verdict
	ArtifactID uuid.UUID // set for held content
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Engine     Inspector
	Redactor   Redactor
	Lookup     dlp.VerdictLookup
	Trust      Trust
	Limiter    Limiter
	Messages   MessageLog
	Violations ViolationLog
	Holds      Holder
	Out        Outbound
	Uploads    policy.Uploads
	URLMode    moderation.Mode // how held messages are resolved
}

// Dispatcher handles inbound chat events.
type Dispatcher struct {
	Deps
	log zerolog.Logger
	now func() time.Time
}

// NewDispatcher creates a dispatcher. A zero URLMode means manual review.
func NewDispatcher(d Deps) *Dispatcher {
	if d.URLMode == "" {
		d.URLMode = moderation.ModeManual
	}
	return &Dispatcher{Deps: d, log: logging.Component("intake"), now: time.Now}
}

// HandleMessage runs one chat message through validation, ban check, rate
// limit and inspection, then applies the verdict. A returned error means a
// side effect failed; the user has been told to retry where that matters.
func (d *Dispatcher) HandleMessage(ctx context.Context, m protocol.InboundMessage) (Result, error) {
	user := dlp.User{ID: m.UserID, Username: m.Username, DisplayName: m.DisplayName, Admin: m.IsAdmin}

	if err := chat.ValidateMessage(m.Text); err != nil {
		return d.reject(user.ID, "invalid", protocol.CodeInvalidMessage, err), nil
	}
	if err := chat.DetectFlood(m.Text); err != nil {
		return d.reject(user.ID, "flood", protocol.CodeInvalidMessage, err), nil
	}
	if res, stop, err := d.admit(ctx, user.ID, ratelimit.RuleMessage); stop {
		return res, err
	}

	v := d.Engine.Inspect(ctx, m.Text, user, d.Lookup)
	res := Result{Verdict: v}

	switch v := v.(type) {
	case dlp.Allow:
		res.Outcome = OutcomeDelivered
		return res, d.deliver(ctx, user, m.Text, m.Timestamp)

	case dlp.KeywordBlock:
		res.Outcome = OutcomeBlocked
		d.recordViolation(ctx, user, m.Text, violation.KindKeyword, v.Terms)
		d.notify(user.ID, protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeBlockedKeyword, Message: v.Reason()})
		d.escalate(ctx, user)
		return res, nil

	case dlp.LinkBlock:
		res.Outcome = OutcomeBlocked
		d.notify(user.ID, protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeBlockedLink, Message: v.Reason()})
		return res, nil

	case dlp.URLModeration, dlp.URLCheckRequired:
		res.Outcome = OutcomeHeld
		id, err := d.hold(ctx, user, m.Text, dlp.HoldURLs(v))
		res.ArtifactID = id
		if err != nil {
			d.notify(user.ID, protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeInternal, Message: "message could not be sent, try again"})
			return res, err
		}
		d.notify(user.ID, protocol.TypeInfo, protocol.InfoMsg{Message: v.Reason(), ArtifactID: id.String()})
		return res, nil

	case dlp.SensitiveWarning:
		res.Outcome = OutcomeWarned
		if err := d.deliver(ctx, user, m.Text, m.Timestamp); err != nil {
			return res, err
		}
		terms := make([]string, len(v.Findings))
		findings := make([]protocol.Finding, len(v.Findings))
		for i, f := range v.Findings {
			terms[i] = f.Name + ": " + f.MaskedValue
			findings[i] = protocol.Finding{Kind: f.Kind, Name: f.Name, MaskedValue: f.MaskedValue, Severity: string(f.Severity)}
		}
		d.recordViolation(ctx, user, m.Text, violation.KindSensitiveData, terms)
		warning := protocol.WarningMsg{Message: v.Reason(), Findings: findings}
		if count, ok := d.escalate(ctx, user); ok {
			warning.Message = fmt.Sprintf("%s\nviolations: %d/%d", v.Reason(), count, ban.Threshold)
			warning.ViolationCount = count
		}
		d.notify(user.ID, protocol.TypeWarning, warning)
		return res, nil

	default:
		return res, fmt.Errorf("intake: unhandled verdict %T", v)
	}
}

// HandleFile validates an upload announcement and queues the file for
// moderation. Files are never delivered before a decision.
func (d *Dispatcher) HandleFile(ctx context.Context, f protocol.InboundFile) (Result, error) {
	mode := moderation.Mode(f.Mode)
	if mode == "" {
		mode = moderation.ModeManual
	}
	if !mode.Valid() {
		err := fmt.Errorf("%w: unknown moderation mode %q", chat.ErrInvalidUpload, f.Mode)
		return d.reject(f.UserID, "invalid", protocol.CodeInvalidUpload, err), nil
	}
	if err := chat.ValidateUpload(f.FileName, f.FileSize, d.Uploads.AllowedExtensions, d.Uploads.MaxSizeBytes); err != nil {
		return d.reject(f.UserID, "invalid", protocol.CodeInvalidUpload, err), nil
	}
	if res, stop, err := d.admit(ctx, f.UserID, ratelimit.RuleUpload); stop {
		return res, err
	}

	a := &moderation.Artifact{
		Kind:        moderation.KindFile,
		Mode:        mode,
		UserID:      f.UserID,
		Username:    f.Username,
		DisplayName: f.DisplayName,
		FileName:    f.FileName,
		FileType:    f.FileType,
		FileSize:    f.FileSize,
		StorageRef:  f.StorageRef,
	}
	if err := d.Holds.Intake(ctx, a); err != nil {
		d.notify(f.UserID, protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeInternal, Message: "file could not be submitted, try again"})
		return Result{Outcome: OutcomeHeld}, err
	}
	d.requestScan(*a)
	d.notify(f.UserID, protocol.TypeInfo, protocol.InfoMsg{
		Message:    fmt.Sprintf("file %q sent to moderation", f.FileName),
		ArtifactID: a.ID.String(),
	})
	return Result{Outcome: OutcomeHeld, ArtifactID: a.ID}, nil
}

// admit runs the ban check and the rate limit. stop reports whether the
// event must not proceed. A failed ban lookup stops the event.
func (d *Dispatcher) admit(ctx context.Context, userID string, rule ratelimit.Rule) (Result, bool, error) {
	banned, err := d.Trust.IsBanned(ctx, userID)
	if err != nil {
		d.notify(userID, protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeInternal, Message: "service unavailable, try again"})
		return Result{}, true, fmt.Errorf("intake: ban lookup: %w", err)
	}
	if banned {
		metrics.IntakeRejected.WithLabelValues("banned").Inc()
		d.notify(userID, protocol.TypeBanned, protocol.BannedMsg{Reason: "you are banned"})
		return Result{Outcome: OutcomeBanned}, true, nil
	}

	// Allow fails open on Redis errors, the error is only logged there.
	if ok, _ := d.Limiter.Allow(ctx, userID, rule); !ok {
		metrics.IntakeRejected.WithLabelValues("rate_limited").Inc()
		retry := d.Limiter.RetryAfter(ctx, userID, rule)
		d.notify(userID, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: int(math.Ceil(retry.Seconds()))})
		return Result{Outcome: OutcomeRateLimited}, true, nil
	}
	return Result{}, false, nil
}

func (d *Dispatcher) reject(userID, reason, code string, err error) Result {
	metrics.IntakeRejected.WithLabelValues(reason).Inc()
	d.notify(userID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: err.Error()})
	return Result{Outcome: OutcomeInvalid}
}

// deliver persists and broadcasts a message.
func (d *Dispatcher) deliver(ctx context.Context, user dlp.User, text, ts string) error {
	msg := &chat.Message{UserID: user.ID, DisplayName: user.DisplayName, Text: text, CreatedAt: d.now().UTC()}
	if _, err := d.Messages.Append(ctx, msg); err != nil {
		d.notify(user.ID, protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeInternal, Message: "message could not be sent, try again"})
		return err
	}
	if ts == "" {
		ts = msg.CreatedAt.Format(time.TimeOnly)
	}
	if err := d.Out.Broadcast(protocol.TypeMessage, protocol.ServerChatMsg{
		UserID:    user.ID,
		User:      user.DisplayName,
		Text:      text,
		Timestamp: ts,
	}); err != nil {
		return fmt.Errorf("intake: broadcast: %w", err)
	}
	return nil
}

// hold queues a message for link moderation.
func (d *Dispatcher) hold(ctx context.Context, user dlp.User, text string, urls []string) (uuid.UUID, error) {
	a := &moderation.Artifact{
		Kind:        moderation.KindMessage,
		Mode:        d.URLMode,
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		MessageText: text,
		URLs:        urls,
	}
	if err := d.Holds.Intake(ctx, a); err != nil {
		return uuid.Nil, err
	}
	d.requestScan(*a)
	return a.ID, nil
}

// requestScan hands automated artifacts to the moderator. A lost request is
// picked up by the moderator's sweep.
func (d *Dispatcher) requestScan(a moderation.Artifact) {
	if a.Mode != moderation.ModeAutomated {
		return
	}
	if err := d.Out.RequestScan(a.ID); err != nil {
		d.log.Warn().Err(err).Stringer("artifact", a.ID).Msg("scan request not published, sweep will retry")
	}
}

// recordViolation stores the message with sensitive values masked.
func (d *Dispatcher) recordViolation(ctx context.Context, user dlp.User, text, kind string, terms []string) {
	rec := &violation.Record{
		UserID:       user.ID,
		Username:     user.Username,
		DisplayName:  user.DisplayName,
		MessageText:  d.Redactor.Redact(text),
		MatchedTerms: terms,
		Kind:         kind,
	}
	if err := d.Violations.Create(ctx, rec); err != nil {
		d.log.Error().Err(err).Str("user", user.ID).Str("kind", kind).Msg("store violation")
		return
	}
	metrics.ViolationsTotal.WithLabelValues(kind).Inc()
}

// escalate counts the violation and alerts administrators when due. It
// returns the new violation count, and false when the tracker failed.
func (d *Dispatcher) escalate(ctx context.Context, user dlp.User) (int, bool) {
	out, err := d.Trust.RegisterViolation(ctx, user.ID, user.Admin)
	if err != nil {
		d.log.Error().Err(err).Str("user", user.ID).Msg("register violation")
		return 0, false
	}

	d.log.Info().
		Str("user", user.ID).
		Int("violations", out.ViolationCount).
		Bool("banned", out.Banned).
		Msg("violation registered")

	if out.ShouldNotifyAdmin {
		kind := protocol.NotificationViolationWarning
		text := fmt.Sprintf("user %s has %d violations", user.DisplayName, out.ViolationCount)
		if out.JustBanned {
			kind = protocol.NotificationUserBanned
			text = fmt.Sprintf("user %s was banned", user.DisplayName)
		}
		alert := protocol.AdminNotificationMsg{
			NotificationType: kind,
			UserID:           user.ID,
			Username:         user.Username,
			DisplayName:      user.DisplayName,
			ViolationCount:   out.ViolationCount,
			IsBanned:         out.Banned,
			Message:          text,
		}
		if err := d.Out.AlertAdmins(alert); err != nil {
			d.log.Warn().Err(err).Str("user", user.ID).Msg("admin alert not published")
		}
	}
	if out.JustBanned {
		d.notify(user.ID, protocol.TypeBanned, protocol.BannedMsg{
			Reason: fmt.Sprintf("banned after %d violations", out.ViolationCount),
		})
	}
	return out.ViolationCount, true
}

func (d *Dispatcher) notify(userID, msgType string, payload any) {
	if err := d.Out.Notify(userID, msgType, payload); err != nil {
		d.log.Warn().Err(err).Str("user", userID).Str("type", msgType).Msg("notice not published")
	}
}
