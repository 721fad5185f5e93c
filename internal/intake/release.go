package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-dlp/internal/chat"
	"github.com/whisper/chat-dlp/internal/logging"
	"github.com/whisper/chat-dlp/internal/moderation"
	"github.com/whisper/chat-dlp/internal/protocol"
)

// Releaser carries out moderation outcomes: an approved message is stored
// and broadcast, a refused one is dropped with a notice to its author, and
// file outcomes are announced. It implements moderation.Publisher.
type Releaser struct {
	messages MessageLog
	out      Outbound
	log      zerolog.Logger
}

// NewReleaser creates a releaser.
func NewReleaser(messages MessageLog, out Outbound) *Releaser {
	return &Releaser{messages: messages, out: out, log: logging.Component("release")}
}

// PublishResolved implements moderation.Publisher. The message log's
// artifact index keeps a repeated call from storing the message twice.
func (r *Releaser) PublishResolved(ctx context.Context, a moderation.Artifact) error {
	if a.Kind == moderation.KindFile {
		return r.out.Broadcast(protocol.TypeFileStatusUpdate, protocol.FileStatusUpdateMsg{
			FileID:   a.ID.String(),
			FileName: a.FileName,
			UserID:   a.UserID,
			Status:   string(a.Status),
		})
	}

	if a.Status.Discarded() {
		r.log.Info().Stringer("artifact", a.ID).Str("status", string(a.Status)).Msg("held message discarded")
		return r.out.Notify(a.UserID, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeRejected,
			Message: "your message was not delivered: it contains a dangerous link",
		})
	}
	if !a.Status.Released() {
		return fmt.Errorf("intake: artifact %s is not resolved (%s)", a.ID, a.Status)
	}

	id := a.ID
	msg := &chat.Message{UserID: a.UserID, DisplayName: a.DisplayName, Text: a.MessageText, ArtifactID: &id}
	inserted, err := r.messages.Append(ctx, msg)
	if err != nil {
		return err
	}
	// The workflow only calls again when an earlier attempt did not finish,
	// so a stored message may still be missing its broadcast.
	if !inserted {
		r.log.Debug().Stringer("artifact", a.ID).Msg("message already stored, broadcasting again")
	}

	if err := r.out.Broadcast(protocol.TypeMessage, protocol.ServerChatMsg{
		UserID:     a.UserID,
		User:       a.DisplayName,
		Text:       a.MessageText,
		Timestamp:  a.CreatedAt.Format(time.TimeOnly),
		ArtifactID: a.ID.String(),
	}); err != nil {
		return fmt.Errorf("intake: broadcast release: %w", err)
	}

	r.log.Info().Stringer("artifact", a.ID).Str("status", string(a.Status)).Msg("held message released")
	return r.out.Notify(a.UserID, protocol.TypeInfo, protocol.InfoMsg{
		Message:    "your message with links was checked and published",
		ArtifactID: a.ID.String(),
	})
}
