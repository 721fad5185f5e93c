package intake

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/whisper/chat-dlp/internal/messaging"
	"github.com/whisper/chat-dlp/internal/moderation"
	"github.com/whisper/chat-dlp/internal/protocol"
)

// Outbound carries notices back to the chat gateway.
type Outbound interface {
	// Broadcast goes to every connected client.
	Broadcast(msgType string, payload any) error
	// Notify goes to one user.
	Notify(userID, msgType string, payload any) error
	AlertAdmins(alert protocol.AdminNotificationMsg) error
	RequestScan(artifactID uuid.UUID) error
}

// NATSOutbound publishes outbound traffic on NATS.
type NATSOutbound struct {
	nc *messaging.NATSClient
}

// NewNATSOutbound wraps a connected NATS client.
func NewNATSOutbound(nc *messaging.NATSClient) *NATSOutbound {
	return &NATSOutbound{nc: nc}
}

func (o *NATSOutbound) Broadcast(msgType string, payload any) error {
	return o.publish(messaging.SubjectBroadcast, msgType, payload)
}

func (o *NATSOutbound) Notify(userID, msgType string, payload any) error {
	return o.publish(messaging.NoticeSubject(userID), msgType, payload)
}

func (o *NATSOutbound) AlertAdmins(alert protocol.AdminNotificationMsg) error {
	return o.publish(messaging.SubjectAdminAlert, protocol.TypeAdminNotification, alert)
}

func (o *NATSOutbound) RequestScan(artifactID uuid.UUID) error {
	return o.nc.PublishJSON(messaging.SubjectScanRequest, moderation.ScanRequest{ArtifactID: artifactID})
}

func (o *NATSOutbound) publish(subject, msgType string, payload any) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	if err := o.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("intake: publish %s: %w", subject, err)
	}
	return nil
}
