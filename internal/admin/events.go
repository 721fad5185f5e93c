package admin

import (
	"github.com/whisper/chat-dlp/internal/messaging"
	"github.com/whisper/chat-dlp/internal/termset"
)

// NATSNotifier announces term set edits on NATS.
type NATSNotifier struct {
	nc *messaging.NATSClient
}

// NewNATSNotifier wraps a connected NATS client.
func NewNATSNotifier(nc *messaging.NATSClient) *NATSNotifier {
	return &NATSNotifier{nc: nc}
}

func (n *NATSNotifier) KeywordsChanged(c termset.Change) error {
	return n.nc.PublishJSON(messaging.SubjectKeywordsChanged, c)
}
