// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the chat gateway and the DLP services. It handles connection
// lifecycle, subscriptions and the subject names shared by every service.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-dlp/internal/logging"
)

// NATS subjects used across the DLP services.
const (
	SubjectInbound         = "dlp.inbound"          // chat gateway -> inspector: user messages
	SubjectFiles           = "dlp.files"            // chat gateway -> inspector: upload announcements
	SubjectBroadcast       = "chat.broadcast"       // delivered messages, fanned out to every client
	SubjectNotice          = "chat.notice"          // + .<user_id>: notices to one user
	SubjectAdminAlert      = "dlp.admin.alert"      // escalation alerts for administrators
	SubjectKeywordsChanged = "dlp.keywords.changed" // forbidden-term set edited
	SubjectScanRequest     = "dlp.artifacts.scan"   // artifact id to scan

	// Queue groups let several replicas share one stream of work.
	QueueInspector = "inspector"
	QueueModerator = "moderator"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
	log  zerolog.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-dlp",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	logger := logging.Component("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
		log:  logger,
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishJSON marshals v and publishes it to subject.
func (c *NATSClient) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats publish %s: marshal: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for the given subject. Every subscriber
// receives every message.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// QueueSubscribe registers a handler in a queue group: each message goes to
// one member of the group.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s/%s: %w", subject, queue, err)
	}
	c.track(subject+"#"+queue, sub)
	return nil
}

// NoticeSubject is the subject carrying notices for one user.
func NoticeSubject(userID string) string {
	return SubjectNotice + "." + userID
}

// SubscribeInbound consumes chat messages as part of the inspector group.
func (c *NATSClient) SubscribeInbound(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectInbound, QueueInspector, handler)
}

// SubscribeFiles consumes upload announcements as part of the inspector group.
func (c *NATSClient) SubscribeFiles(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectFiles, QueueInspector, handler)
}

// SubscribeScanRequests consumes scan requests as part of the moderator group.
func (c *NATSClient) SubscribeScanRequests(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectScanRequest, QueueModerator, handler)
}

// SubscribeKeywordsChanged delivers keyword change events to this process.
// It is a plain subscription: every inspector must reload.
func (c *NATSClient) SubscribeKeywordsChanged(handler func(data []byte)) error {
	return c.Subscribe(SubjectKeywordsChanged, handler)
}

// Unsubscribe removes a plain subscription.
func (c *NATSClient) Unsubscribe(subject string) error {
	return c.unsubscribe(subject)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("drain connection")
	}

	c.log.Info().Msg("client closed")
}

func (c *NATSClient) track(key string, sub *nats.Subscription) {
	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
