// Package messaging provides a NATS client wrapper for the moderator's
// outbound events and inbound triggers. It handles connection lifecycle,
// subject-based subscriptions, and typed publish helpers for user notices and
// mute lifecycle events.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the moderator.
const (
	SubjectNotice     = "moderation.notice" // + .<user_id>
	SubjectMuted      = "moderation.muted"
	SubjectUnmuted    = "moderation.unmuted"
	SubjectCleanupRun = "moderation.cleanup.run" // request/reply
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
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
		URL:           nats.DefaultURL,
		Name:          "llm-moderator",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// NoticeSubject returns the notice subject for one user.
func NoticeSubject(userID int64) string {
	return SubjectNotice + "." + strconv.FormatInt(userID, 10)
}

// PublishNotice publishes a user-facing notice to moderation.notice.<userID>.
func (c *NATSClient) PublishNotice(userID int64, n Notice) error {
	return c.publishJSON(NoticeSubject(userID), n)
}

// SubscribeNotices subscribes to notices for every user.
func (c *NATSClient) SubscribeNotices(handler func(userID int64, n Notice)) error {
	return c.Subscribe(SubjectNotice+".*", func(msg *nats.Msg) {
		userID, err := strconv.ParseInt(msg.Subject[len(SubjectNotice)+1:], 10, 64)
		if err != nil {
			log.Printf("[nats] notice on bad subject %s", msg.Subject)
			return
		}
		var n Notice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			log.Printf("[nats] bad notice payload: %v", err)
			return
		}
		handler(userID, n)
	})
}

// PublishMuted publishes a mute event.
func (c *NATSClient) PublishMuted(e MuteEvent) error {
	return c.publishJSON(SubjectMuted, e)
}

// PublishUnmuted publishes an unmute event.
func (c *NATSClient) PublishUnmuted(e UnmuteEvent) error {
	return c.publishJSON(SubjectUnmuted, e)
}

// SubscribeCleanupRun answers cleanup trigger requests. handler runs the pass
// and returns the reply payload.
func (c *NATSClient) SubscribeCleanupRun(handler func() CleanupReply) error {
	return c.Subscribe(SubjectCleanupRun, func(msg *nats.Msg) {
		reply := handler()
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			log.Printf("[nats] marshal cleanup reply: %v", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Printf("[nats] cleanup reply: %v", err)
		}
	})
}

// RequestCleanup asks a running moderator to run a cleanup pass and waits for
// its report.
func (c *NATSClient) RequestCleanup(timeout time.Duration) (*CleanupReply, error) {
	msg, err := c.conn.Request(SubjectCleanupRun, nil, timeout)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", SubjectCleanupRun, err)
	}
	var reply CleanupReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("nats cleanup reply: %w", err)
	}
	return &reply, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
