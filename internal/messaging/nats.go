// Package messaging bridges relay instances over NATS. Messages relayed on
// one server are published on a per-session subject so that participants of
// the same session attached to different instances still receive each
// other's traffic.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectSession is the prefix for per-session fan-out subjects
// (relay.session.<session_id>).
const SubjectSession = "relay.session"

// Event is the payload published for each relayed message.
type Event struct {
	SessionID string `json:"session_id"`
	Server    string `json:"server"`  // originating relay instance
	Origin    string `json:"origin"`  // originating connection id
	Sender    string `json:"sender"`  // sending participant id
	Content   string `json:"content"` // decoded message text
	Ts        int64  `json:"ts"`      // unix millis at persistence time
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "chat-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bridge wraps the NATS connection with per-session publish/subscribe.
type Bridge struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // sessionID -> subscription
}

// NewBridge connects to NATS with the given config and returns a ready
// bridge. It returns an error if the initial connection fails.
func NewBridge(config Config) (*Bridge, error) {
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

	return &Bridge{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends an event to the session's subject.
func (b *Bridge) Publish(sessionID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats marshal event: %w", err)
	}
	return b.conn.Publish(SubjectSession+"."+sessionID, data)
}

// Subscribe registers a handler for the session's subject. Subscribing to a
// session that already has a subscription replaces the old one.
func (b *Bridge) Subscribe(sessionID string, handler func(Event)) error {
	subject := SubjectSession + "." + sessionID
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] bad event on %s: %v", subject, err)
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	if old, ok := b.subs[sessionID]; ok {
		_ = old.Unsubscribe()
	}
	b.subs[sessionID] = sub
	b.mu.Unlock()
	return nil
}

// Unsubscribe drops the session's subscription. Unsubscribing a session with
// no subscription is an error so callers notice lifecycle bugs.
func (b *Bridge) Unsubscribe(sessionID string) error {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats: no subscription for session %s", sessionID)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", sessionID, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sessionID, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] bridge closed")
}
