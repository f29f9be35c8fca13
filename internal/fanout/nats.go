// Package fanout is the realtime push layer. It maintains per-conversation
// and per-organization NATS subjects and delivers typed events to all
// current subscribers, best-effort and at-most-once. All state it pushes is
// durably owned by the stores; reconnecting clients re-query instead of
// relying on buffered pushes.
package fanout

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectConversation = "convo"          // + .<conversation_id>
	SubjectOrgPresence  = "org"            // + .<org_id>.presence
	SubjectNotify       = "notify.message" // outbound notification hand-off
)

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
		URL:           "nats://localhost:4222",
		Name:          "bhuri-messaging",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Gateway wraps the NATS connection with subscription bookkeeping keyed by
// (subscriber, subject) so one user's unsubscribe never tears down another
// subscriber of the same conversation on the same server.
type Gateway struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewGateway connects to NATS and returns a ready gateway. It returns an
// error if the initial connection fails; reconnects afterwards are
// automatic.
func NewGateway(config Config) (*Gateway, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[fanout] disconnected: %v", err)
			} else {
				log.Printf("[fanout] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[fanout] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[fanout] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("fanout: nats connect: %w", err)
	}

	log.Printf("[fanout] connected to %s", nc.ConnectedUrl())

	return &Gateway{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// conversationSubject builds the subject for one conversation's events.
func conversationSubject(conversationID string) string {
	return SubjectConversation + "." + conversationID
}

// orgPresenceSubject builds the subject for one organization's presence deltas.
func orgPresenceSubject(orgID string) string {
	return SubjectOrgPresence + "." + orgID + ".presence"
}

// PublishConversation pushes an event to every subscriber of a conversation.
func (g *Gateway) PublishConversation(conversationID string, event Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	return g.conn.Publish(conversationSubject(conversationID), data)
}

// PublishOrgPresence pushes a presence delta to an organization's roster
// subscribers.
func (g *Gateway) PublishOrgPresence(orgID string, event Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	return g.conn.Publish(orgPresenceSubject(orgID), data)
}

// PublishNotification emits an offline-recipient hand-off for the
// notification subsystem.
func (g *Gateway) PublishNotification(n Notification) error {
	n.Type = "message"
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("fanout: encode notification: %w", err)
	}
	return g.conn.Publish(SubjectNotify, payload)
}

// SubscribeConversation registers a handler for a conversation's events on
// behalf of one subscriber (a connected client). Decode failures are logged
// and dropped; the stream is best-effort.
func (g *Gateway) SubscribeConversation(conversationID, subscriberID string, handler func(Event)) error {
	subject := conversationSubject(conversationID)
	key := "convo:" + subscriberID + ":" + conversationID
	return g.subscribe(key, subject, handler)
}

// UnsubscribeConversation removes one subscriber's conversation subscription.
func (g *Gateway) UnsubscribeConversation(conversationID, subscriberID string) error {
	return g.unsubscribe("convo:" + subscriberID + ":" + conversationID)
}

// SubscribeOrgPresence registers a handler for an organization's presence
// deltas on behalf of one subscriber.
func (g *Gateway) SubscribeOrgPresence(orgID, subscriberID string, handler func(Event)) error {
	subject := orgPresenceSubject(orgID)
	key := "org:" + subscriberID + ":" + orgID
	return g.subscribe(key, subject, handler)
}

// UnsubscribeOrgPresence removes one subscriber's presence subscription.
func (g *Gateway) UnsubscribeOrgPresence(orgID, subscriberID string) error {
	return g.unsubscribe("org:" + subscriberID + ":" + orgID)
}

// UnsubscribeAll drops every subscription held for a subscriber, used on
// client disconnect.
func (g *Gateway) UnsubscribeAll(subscriberID string) {
	g.mu.Lock()
	var keys []string
	for key := range g.subs {
		if matchesSubscriber(key, subscriberID) {
			keys = append(keys, key)
		}
	}
	g.mu.Unlock()

	for _, key := range keys {
		if err := g.unsubscribe(key); err != nil {
			log.Printf("[fanout] unsubscribe %s: %v", key, err)
		}
	}
}

// Close drains all active subscriptions and the NATS connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key, sub := range g.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[fanout] drain %s: %v", key, err)
		}
	}
	g.subs = make(map[string]*nats.Subscription)

	if err := g.conn.Drain(); err != nil {
		log.Printf("[fanout] connection drain: %v", err)
	}

	log.Printf("[fanout] gateway closed")
}

func (g *Gateway) subscribe(key, subject string, handler func(Event)) error {
	g.mu.Lock()
	if _, exists := g.subs[key]; exists {
		g.mu.Unlock()
		return nil // already subscribed, idempotent
	}
	g.mu.Unlock()

	sub, err := g.conn.Subscribe(subject, func(msg *nats.Msg) {
		event, err := DecodeEvent(msg.Data)
		if err != nil {
			log.Printf("[fanout] drop malformed event on %s: %v", subject, err)
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("fanout: subscribe %s: %w", subject, err)
	}

	g.mu.Lock()
	if _, exists := g.subs[key]; exists {
		// Lost a subscribe race for the same key; keep the first.
		g.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	g.subs[key] = sub
	g.mu.Unlock()
	return nil
}

func (g *Gateway) unsubscribe(key string) error {
	g.mu.Lock()
	sub, ok := g.subs[key]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("fanout: no subscription for %s", key)
	}
	delete(g.subs, key)
	g.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("fanout: unsubscribe %s: %w", key, err)
	}
	return nil
}

// matchesSubscriber checks a bookkeeping key against a subscriber ID.
// Keys are "<kind>:<subscriberID>:<target>".
func matchesSubscriber(key, subscriberID string) bool {
	rest := key
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			rest = rest[i+1:]
			break
		}
	}
	return len(rest) > len(subscriberID) &&
		rest[:len(subscriberID)] == subscriberID &&
		rest[len(subscriberID)] == ':'
}
