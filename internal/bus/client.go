package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ivanmolanski/empire/internal/config"
)

const (
	streamName    = "EMPIRE"
	dlqStreamName = "EMPIRE_DLQ"
)

// ErrRecipientUnavailable is returned by Send when the recipient has
// gone silent past the liveness window. The caller decides whether to
// re-negotiate.
var ErrRecipientUnavailable = errors.New("recipient unavailable")

// Handler processes one inbound envelope. A nil return acknowledges
// the message; an error leaves it unacknowledged for redelivery.
type Handler func(m *Message) error

// Predicate narrows which envelopes an inbox subscription handles.
// Envelopes it rejects are consumed silently.
type Predicate func(m *Message) bool

// Client is one endpoint's connection to the bus. Point-to-point
// envelopes go through JetStream with explicit acks; broadcasts and
// request/reply RPC ride core NATS.
type Client struct {
	conn      *nats.Conn
	js        jetstream.JetStream
	endpoint  string
	cfg       config.BusConfig
	presence  *presence
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	nextSeq map[string]uint64
}

func NewClient(ctx context.Context, srv *Server, endpoint string) (*Client, error) {
	return Connect(ctx, srv.ClientURL(), endpoint, srv.cfg)
}

// Connect dials the bus and ensures the delivery and dead-letter
// streams exist.
func Connect(ctx context.Context, url, endpoint string, cfg config.BusConfig) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"msg.>"},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create message stream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     dlqStreamName,
		Subjects: []string{TopicDeadLetterAll},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create dead-letter stream: %w", err)
	}

	c := &Client{
		conn:     conn,
		js:       js,
		endpoint: endpoint,
		cfg:      cfg,
		presence: newPresence(),
		done:     make(chan struct{}),
		nextSeq:  make(map[string]uint64),
	}

	// Every client watches heartbeat traffic so Send can fail fast on
	// recipients that went silent.
	_, err = conn.Subscribe(TopicBroadcast(TypeHeartbeat), func(msg *nats.Msg) {
		if m, err := decodeMessage(msg.Data); err == nil {
			c.presence.mark(m.Sender)
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe heartbeats: %w", err)
	}

	return c, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// MarkAlive records liveness evidence for an endpoint outside the
// heartbeat path, e.g. on registration.
func (c *Client) MarkAlive(endpoint string) {
	c.presence.mark(endpoint)
}

// Send publishes a point-to-point envelope to the recipient's inbox.
// The envelope is stamped with id, sender, send time, an idempotency
// key if the caller did not set one, and a per-recipient sequence
// number. Recipients silent past the liveness window fail fast with
// ErrRecipientUnavailable.
func (c *Client) Send(ctx context.Context, m *Message) (Receipt, error) {
	if m.Recipient == "" {
		return Receipt{}, fmt.Errorf("send %s: no recipient", m.Type)
	}
	if c.presence.silent(m.Recipient, c.cfg.LivenessWindow) {
		return Receipt{}, fmt.Errorf("send %s to %s: %w", m.Type, m.Recipient, ErrRecipientUnavailable)
	}

	c.stamp(m)
	c.mu.Lock()
	c.nextSeq[m.Recipient]++
	m.Seq = c.nextSeq[m.Recipient]
	c.mu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal message: %w", err)
	}

	ack, err := c.js.Publish(ctx, TopicInbox(m.Recipient, m.Type), data)
	if err != nil {
		return Receipt{}, fmt.Errorf("publish to %s: %w", m.Recipient, err)
	}
	return Receipt{MessageID: m.ID, Seq: m.Seq, StreamSeq: ack.Sequence}, nil
}

// Broadcast fans an envelope out to every subscriber of its type.
// Only heartbeat and bid traffic may broadcast.
func (c *Client) Broadcast(m *Message) error {
	if !m.Type.broadcastable() {
		return fmt.Errorf("broadcast %s: type is point-to-point", m.Type)
	}
	c.stamp(m)
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.conn.Publish(TopicBroadcast(m.Type), data)
}

func (c *Client) stamp(m *Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Sender == "" {
		m.Sender = c.endpoint
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = m.ID
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
}

// SubscribeInbox consumes this client's endpoint inbox through a
// durable consumer. Redelivery runs until the handler acknowledges or
// the delivery bound routes the message to the dead-letter stream.
// Multiple subscribers on one endpoint share the consumer, so each
// envelope reaches exactly one handler.
func (c *Client) SubscribeInbox(ctx context.Context, pred Predicate, handler Handler) (func(), error) {
	return c.consume(ctx, streamName, c.endpoint, TopicInboxAll(c.endpoint), pred, handler)
}

// SubscribeDeadLetter consumes envelopes that exhausted their
// redeliveries to the given endpoint.
func (c *Client) SubscribeDeadLetter(ctx context.Context, endpoint string, handler Handler) (func(), error) {
	return c.consume(ctx, dlqStreamName, "dlq-"+endpoint, TopicDeadLetter(endpoint), nil, handler)
}

func (c *Client) consume(ctx context.Context, stream, name, subject string, pred Predicate, handler Handler) (func(), error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxRedeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", name, err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		m, err := decodeMessage(msg.Data())
		if err != nil {
			slog.Error("undecodable envelope dropped", "subject", msg.Subject(), "error", err)
			_ = msg.Term()
			return
		}
		c.presence.mark(m.Sender)
		if pred != nil && !pred(m) {
			_ = msg.Ack()
			return
		}
		if err := handler(m); err != nil {
			slog.Warn("message handler failed", "subject", msg.Subject(), "message", m.ID, "error", err)
			// Delay the redelivery; an immediate one would hit the same
			// gap that failed this attempt.
			if nakErr := msg.NakWithDelay(c.cfg.AckWait / 4); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", name, err)
	}
	return cons.Stop, nil
}

// SubscribeBroadcast receives every envelope broadcast with the given
// type.
func (c *Client) SubscribeBroadcast(t MessageType, handler func(m *Message)) (*nats.Subscription, error) {
	return c.conn.Subscribe(TopicBroadcast(t), func(msg *nats.Msg) {
		m, err := decodeMessage(msg.Data)
		if err != nil {
			return
		}
		c.presence.mark(m.Sender)
		handler(m)
	})
}

// StartHeartbeat announces this endpoint on the heartbeat broadcast
// until the context ends or the client closes.
func (c *Client) StartHeartbeat(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := c.Broadcast(&Message{Type: TypeHeartbeat}); err != nil {
				slog.Debug("heartbeat broadcast failed", "endpoint", c.endpoint, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

func (c *Client) Request(topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return c.conn.Request(topic, data, timeout)
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
