package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

const maxDeliveriesAdvisories = "$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES." + streamName + ".*"

type maxDeliveriesAdvisory struct {
	Stream     string `json:"stream"`
	Consumer   string `json:"consumer"`
	StreamSeq  uint64 `json:"stream_seq"`
	Deliveries int    `json:"deliveries"`
}

// WatchDeadLetters moves envelopes that exhausted their redeliveries
// from the message stream to the dead-letter stream. Exactly one
// watcher should run per bus, typically on the daemon's client.
func (c *Client) WatchDeadLetters(ctx context.Context) (func(), error) {
	sub, err := c.conn.Subscribe(maxDeliveriesAdvisories, func(msg *nats.Msg) {
		var adv maxDeliveriesAdvisory
		if err := json.Unmarshal(msg.Data, &adv); err != nil {
			slog.Error("undecodable max-deliveries advisory", "error", err)
			return
		}
		if err := c.deadLetter(ctx, adv); err != nil {
			slog.Error("dead-letter move failed", "stream_seq", adv.StreamSeq, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe advisories: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (c *Client) deadLetter(ctx context.Context, adv maxDeliveriesAdvisory) error {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	raw, err := stream.GetMsg(ctx, adv.StreamSeq)
	if err != nil {
		// Already moved by an earlier advisory for the same message.
		slog.Debug("dead-letter candidate gone", "stream_seq", adv.StreamSeq)
		return nil
	}

	// msg.<recipient>.<type>
	parts := strings.Split(raw.Subject, ".")
	if len(parts) < 3 {
		return fmt.Errorf("unexpected subject %q", raw.Subject)
	}
	recipient := parts[1]

	if _, err := c.js.Publish(ctx, TopicDeadLetter(recipient), raw.Data); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	if err := stream.DeleteMsg(ctx, adv.StreamSeq); err != nil {
		return fmt.Errorf("delete exhausted message: %w", err)
	}

	slog.Warn("message dead-lettered",
		"recipient", recipient, "consumer", adv.Consumer, "deliveries", adv.Deliveries)
	return nil
}
