package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies envelopes on the bus.
type MessageType string

const (
	TypeDispatch  MessageType = "dispatch"
	TypeAccept    MessageType = "accept"
	TypeReject    MessageType = "reject"
	TypeResult    MessageType = "result"
	TypeFailure   MessageType = "failure"
	TypeHeartbeat MessageType = "heartbeat"
	TypeBid       MessageType = "bid"
)

// broadcastable reports whether a type may fan out to multiple
// subscribers. Everything else is point-to-point.
func (t MessageType) broadcastable() bool {
	return t == TypeHeartbeat || t == TypeBid
}

// Message is the envelope every bus payload travels in. Seq is stamped
// by the sending client and is monotonic per sender/recipient pair.
// IdempotencyKey is stable across redeliveries of the same message so
// recipients can drop repeats.
type Message struct {
	ID             string          `json:"id"`
	Sender         string          `json:"sender"`
	Recipient      string          `json:"recipient,omitempty"`
	Type           MessageType     `json:"type"`
	Seq            uint64          `json:"seq,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Deadline       time.Time       `json:"deadline,omitzero"`
	SentAt         time.Time       `json:"sent_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Receipt identifies a durably accepted send.
type Receipt struct {
	MessageID string
	Seq       uint64
	StreamSeq uint64
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
