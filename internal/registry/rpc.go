package registry

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/ivanmolanski/empire/internal/bus"
)

// IPCCommand is the request-reply control envelope for registry
// operations.
type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Start wires the registry to the bus: the request-reply control
// surface, heartbeat broadcasts and bid replies. It also begins the
// liveness sweep.
func (r *Registry) Start(ctx context.Context) error {
	if _, err := r.client.Subscribe(bus.TopicIPCRegistry, r.handleIPC); err != nil {
		return err
	}

	_, err := r.client.SubscribeBroadcast(bus.TypeHeartbeat, func(m *bus.Message) {
		if m.Sender == "" {
			return
		}
		_ = r.Heartbeat(m.Sender)
	})
	if err != nil {
		return err
	}

	isBid := func(m *bus.Message) bool { return m.Type == bus.TypeBid }
	if _, err := r.client.SubscribeInbox(ctx, isBid, func(m *bus.Message) error {
		r.handleBid(m)
		return nil
	}); err != nil {
		return err
	}

	go r.SweepLoop(ctx)
	return nil
}

func (r *Registry) handleIPC(msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Error("failed to parse registry command", "error", err)
		r.respondIPC(msg, map[string]string{"error": "invalid command format"})
		return
	}

	switch cmd.Type {
	case "register":
		var desc AgentDescriptor
		if err := json.Unmarshal(cmd.Payload, &desc); err != nil {
			r.respondIPC(msg, map[string]string{"error": "invalid register payload"})
			return
		}
		if err := r.Register(desc); err != nil {
			r.respondIPC(msg, map[string]string{"error": err.Error()})
			return
		}
		r.client.MarkAlive(desc.ID)
		r.respondIPC(msg, map[string]any{"ok": true})
	case "deregister":
		var desc AgentDescriptor
		if err := json.Unmarshal(cmd.Payload, &desc); err != nil {
			r.respondIPC(msg, map[string]string{"error": "invalid deregister payload"})
			return
		}
		r.Deregister(desc.ID)
		r.respondIPC(msg, map[string]any{"ok": true})
	case "heartbeat":
		var desc AgentDescriptor
		if err := json.Unmarshal(cmd.Payload, &desc); err != nil {
			r.respondIPC(msg, map[string]string{"error": "invalid heartbeat payload"})
			return
		}
		if err := r.Heartbeat(desc.ID); err != nil {
			r.respondIPC(msg, map[string]string{"error": err.Error()})
			return
		}
		r.respondIPC(msg, map[string]any{"ok": true})
	case "agents":
		r.respondIPC(msg, map[string]any{"agents": r.Snapshot()})
	default:
		slog.Warn("unknown registry command", "type", cmd.Type)
		r.respondIPC(msg, map[string]string{"error": "unknown command: " + cmd.Type})
	}
}

func (r *Registry) respondIPC(msg *nats.Msg, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("failed to marshal registry response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to registry command", "error", err)
	}
}
