package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ivanmolanski/empire/internal/bus"
	"github.com/ivanmolanski/empire/internal/memory"
	"github.com/ivanmolanski/empire/internal/schedule"
)

// IPCCommand is the request-reply control envelope for orchestrator
// operations.
type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ipcWorkflowRef struct {
	WorkflowID string `json:"workflow_id"`
}

type ipcSchedule struct {
	ID       string       `json:"id,omitempty"`
	Name     string       `json:"name,omitempty"`
	Schedule string       `json:"schedule,omitempty"`
	Spec     WorkflowSpec `json:"spec"`
}

// ServeRPC answers submit, status, cancel and schedule commands over
// the orchestrator control subject. The reload hook pokes the
// scheduler after schedule mutations; nil is fine.
func (e *Engine) ServeRPC(reload func()) error {
	if reload == nil {
		reload = func() {}
	}
	_, err := e.client.Subscribe(bus.TopicIPCOrchestrate, func(msg *nats.Msg) {
		e.handleIPC(msg, reload)
	})
	return err
}

func (e *Engine) handleIPC(msg *nats.Msg, reload func()) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Error("failed to parse orchestrator command", "error", err)
		e.respondIPC(msg, map[string]string{"error": "invalid command format"})
		return
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCtx()

	switch cmd.Type {
	case "submit":
		var spec WorkflowSpec
		if err := json.Unmarshal(cmd.Payload, &spec); err != nil {
			e.respondIPC(msg, map[string]string{"error": "invalid workflow spec"})
			return
		}
		id, err := e.Submit(ctx, spec)
		if err != nil {
			e.respondIPC(msg, map[string]string{"error": err.Error()})
			return
		}
		e.respondIPC(msg, map[string]any{"workflow_id": id})

	case "status":
		var ref ipcWorkflowRef
		if err := json.Unmarshal(cmd.Payload, &ref); err != nil {
			e.respondIPC(msg, map[string]string{"error": "invalid status payload"})
			return
		}
		wf, err := e.Status(ctx, ref.WorkflowID)
		if err != nil {
			e.respondIPC(msg, map[string]string{"error": err.Error()})
			return
		}
		e.respondIPC(msg, map[string]any{"workflow": wf})

	case "cancel":
		var ref ipcWorkflowRef
		if err := json.Unmarshal(cmd.Payload, &ref); err != nil {
			e.respondIPC(msg, map[string]string{"error": "invalid cancel payload"})
			return
		}
		if err := e.Cancel(ctx, ref.WorkflowID); err != nil {
			e.respondIPC(msg, map[string]string{"error": err.Error()})
			return
		}
		e.respondIPC(msg, map[string]any{"ok": true})

	case "create_schedule":
		e.ipcCreateSchedule(msg, cmd.Payload, reload)

	case "list_schedules":
		schedules, err := e.store.ListSchedules()
		if err != nil {
			e.respondIPC(msg, map[string]string{"error": err.Error()})
			return
		}
		e.respondIPC(msg, map[string]any{"schedules": schedules})

	case "delete_schedule":
		var ref ipcSchedule
		if err := json.Unmarshal(cmd.Payload, &ref); err != nil {
			e.respondIPC(msg, map[string]string{"error": "invalid schedule payload"})
			return
		}
		if err := e.store.DeleteSchedule(ref.ID); err != nil {
			e.respondIPC(msg, map[string]string{"error": err.Error()})
			return
		}
		reload()
		e.respondIPC(msg, map[string]any{"ok": true})

	case "pause_schedule", "resume_schedule":
		var ref ipcSchedule
		if err := json.Unmarshal(cmd.Payload, &ref); err != nil {
			e.respondIPC(msg, map[string]string{"error": "invalid schedule payload"})
			return
		}
		status := "paused"
		if cmd.Type == "resume_schedule" {
			status = "active"
		}
		if err := e.store.UpdateScheduleStatus(ref.ID, status); err != nil {
			e.respondIPC(msg, map[string]string{"error": err.Error()})
			return
		}
		reload()
		e.respondIPC(msg, map[string]any{"ok": true})

	default:
		slog.Warn("unknown orchestrator command", "type", cmd.Type)
		e.respondIPC(msg, map[string]string{"error": "unknown command: " + cmd.Type})
	}
}

func (e *Engine) ipcCreateSchedule(msg *nats.Msg, payload json.RawMessage, reload func()) {
	var req ipcSchedule
	if err := json.Unmarshal(payload, &req); err != nil {
		e.respondIPC(msg, map[string]string{"error": "invalid schedule payload"})
		return
	}
	if err := validateSpec(req.Spec); err != nil {
		e.respondIPC(msg, map[string]string{"error": err.Error()})
		return
	}
	normalized, err := schedule.Normalize(req.Schedule)
	if err != nil {
		e.respondIPC(msg, map[string]string{"error": err.Error()})
		return
	}
	specJSON, err := json.Marshal(req.Spec)
	if err != nil {
		e.respondIPC(msg, map[string]string{"error": err.Error()})
		return
	}

	ws := &memory.WorkflowSchedule{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Schedule:  normalized,
		Spec:      string(specJSON),
		Status:    "active",
		NextRunAt: schedule.Next(normalized, time.Now()),
	}
	if ws.NextRunAt == nil {
		e.respondIPC(msg, map[string]string{"error": "schedule has no future runs"})
		return
	}
	if err := e.store.SaveSchedule(ws); err != nil {
		e.respondIPC(msg, map[string]string{"error": err.Error()})
		return
	}
	reload()

	slog.Info("schedule created", "id", ws.ID, "name", ws.Name, "when", schedule.Format(normalized), "next_run", ws.NextRunAt)
	e.respondIPC(msg, map[string]any{"id": ws.ID, "next_run_at": ws.NextRunAt})
}

func (e *Engine) respondIPC(msg *nats.Msg, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("failed to marshal orchestrator response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to orchestrator command", "error", err)
	}
}
