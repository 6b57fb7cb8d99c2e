package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ivanmolanski/empire/internal/bus"
	"github.com/ivanmolanski/empire/internal/config"
	"github.com/ivanmolanski/empire/internal/memory"
	"github.com/ivanmolanski/empire/internal/registry"
)

// Engine drives workflows from submission to settlement: dependency
// scheduling, negotiation, dispatch, retries and checkpointing. Every
// task state transition is checkpointed to memory before the engine
// emits anything that depends on it.
type Engine struct {
	client   *bus.Client
	store    *memory.Store
	registry *registry.Registry
	cfg      config.OrchestratorConfig

	sem *semaphore.Weighted

	ctx       context.Context
	cancel    context.CancelFunc
	stopInbox func()

	mu   sync.RWMutex
	runs map[string]*workflowRun
}

func NewEngine(client *bus.Client, store *memory.Store, reg *registry.Registry, cfg config.OrchestratorConfig) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:   client,
		store:    store,
		registry: reg,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*workflowRun),
	}
}

// Start consumes the orchestrator inbox and watches for agents the
// registry loses.
func (e *Engine) Start(ctx context.Context) error {
	isReply := func(m *bus.Message) bool {
		switch m.Type {
		case bus.TypeAccept, bus.TypeReject, bus.TypeResult, bus.TypeFailure:
			return true
		}
		return false
	}
	stop, err := e.client.SubscribeInbox(ctx, isReply, e.handleReply)
	if err != nil {
		return err
	}
	e.stopInbox = stop
	e.registry.OnUnreachable(e.agentLost)
	return nil
}

// Close stops every resident run and detaches from the inbox.
// Checkpoints stay behind for Recover.
func (e *Engine) Close() {
	e.cancel()
	if e.stopInbox != nil {
		e.stopInbox()
	}
}

// Submit validates the spec, persists the initial checkpoint, then
// starts the run. The checkpoint always lands before the first
// dispatch leaves.
func (e *Engine) Submit(ctx context.Context, spec WorkflowSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	wf := buildWorkflow(spec)

	data, err := json.Marshal(wf)
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}
	version, err := e.store.PutIfVersion(ctx, scopeKey(wf.ID), 0, data)
	if err != nil {
		if errors.Is(err, memory.ErrVersionConflict) {
			return "", fmt.Errorf("workflow %s already exists", wf.ID)
		}
		return "", fmt.Errorf("checkpoint workflow: %w", err)
	}

	run := newWorkflowRun(e, wf, version)
	e.mu.Lock()
	e.runs[wf.ID] = run
	e.mu.Unlock()

	slog.Info("workflow submitted", "workflow", wf.ID, "name", wf.Name, "tasks", len(wf.Tasks))
	e.publishEvent(EventWorkflowStarted, wf.ID, map[string]any{
		"name":  wf.Name,
		"tasks": len(wf.Tasks),
	})

	go run.loop()
	return wf.ID, nil
}

// Status returns a point-in-time copy of the workflow, from the
// resident run when it is live or from the checkpoint otherwise.
func (e *Engine) Status(ctx context.Context, workflowID string) (*Workflow, error) {
	e.mu.RLock()
	run := e.runs[workflowID]
	e.mu.RUnlock()
	if run != nil {
		return run.snapshot(), nil
	}

	data, _, err := e.store.Get(ctx, scopeKey(workflowID))
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", workflowID, err)
	}
	return &wf, nil
}

// Cancel abandons every unsettled task, releases their agents and
// pins the workflow to cancelled. Cancelling again, or cancelling a
// settled workflow, is a no-op.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	e.mu.RLock()
	run := e.runs[workflowID]
	e.mu.RUnlock()
	if run != nil {
		return run.cancelRun()
	}

	// Not resident: the checkpoint is authoritative. A running
	// checkpoint without a run means a crash preempted recovery;
	// settle it in place.
	data, version, err := e.store.Get(ctx, scopeKey(workflowID))
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return ErrWorkflowNotFound
		}
		return err
	}
	for {
		var wf Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("decode workflow %s: %w", workflowID, err)
		}
		if wf.State.Terminal() {
			return nil
		}
		wf.State = WorkflowCancelled
		wf.SettledAt = time.Now().UTC()
		for _, t := range wf.Tasks {
			if !t.State.Settled() {
				t.State = TaskAbandoned
				t.Error = "workflow cancelled"
			}
		}
		out, err := json.Marshal(&wf)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		if _, err = e.store.PutIfVersion(ctx, scopeKey(workflowID), version, out); err == nil {
			e.publishEvent(EventWorkflowSettled, workflowID, map[string]any{"name": wf.Name, "state": string(WorkflowCancelled), "tasks": taskOutcomes(&wf)})
			slog.Info("workflow cancelled", "workflow", workflowID)
			return nil
		}
		if !errors.Is(err, memory.ErrVersionConflict) {
			return fmt.Errorf("checkpoint %s: %w", workflowID, err)
		}
		if data, version, err = e.store.Get(ctx, scopeKey(workflowID)); err != nil {
			return err
		}
	}
}

// Recover rebuilds unsettled workflows from their checkpoints and
// resumes them. Dispatched tasks whose agent is still reachable keep
// their remaining deadline; the rest run through the retry policy.
func (e *Engine) Recover(ctx context.Context) error {
	keys, err := e.store.Keys(ctx, "workflow:")
	if err != nil {
		return fmt.Errorf("scan checkpoints: %w", err)
	}

	recovered := 0
	for _, key := range keys {
		data, version, err := e.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				continue
			}
			return fmt.Errorf("read checkpoint %s: %w", key, err)
		}
		var wf Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			slog.Error("skipping undecodable checkpoint", "scope", key, "error", err)
			continue
		}
		if wf.State.Terminal() {
			continue
		}

		run := newWorkflowRun(e, &wf, version)
		e.mu.Lock()
		e.runs[wf.ID] = run
		e.mu.Unlock()

		slog.Info("recovering workflow", "workflow", wf.ID, "tasks", len(wf.Tasks))
		go run.loop()
		recovered++
	}
	if recovered > 0 {
		slog.Info("recovery complete", "workflows", recovered)
	}
	return nil
}

// handleReply routes agent replies to the awaiting task attempt.
// Replies nobody is waiting for are redelivered by the bus until an
// await arms or the task settles.
func (e *Engine) handleReply(m *bus.Message) error {
	var p SettlePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		slog.Warn("malformed reply payload", "sender", m.Sender, "type", m.Type, "error", err)
		return nil
	}

	e.mu.RLock()
	run := e.runs[p.WorkflowID]
	e.mu.RUnlock()
	if run == nil {
		slog.Debug("reply for inactive workflow dropped", "workflow", p.WorkflowID, "task", p.TaskID, "type", m.Type)
		return nil
	}

	switch run.deliver(p.TaskID, m, &p) {
	case deliverConsumed, deliverSettled:
		return nil
	default:
		if m.Type == bus.TypeAccept {
			return nil
		}
		return fmt.Errorf("no active await for task %s", p.TaskID)
	}
}

func (e *Engine) agentLost(agentID string) {
	e.mu.RLock()
	runs := make([]*workflowRun, 0, len(e.runs))
	for _, run := range e.runs {
		runs = append(runs, run)
	}
	e.mu.RUnlock()

	for _, run := range runs {
		run.agentLost(agentID)
	}
}

func (e *Engine) publishEvent(eventType, workflowID string, data map[string]any) {
	topic := bus.TopicEventsWorkflow(workflowID)
	if eventType == EventTaskDispatched || eventType == EventTaskSettled {
		topic = bus.TopicEventsTask(workflowID)
	}
	event := Event{
		Type:       eventType,
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
	if err := e.client.PublishJSON(topic, event); err != nil {
		slog.Warn("event publish failed", "type", eventType, "workflow", workflowID, "error", err)
	}
}

func scopeKey(workflowID string) string {
	return "workflow:" + workflowID
}
