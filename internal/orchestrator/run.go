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

	"github.com/ivanmolanski/empire/internal/bus"
	"github.com/ivanmolanski/empire/internal/memory"
	"github.com/ivanmolanski/empire/internal/registry"
)

type delivery struct {
	m *bus.Message
	p *SettlePayload
}

type deliverState int

const (
	deliverConsumed deliverState = iota
	deliverSettled
	deliverNoAwait
)

type outcomeKind int

const (
	outcomeResult outcomeKind = iota
	outcomeFailure
	outcomeReject
	outcomeTimeout
	outcomeCancelled
)

type outcome struct {
	kind    outcomeKind
	agent   string
	output  json.RawMessage
	errText string
}

// workflowRun is the resident state of one unsettled workflow. All
// mutation of wf and version happens under mu, and every checkpoint
// leaves under the same lock so writes cannot reorder.
type workflowRun struct {
	engine *Engine

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu      sync.Mutex
	wf      *Workflow
	version int64
	active  map[string]bool
	awaits  map[string]chan delivery
}

func newWorkflowRun(e *Engine, wf *Workflow, version int64) *workflowRun {
	ctx, cancel := context.WithCancel(e.ctx)
	return &workflowRun{
		engine:  e,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		wf:      wf,
		version: version,
		active:  make(map[string]bool),
		awaits:  make(map[string]chan delivery),
	}
}

// loop promotes tasks as dependencies succeed and spawns one worker
// goroutine per runnable task. It exits once the workflow settles.
func (r *workflowRun) loop() {
	for {
		r.mu.Lock()
		if r.wf.State.Terminal() {
			r.mu.Unlock()
			return
		}

		promoted := readyTasks(r.wf)
		for _, id := range promoted {
			r.wf.Tasks[id].State = TaskReady
		}
		if len(promoted) > 0 {
			if err := r.checkpointLocked(r.ctx); err != nil {
				slog.Error("ready checkpoint failed", "workflow", r.wf.ID, "error", err)
			}
		}

		var spawn []string
		unsettled := 0
		for id, t := range r.wf.Tasks {
			if !t.State.Settled() {
				unsettled++
			}
			if r.active[id] {
				continue
			}
			switch t.State {
			case TaskReady, TaskNegotiating, TaskDispatched, TaskFailed:
				r.active[id] = true
				spawn = append(spawn, id)
			}
		}
		r.mu.Unlock()

		if unsettled == 0 {
			r.settle()
			return
		}
		for _, id := range spawn {
			go r.runTask(id)
		}

		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}
	}
}

// runTask owns one task until it settles or the run stops: negotiate,
// dispatch, await, retry.
func (r *workflowRun) runTask(taskID string) {
	e := r.engine
	defer func() {
		r.mu.Lock()
		delete(r.active, taskID)
		r.mu.Unlock()
		r.wakeLoop()
	}()

	if err := e.sem.Acquire(r.ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	noAgentWait := e.cfg.NoAgentBackoff
	noAgentTries := 0

	for {
		if r.ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		t := r.wf.Tasks[taskID]
		if t == nil || t.State.Settled() || r.wf.State.Terminal() {
			r.mu.Unlock()
			return
		}
		wfID := r.wf.ID
		state := t.State
		capability := t.Capability
		input := t.Input
		agentID := t.AgentID
		attemptID := t.AttemptID
		deadline := t.Deadline
		excluded := append([]string(nil), t.Excluded...)
		r.mu.Unlock()

		if state == TaskDispatched {
			// Recovered mid-flight. The original dispatch may still
			// produce a result, so re-arm the await when the agent is
			// reachable and time remains.
			if e.registry.Available(agentID) && time.Until(deadline) > 0 {
				out := r.await(taskID, attemptID, deadline)
				if !r.resolve(taskID, agentID, out) {
					return
				}
				continue
			}
			if !r.resolve(taskID, agentID, outcome{
				kind:    outcomeTimeout,
				agent:   agentID,
				errText: "assigned agent lost across restart",
			}) {
				return
			}
			continue
		}

		r.transition(taskID, TaskNegotiating, nil)

		agentID, err := e.registry.Negotiate(r.ctx, taskID, wfID, capability, excluded)
		if err != nil {
			if errors.Is(err, registry.ErrNoQualifiedAgent) {
				noAgentTries++
				if noAgentTries > e.cfg.NoAgentRetries {
					r.abandon(taskID, "", "no qualified agent")
					return
				}
				slog.Info("no qualified agent, backing off",
					"workflow", wfID, "task", taskID, "wait", noAgentWait, "attempt", noAgentTries)
				select {
				case <-r.ctx.Done():
					return
				case <-time.After(noAgentWait):
				}
				noAgentWait *= 2
				if noAgentWait > e.cfg.NoAgentBackoffMax {
					noAgentWait = e.cfg.NoAgentBackoffMax
				}
				continue
			}
			if r.ctx.Err() != nil {
				return
			}
			slog.Error("negotiation failed", "workflow", wfID, "task", taskID, "error", err)
			r.abandon(taskID, "", "negotiation failed: "+err.Error())
			return
		}
		noAgentTries = 0
		noAgentWait = e.cfg.NoAgentBackoff

		attemptID = uuid.New().String()
		deadline = time.Now().UTC().Add(e.cfg.DispatchTimeout)
		r.transition(taskID, TaskDispatched, func(t *Task) {
			t.AgentID = agentID
			t.AttemptID = attemptID
			t.Deadline = deadline
		})

		payload, err := json.Marshal(DispatchPayload{
			WorkflowID: wfID,
			TaskID:     taskID,
			Capability: capability,
			Input:      input,
		})
		if err != nil {
			r.abandon(taskID, agentID, "encode dispatch: "+err.Error())
			return
		}
		_, err = e.client.Send(r.ctx, &bus.Message{
			Recipient:     agentID,
			Type:          bus.TypeDispatch,
			CorrelationID: attemptID,
			Deadline:      deadline,
			Payload:       payload,
		})
		if err != nil {
			e.registry.Release(agentID)
			if r.ctx.Err() != nil {
				return
			}
			if errors.Is(err, bus.ErrRecipientUnavailable) {
				slog.Warn("assigned agent silent, renegotiating",
					"workflow", wfID, "task", taskID, "agent", agentID)
			} else {
				slog.Error("dispatch send failed",
					"workflow", wfID, "task", taskID, "agent", agentID, "error", err)
			}
			r.transition(taskID, TaskReady, func(t *Task) {
				t.Excluded = appendExcluded(t.Excluded, agentID)
				t.AgentID = ""
			})
			continue
		}

		slog.Info("task dispatched", "workflow", wfID, "task", taskID, "agent", agentID)
		e.publishEvent(EventTaskDispatched, wfID, map[string]any{"task": taskID, "agent": agentID})

		out := r.await(taskID, attemptID, deadline)
		if !r.resolve(taskID, agentID, out) {
			return
		}
	}
}

// await blocks until the attempt produces an outcome. Results count
// regardless of which attempt sent them; everything else must carry
// the current attempt id.
func (r *workflowRun) await(taskID, attemptID string, deadline time.Time) outcome {
	ch := make(chan delivery, 8)
	r.mu.Lock()
	r.awaits[taskID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.awaits, taskID)
		r.mu.Unlock()
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return outcome{kind: outcomeCancelled}
		case <-timer.C:
			return outcome{kind: outcomeTimeout, errText: "dispatch deadline exceeded"}
		case d := <-ch:
			if d.m.Type == bus.TypeResult {
				return outcome{kind: outcomeResult, agent: d.m.Sender, output: d.p.Output}
			}
			if d.m.CorrelationID != attemptID {
				slog.Debug("stale reply ignored", "task", taskID, "type", d.m.Type, "sender", d.m.Sender)
				continue
			}
			switch d.m.Type {
			case bus.TypeAccept:
				slog.Debug("task accepted", "task", taskID, "agent", d.m.Sender)
			case bus.TypeReject:
				return outcome{kind: outcomeReject, agent: d.m.Sender, errText: d.p.Error}
			case bus.TypeFailure:
				return outcome{kind: outcomeFailure, agent: d.m.Sender, errText: d.p.Error}
			}
		}
	}
}

// resolve applies an attempt outcome. It reports whether the worker
// loop should keep running this task.
func (r *workflowRun) resolve(taskID, agentID string, out outcome) bool {
	e := r.engine

	switch out.kind {
	case outcomeCancelled:
		return false

	case outcomeResult:
		r.mu.Lock()
		t := r.wf.Tasks[taskID]
		if t == nil || t.State.Settled() {
			r.mu.Unlock()
			return false
		}
		t.State = TaskSucceeded
		t.Result = out.output
		t.Error = ""
		wfID := r.wf.ID
		if err := r.checkpointLocked(r.ctx); err != nil {
			slog.Error("settle checkpoint failed", "workflow", wfID, "task", taskID, "error", err)
		}
		r.mu.Unlock()

		e.registry.Release(out.agent)
		if agentID != "" && agentID != out.agent {
			e.registry.Release(agentID)
		}
		slog.Info("task succeeded", "workflow", wfID, "task", taskID, "agent", out.agent)
		e.publishEvent(EventTaskSettled, wfID, map[string]any{
			"task": taskID, "state": string(TaskSucceeded), "agent": out.agent,
		})
		return false

	case outcomeReject:
		// The agent refused the dispatch; that costs it the task but
		// does not burn a retry.
		e.registry.Release(out.agent)
		slog.Warn("task rejected by agent", "task", taskID, "agent", out.agent, "reason", out.errText)
		r.transition(taskID, TaskReady, func(t *Task) {
			t.Excluded = appendExcluded(t.Excluded, out.agent)
			t.AgentID = ""
		})
		return true

	case outcomeTimeout:
		e.registry.MarkSuspect(agentID)
		e.registry.Release(agentID)
		return r.failAttempt(taskID, agentID, out.errText)

	case outcomeFailure:
		e.registry.Release(agentID)
		return r.failAttempt(taskID, agentID, out.errText)
	}
	return false
}

// failAttempt burns one retry. Within budget the task goes back
// through negotiation with the failed agent excluded; beyond it the
// task is abandoned.
func (r *workflowRun) failAttempt(taskID, agentID, reason string) bool {
	r.mu.Lock()
	t := r.wf.Tasks[taskID]
	if t == nil || t.State.Settled() {
		r.mu.Unlock()
		return false
	}
	t.Retries++
	retries := t.Retries
	wfID := r.wf.ID
	if retries < r.engine.cfg.MaxRetries {
		t.State = TaskFailed
		t.Error = reason
		t.Excluded = appendExcluded(t.Excluded, agentID)
		t.AgentID = ""
		if err := r.checkpointLocked(r.ctx); err != nil {
			slog.Error("failure checkpoint failed", "workflow", wfID, "task", taskID, "error", err)
		}
		r.mu.Unlock()
		slog.Warn("task attempt failed, retrying",
			"workflow", wfID, "task", taskID, "agent", agentID, "retries", retries, "error", reason)
		return true
	}
	r.mu.Unlock()

	r.abandon(taskID, "", fmt.Sprintf("retries exhausted: %s", reason))
	return false
}

// abandon settles the task, cascades to its dependents and publishes
// the settlement events after the checkpoint lands.
func (r *workflowRun) abandon(taskID, agentID, reason string) {
	e := r.engine

	r.mu.Lock()
	t := r.wf.Tasks[taskID]
	if t == nil || t.State.Settled() {
		r.mu.Unlock()
		return
	}
	t.State = TaskAbandoned
	t.Error = reason
	t.AgentID = ""
	cascaded := cascadeAbandon(r.wf)
	wfID := r.wf.ID
	if err := r.checkpointLocked(r.ctx); err != nil {
		slog.Error("abandon checkpoint failed", "workflow", wfID, "task", taskID, "error", err)
	}
	r.mu.Unlock()

	if agentID != "" {
		e.registry.Release(agentID)
	}
	slog.Warn("task abandoned", "workflow", wfID, "task", taskID, "error", reason)
	e.publishEvent(EventTaskSettled, wfID, map[string]any{
		"task": taskID, "state": string(TaskAbandoned), "error": reason,
	})
	for _, id := range cascaded {
		e.publishEvent(EventTaskSettled, wfID, map[string]any{
			"task": id, "state": string(TaskAbandoned), "error": "dependency abandoned",
		})
	}
}

// settle derives the terminal workflow state, checkpoints it and
// drops the run from the resident set.
func (r *workflowRun) settle() {
	e := r.engine

	r.mu.Lock()
	if r.wf.State == WorkflowRunning {
		r.wf.State = deriveState(r.wf)
	}
	if r.wf.SettledAt.IsZero() {
		r.wf.SettledAt = time.Now().UTC()
	}
	wfID := r.wf.ID
	name := r.wf.Name
	state := r.wf.State
	outcomes := taskOutcomes(r.wf)
	if err := r.checkpointLocked(context.Background()); err != nil {
		slog.Error("settle checkpoint failed", "workflow", wfID, "error", err)
	}
	r.mu.Unlock()

	slog.Info("workflow settled", "workflow", wfID, "state", state)
	e.publishEvent(EventWorkflowSettled, wfID, map[string]any{"name": name, "state": string(state), "tasks": outcomes})

	e.mu.Lock()
	delete(e.runs, wfID)
	e.mu.Unlock()
	r.cancel()
}

// cancelRun abandons everything still unsettled and pins the workflow
// to cancelled. Idempotent.
func (r *workflowRun) cancelRun() error {
	e := r.engine

	r.mu.Lock()
	if r.wf.State.Terminal() {
		r.mu.Unlock()
		return nil
	}
	r.wf.State = WorkflowCancelled
	r.wf.SettledAt = time.Now().UTC()
	var release []string
	for _, t := range r.wf.Tasks {
		if t.State.Settled() {
			continue
		}
		if t.AgentID != "" {
			release = append(release, t.AgentID)
		}
		t.State = TaskAbandoned
		if t.Error == "" {
			t.Error = "workflow cancelled"
		}
	}
	wfID := r.wf.ID
	name := r.wf.Name
	outcomes := taskOutcomes(r.wf)
	err := r.checkpointLocked(context.Background())
	r.mu.Unlock()

	for _, agentID := range release {
		e.registry.Release(agentID)
	}
	r.cancel()

	slog.Info("workflow cancelled", "workflow", wfID)
	e.publishEvent(EventWorkflowSettled, wfID, map[string]any{"name": name, "state": string(WorkflowCancelled), "tasks": outcomes})

	e.mu.Lock()
	delete(e.runs, wfID)
	e.mu.Unlock()
	return err
}

// transition moves an unsettled task to a new state and checkpoints.
func (r *workflowRun) transition(taskID string, state TaskState, mutate func(*Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.wf.Tasks[taskID]
	if t == nil || t.State.Settled() || r.wf.State.Terminal() {
		return
	}
	t.State = state
	if mutate != nil {
		mutate(t)
	}
	if err := r.checkpointLocked(r.ctx); err != nil {
		slog.Error("checkpoint failed", "workflow", r.wf.ID, "task", taskID, "error", err)
	}
}

// checkpointLocked writes the workflow document. Callers hold r.mu. A
// version conflict means another writer touched the scope; the
// resident run is authoritative while it lives, so the engine reloads
// the version and writes again.
func (r *workflowRun) checkpointLocked(ctx context.Context) error {
	data, err := json.Marshal(r.wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	for {
		version, err := r.engine.store.PutIfVersion(ctx, scopeKey(r.wf.ID), r.version, data)
		if err == nil {
			r.version = version
			return nil
		}
		if !errors.Is(err, memory.ErrVersionConflict) {
			return fmt.Errorf("checkpoint %s: %w", r.wf.ID, err)
		}
		_, latest, err := r.engine.store.Get(ctx, scopeKey(r.wf.ID))
		if err != nil {
			return fmt.Errorf("reload checkpoint version %s: %w", r.wf.ID, err)
		}
		r.version = latest
	}
}

// deliver hands an agent reply to the awaiting worker, if any.
func (r *workflowRun) deliver(taskID string, m *bus.Message, p *SettlePayload) deliverState {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.wf.Tasks[taskID]
	if t == nil || t.State.Settled() || r.wf.State.Terminal() {
		return deliverSettled
	}
	ch, ok := r.awaits[taskID]
	if !ok {
		return deliverNoAwait
	}
	select {
	case ch <- delivery{m: m, p: p}:
		return deliverConsumed
	default:
		return deliverNoAwait
	}
}

// agentLost injects a synthetic failure for every task dispatched to
// an agent the registry just lost, so their awaits resolve without
// waiting out the deadline.
func (r *workflowRun) agentLost(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.wf.Tasks {
		if t.State != TaskDispatched || t.AgentID != agentID {
			continue
		}
		ch, ok := r.awaits[id]
		if !ok {
			continue
		}
		m := &bus.Message{Type: bus.TypeFailure, Sender: agentID, CorrelationID: t.AttemptID}
		p := &SettlePayload{WorkflowID: r.wf.ID, TaskID: id, Error: "agent unreachable"}
		select {
		case ch <- delivery{m: m, p: p}:
		default:
		}
	}
}

func (r *workflowRun) snapshot() *Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.clone()
}

func (r *workflowRun) wakeLoop() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func appendExcluded(excluded []string, agentID string) []string {
	if agentID == "" {
		return excluded
	}
	for _, id := range excluded {
		if id == agentID {
			return excluded
		}
	}
	return append(excluded, agentID)
}
