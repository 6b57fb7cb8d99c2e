package orchestrator

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrWorkflowNotFound means no workflow with that id exists in memory
// or in the durable checkpoint scope.
var ErrWorkflowNotFound = errors.New("workflow not found")

// TaskState is the task lifecycle. Succeeded and abandoned are
// terminal; nothing moves a settled task again.
type TaskState string

const (
	TaskPending     TaskState = "pending"
	TaskReady       TaskState = "ready"
	TaskNegotiating TaskState = "negotiating"
	TaskDispatched  TaskState = "dispatched"
	TaskSucceeded   TaskState = "succeeded"
	TaskFailed      TaskState = "failed"
	TaskAbandoned   TaskState = "abandoned"
)

func (s TaskState) Settled() bool {
	return s == TaskSucceeded || s == TaskAbandoned
}

// WorkflowState is derived from the tasks, except cancelled which only
// an explicit cancel sets.
type WorkflowState string

const (
	WorkflowRunning         WorkflowState = "running"
	WorkflowCompleted       WorkflowState = "completed"
	WorkflowPartiallyFailed WorkflowState = "partially-failed"
	WorkflowFailed          WorkflowState = "failed"
	WorkflowCancelled       WorkflowState = "cancelled"
)

func (s WorkflowState) Terminal() bool {
	return s != WorkflowRunning
}

// TaskSpec is one node of a submitted workflow graph.
type TaskSpec struct {
	ID         string          `json:"id"`
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
}

// WorkflowSpec is a workflow submission. The task ids must form a DAG
// through their depends_on edges.
type WorkflowSpec struct {
	ID    string     `json:"id,omitempty"`
	Name  string     `json:"name,omitempty"`
	Tasks []TaskSpec `json:"tasks"`
}

// Task is the engine's live record of one graph node.
type Task struct {
	ID         string          `json:"id"`
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	State      TaskState       `json:"state"`
	Retries    int             `json:"retries"`
	AgentID    string          `json:"agent_id,omitempty"`
	Excluded   []string        `json:"excluded,omitempty"`
	AttemptID  string          `json:"attempt_id,omitempty"`
	Deadline   time.Time       `json:"deadline,omitzero"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Workflow is the checkpointed state of one run, stored as a single
// document under scope key workflow:<id>.
type Workflow struct {
	ID        string           `json:"id"`
	Name      string           `json:"name,omitempty"`
	Tasks     map[string]*Task `json:"tasks"`
	State     WorkflowState    `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	SettledAt time.Time        `json:"settled_at,omitzero"`
}

func (w *Workflow) clone() *Workflow {
	out := *w
	out.Tasks = make(map[string]*Task, len(w.Tasks))
	for id, t := range w.Tasks {
		tc := *t
		out.Tasks[id] = &tc
	}
	return &out
}

// DispatchPayload rides a dispatch envelope to the assigned agent.
type DispatchPayload struct {
	WorkflowID string          `json:"workflow_id"`
	TaskID     string          `json:"task_id"`
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// SettlePayload rides accept, reject, result and failure envelopes
// back from the agent.
type SettlePayload struct {
	WorkflowID string          `json:"workflow_id"`
	TaskID     string          `json:"task_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Event is published on the events subjects after the matching
// checkpoint lands.
type Event struct {
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

const (
	EventWorkflowStarted = "workflow_started"
	EventTaskDispatched  = "task_dispatched"
	EventTaskSettled     = "task_settled"
	EventWorkflowSettled = "workflow_settled"
)
