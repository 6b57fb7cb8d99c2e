package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidGraph wraps every structural rejection of a workflow spec.
var ErrInvalidGraph = errors.New("invalid workflow graph")

// validateSpec rejects graphs the engine cannot run: empty or
// duplicate ids, missing capabilities, unknown dependencies and
// cycles.
func validateSpec(spec WorkflowSpec) error {
	if len(spec.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidGraph)
	}

	ids := make(map[string]bool, len(spec.Tasks))
	for _, t := range spec.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task without an id", ErrInvalidGraph)
		}
		if ids[t.ID] {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidGraph, t.ID)
		}
		ids[t.ID] = true
		if t.Capability == "" {
			return fmt.Errorf("%w: task %q has no capability", ErrInvalidGraph, t.ID)
		}
	}

	edges := make(map[string][]string)
	inDegree := make(map[string]int, len(spec.Tasks))
	for _, t := range spec.Tasks {
		inDegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidGraph, t.ID, dep)
			}
			edges[dep] = append(edges[dep], t.ID)
			inDegree[t.ID]++
		}
	}

	// Topological sort using Kahn's algorithm; leftovers mean a cycle.
	queue := make([]string, 0, len(spec.Tasks))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, next := range edges[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(spec.Tasks) {
		return fmt.Errorf("%w: dependency cycle", ErrInvalidGraph)
	}
	return nil
}

func buildWorkflow(spec WorkflowSpec) *Workflow {
	wf := &Workflow{
		ID:        spec.ID,
		Name:      spec.Name,
		Tasks:     make(map[string]*Task, len(spec.Tasks)),
		State:     WorkflowRunning,
		CreatedAt: time.Now().UTC(),
	}
	for _, ts := range spec.Tasks {
		wf.Tasks[ts.ID] = &Task{
			ID:         ts.ID,
			Capability: ts.Capability,
			Input:      ts.Input,
			DependsOn:  ts.DependsOn,
			State:      TaskPending,
		}
	}
	return wf
}

// readyTasks lists pending tasks whose dependencies have all
// succeeded, in a stable order.
func readyTasks(wf *Workflow) []string {
	var out []string
	for id, t := range wf.Tasks {
		if t.State != TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if wf.Tasks[dep].State != TaskSucceeded {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// cascadeAbandon abandons every pending task that can no longer run
// because a dependency was abandoned, and returns the ids it settled.
// Abandonment propagates forward only.
func cascadeAbandon(wf *Workflow) []string {
	var settled []string
	for {
		changed := false
		for id, t := range wf.Tasks {
			if t.State != TaskPending {
				continue
			}
			for _, dep := range t.DependsOn {
				if wf.Tasks[dep].State == TaskAbandoned {
					t.State = TaskAbandoned
					t.Error = fmt.Sprintf("dependency %s abandoned", dep)
					settled = append(settled, id)
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}
	sort.Strings(settled)
	return settled
}

// deriveState recomputes the workflow state from its tasks. Cancelled
// is sticky and never recomputed.
func deriveState(wf *Workflow) WorkflowState {
	if wf.State == WorkflowCancelled {
		return WorkflowCancelled
	}
	succeeded, abandoned := 0, 0
	for _, t := range wf.Tasks {
		switch t.State {
		case TaskSucceeded:
			succeeded++
		case TaskAbandoned:
			abandoned++
		default:
			return WorkflowRunning
		}
	}
	switch {
	case abandoned == 0:
		return WorkflowCompleted
	case succeeded == 0:
		return WorkflowFailed
	default:
		return WorkflowPartiallyFailed
	}
}

// taskOutcomes flattens per-task results for the settlement event.
// Unsuccessful tasks carry their last error.
func taskOutcomes(wf *Workflow) map[string]string {
	out := make(map[string]string, len(wf.Tasks))
	for id, t := range wf.Tasks {
		s := string(t.State)
		if t.State != TaskSucceeded && t.Error != "" {
			s += ": " + t.Error
		}
		out[id] = s
	}
	return out
}
