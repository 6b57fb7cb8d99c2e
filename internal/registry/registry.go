package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ivanmolanski/empire/internal/bus"
	"github.com/ivanmolanski/empire/internal/config"
)

// ErrNoQualifiedAgent means no idle agent declares the required
// capability (or every qualified one was excluded or lost the
// assignment race).
var ErrNoQualifiedAgent = errors.New("no qualified agent")

// Availability is the agent's scheduling state. Transitions run only
// through Register, Heartbeat, assignment and Release, so an agent can
// never be double-booked.
type Availability string

const (
	Idle        Availability = "idle"
	Busy        Availability = "busy"
	Unreachable Availability = "unreachable"
)

// Capability is one named skill with the agent's self-reported cost
// and quality estimates for it.
type Capability struct {
	Name    string  `json:"name"`
	Cost    float64 `json:"cost"`
	Quality float64 `json:"quality"`
}

// AgentDescriptor is the registered identity of an executor.
type AgentDescriptor struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
}

// AgentInfo is a point-in-time view of one agent for status output.
type AgentInfo struct {
	AgentDescriptor
	Availability Availability `json:"availability"`
	LastSeen     time.Time    `json:"last_seen"`
}

type agentState struct {
	desc         AgentDescriptor
	availability Availability
	lastSeen     time.Time
}

// UnreachableListener fires when the liveness sweep moves an agent to
// unreachable, so the orchestrator can re-negotiate its tasks.
type UnreachableListener func(agentID string)

// Registry owns the capability index and every availability
// transition.
type Registry struct {
	client *bus.Client
	cfg    config.NegotiationConfig

	mu           sync.RWMutex
	agents       map[string]*agentState
	byCapability map[string]map[string]struct{}

	listenerMu sync.RWMutex
	listeners  []UnreachableListener

	roundMu sync.Mutex
	rounds  map[string]chan BidReply
}

func New(client *bus.Client, cfg config.NegotiationConfig) *Registry {
	return &Registry{
		client:       client,
		cfg:          cfg,
		agents:       make(map[string]*agentState),
		byCapability: make(map[string]map[string]struct{}),
		rounds:       make(map[string]chan BidReply),
	}
}

func (r *Registry) Register(desc AgentDescriptor) error {
	if desc.ID == "" {
		return fmt.Errorf("register: empty agent id")
	}
	if len(desc.Capabilities) == 0 {
		return fmt.Errorf("register %s: no capabilities", desc.ID)
	}
	for _, c := range desc.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("register %s: capability without a name", desc.ID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.agents[desc.ID]; ok {
		if added, removed := manifestDiff(prev.desc, desc); len(added)+len(removed) > 0 {
			slog.Info("agent manifest changed", "agent", desc.ID, "added", added, "removed", removed)
		}
		r.dropFromIndex(prev.desc)
	}

	r.agents[desc.ID] = &agentState{
		desc:         desc,
		availability: Idle,
		lastSeen:     time.Now(),
	}
	for _, c := range desc.Capabilities {
		set, ok := r.byCapability[c.Name]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[c.Name] = set
		}
		set[desc.ID] = struct{}{}
	}

	slog.Info("agent registered", "agent", desc.ID, "capabilities", len(desc.Capabilities))
	return nil
}

func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agents[agentID]
	if !ok {
		return
	}
	r.dropFromIndex(st.desc)
	delete(r.agents, agentID)
	slog.Info("agent deregistered", "agent", agentID)
}

// Heartbeat refreshes liveness. An unreachable agent that heartbeats
// again returns to idle; busy agents stay busy.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("heartbeat from unregistered agent %s", agentID)
	}
	st.lastSeen = time.Now()
	if st.availability == Unreachable {
		st.availability = Idle
		slog.Info("agent reachable again", "agent", agentID)
	}
	return nil
}

// Release returns a busy agent to idle once its task settles. This is
// the only path out of busy; unreachable agents stay unreachable until
// they heartbeat.
func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agents[agentID]
	if !ok {
		return
	}
	if st.availability == Busy {
		st.availability = Idle
	}
}

// MarkSuspect moves an agent to unreachable after a dispatch deadline
// expired without a word from it. The next heartbeat restores it.
func (r *Registry) MarkSuspect(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agents[agentID]
	if !ok || st.availability == Unreachable {
		return
	}
	st.availability = Unreachable
	slog.Warn("agent suspected stuck", "agent", agentID)
}

// tryAssign flips one agent idle to busy. It reports false when the
// agent raced to busy or went unreachable since candidate selection.
func (r *Registry) tryAssign(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agents[agentID]
	if !ok || st.availability != Idle {
		return false
	}
	st.availability = Busy
	return true
}

// candidates returns the idle agents declaring the capability, minus
// exclusions, with their manifest cost for it.
func (r *Registry) candidates(capability string, exclude map[string]bool) []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []candidate
	for id := range r.byCapability[capability] {
		if exclude[id] {
			continue
		}
		st := r.agents[id]
		if st == nil || st.availability != Idle {
			continue
		}
		for _, c := range st.desc.Capabilities {
			if c.Name == capability {
				out = append(out, candidate{id: id, cost: c.Cost, quality: c.Quality})
				break
			}
		}
	}
	return out
}

func (r *Registry) Snapshot() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(r.agents))
	for _, st := range r.agents {
		infos = append(infos, AgentInfo{
			AgentDescriptor: st.desc,
			Availability:    st.availability,
			LastSeen:        st.lastSeen,
		})
	}
	return infos
}

// Available reports whether the agent is registered and not
// unreachable.
func (r *Registry) Available(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.agents[agentID]
	return ok && st.availability != Unreachable
}

func (r *Registry) OnUnreachable(listener UnreachableListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Sweep moves agents silent past the window to unreachable and
// returns them.
func (r *Registry) Sweep(window time.Duration) []string {
	r.mu.Lock()
	var lost []string
	now := time.Now()
	for id, st := range r.agents {
		if st.availability == Unreachable {
			continue
		}
		if now.Sub(st.lastSeen) > window {
			st.availability = Unreachable
			lost = append(lost, id)
		}
	}
	r.mu.Unlock()

	for _, id := range lost {
		slog.Warn("agent unreachable", "agent", id)
		r.listenerMu.RLock()
		listeners := r.listeners
		r.listenerMu.RUnlock()
		for _, fn := range listeners {
			fn(id)
		}
	}
	return lost
}

// SweepLoop runs Sweep on the configured interval until the context
// ends.
func (r *Registry) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.cfg.LivenessWindow)
		}
	}
}

func (r *Registry) dropFromIndex(desc AgentDescriptor) {
	for _, c := range desc.Capabilities {
		if set, ok := r.byCapability[c.Name]; ok {
			delete(set, desc.ID)
			if len(set) == 0 {
				delete(r.byCapability, c.Name)
			}
		}
	}
}

func manifestDiff(prev, next AgentDescriptor) (added, removed []string) {
	prevSet := make(map[string]bool, len(prev.Capabilities))
	for _, c := range prev.Capabilities {
		prevSet[c.Name] = true
	}
	nextSet := make(map[string]bool, len(next.Capabilities))
	for _, c := range next.Capabilities {
		nextSet[c.Name] = true
		if !prevSet[c.Name] {
			added = append(added, c.Name)
		}
	}
	for _, c := range prev.Capabilities {
		if !nextSet[c.Name] {
			removed = append(removed, c.Name)
		}
	}
	return added, removed
}
