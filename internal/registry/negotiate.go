package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ivanmolanski/empire/internal/bus"
)

type candidate struct {
	id      string
	cost    float64
	quality float64
}

// BidRequest is broadcast to open a bid round. Only the listed
// candidates may answer; everyone else ignores the round.
type BidRequest struct {
	TaskID     string   `json:"task_id"`
	WorkflowID string   `json:"workflow_id"`
	Capability string   `json:"capability"`
	Candidates []string `json:"candidates"`
}

// BidReply is an agent's answer to a bid round, sent point-to-point
// to the registry with the round's correlation id.
type BidReply struct {
	AgentID string  `json:"agent_id"`
	Cost    float64 `json:"cost"`
	Quality float64 `json:"quality"`
}

// Negotiate picks an executor for one task attempt and marks it busy.
// No qualified candidate fails fast with ErrNoQualifiedAgent, a single
// candidate is assigned directly, and several candidates go through a
// bid round.
func (r *Registry) Negotiate(ctx context.Context, taskID, workflowID, capability string, exclude []string) (string, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	cands := r.candidates(capability, excluded)
	if len(cands) == 0 {
		return "", ErrNoQualifiedAgent
	}
	if len(cands) == 1 {
		if r.tryAssign(cands[0].id) {
			return cands[0].id, nil
		}
		return "", ErrNoQualifiedAgent
	}

	replies, err := r.bidRound(ctx, taskID, workflowID, capability, cands)
	if err != nil {
		return "", err
	}

	for _, b := range rank(replies) {
		if r.tryAssign(b.id) {
			slog.Info("bid round won", "task", taskID, "agent", b.id, "cost", b.cost)
			return b.id, nil
		}
	}
	if len(replies) == 0 {
		// Silence is a decline; with everyone silent the manifest
		// costs decide instead.
		for _, c := range rank(cands) {
			if r.tryAssign(c.id) {
				slog.Info("bid round silent, assigned by manifest cost", "task", taskID, "agent", c.id, "cost", c.cost)
				return c.id, nil
			}
		}
	}
	return "", ErrNoQualifiedAgent
}

func (r *Registry) bidRound(ctx context.Context, taskID, workflowID, capability string, cands []candidate) ([]candidate, error) {
	roundID := uuid.New().String()
	ch := make(chan BidReply, len(cands))

	r.roundMu.Lock()
	r.rounds[roundID] = ch
	r.roundMu.Unlock()
	defer func() {
		r.roundMu.Lock()
		delete(r.rounds, roundID)
		r.roundMu.Unlock()
	}()

	ids := make([]string, len(cands))
	allowed := make(map[string]bool, len(cands))
	for i, c := range cands {
		ids[i] = c.id
		allowed[c.id] = true
	}

	payload, err := json.Marshal(BidRequest{
		TaskID:     taskID,
		WorkflowID: workflowID,
		Capability: capability,
		Candidates: ids,
	})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(r.cfg.BidWindow)
	err = r.client.Broadcast(&bus.Message{
		Type:          bus.TypeBid,
		CorrelationID: roundID,
		Deadline:      deadline,
		Payload:       payload,
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var replies []candidate
	seen := make(map[string]bool, len(cands))
	for len(seen) < len(cands) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return replies, nil
		case b := <-ch:
			if !allowed[b.AgentID] || seen[b.AgentID] {
				continue
			}
			seen[b.AgentID] = true
			replies = append(replies, candidate{id: b.AgentID, cost: b.Cost, quality: b.Quality})
		}
	}
	return replies, nil
}

// handleBid routes an inbox bid reply to its open round. Replies that
// land after the window closes are dropped.
func (r *Registry) handleBid(m *bus.Message) {
	var b BidReply
	if err := json.Unmarshal(m.Payload, &b); err != nil {
		slog.Warn("malformed bid reply", "sender", m.Sender, "error", err)
		return
	}
	if b.AgentID == "" {
		b.AgentID = m.Sender
	}

	r.roundMu.Lock()
	ch, ok := r.rounds[m.CorrelationID]
	r.roundMu.Unlock()
	if !ok {
		slog.Debug("bid reply after round closed", "agent", b.AgentID, "round", m.CorrelationID)
		return
	}
	select {
	case ch <- b:
	default:
	}
}

// rank orders bids by cost, lowest first, with the agent id breaking
// ties so repeated rounds pick the same winner.
func rank(in []candidate) []candidate {
	out := make([]candidate, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		if out[i].cost != out[j].cost {
			return out[i].cost < out[j].cost
		}
		return out[i].id < out[j].id
	})
	return out
}
