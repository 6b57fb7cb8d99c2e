package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ivanmolanski/empire/internal/bus"
	"github.com/ivanmolanski/empire/internal/config"
)

func testNegotiationConfig() config.NegotiationConfig {
	return config.NegotiationConfig{
		BidWindow:      300 * time.Millisecond,
		LivenessWindow: time.Second,
		SweepInterval:  100 * time.Millisecond,
	}
}

func newBusServer(t *testing.T) *bus.Server {
	t.Helper()

	srv, err := bus.NewServer(config.BusConfig{
		Port:         -1,
		DataDir:      t.TempDir(),
		AckWait:      2 * time.Second,
		MaxRedeliver: 5,
	})
	if err != nil {
		t.Fatalf("failed to start bus server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func newBusClient(t *testing.T, srv *bus.Server, endpoint string) *bus.Client {
	t.Helper()

	c, err := bus.NewClient(context.Background(), srv, endpoint)
	if err != nil {
		t.Fatalf("failed to connect %s: %v", endpoint, err)
	}
	t.Cleanup(c.Close)
	return c
}

func descriptor(id, capability string, cost float64) AgentDescriptor {
	return AgentDescriptor{
		ID:           id,
		Capabilities: []Capability{{Name: capability, Cost: cost, Quality: 0.9}},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New(nil, testNegotiationConfig())

	if err := r.Register(AgentDescriptor{}); err == nil {
		t.Fatal("expected error for empty agent id")
	}
	if err := r.Register(AgentDescriptor{ID: "a"}); err == nil {
		t.Fatal("expected error for empty capability list")
	}
	err := r.Register(AgentDescriptor{ID: "a", Capabilities: []Capability{{Cost: 1}}})
	if err == nil {
		t.Fatal("expected error for unnamed capability")
	}
}

func TestRegisterDeregister(t *testing.T) {
	r := New(nil, testNegotiationConfig())

	if err := r.Register(descriptor("agent-a", "translate", 2)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(descriptor("agent-b", "translate", 3)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	infos := r.Snapshot()
	if len(infos) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(infos))
	}
	for _, info := range infos {
		if info.Availability != Idle {
			t.Errorf("agent %s should start idle, got %s", info.ID, info.Availability)
		}
	}

	r.Deregister("agent-a")
	if len(r.Snapshot()) != 1 {
		t.Fatal("expected 1 agent after deregister")
	}
	if len(r.candidates("translate", nil)) != 1 {
		t.Fatal("deregistered agent still in capability index")
	}

	// Deregistering an unknown agent is a no-op.
	r.Deregister("agent-a")
}

func TestReRegisterReplacesManifest(t *testing.T) {
	r := New(nil, testNegotiationConfig())

	if err := r.Register(descriptor("agent-a", "translate", 2)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(descriptor("agent-a", "summarize", 1)); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	if len(r.candidates("translate", nil)) != 0 {
		t.Fatal("old capability survived re-registration")
	}
	if len(r.candidates("summarize", nil)) != 1 {
		t.Fatal("new capability missing after re-registration")
	}
	if len(r.Snapshot()) != 1 {
		t.Fatal("re-registration duplicated the agent")
	}
}

func TestAssignRelease(t *testing.T) {
	r := New(nil, testNegotiationConfig())

	if err := r.Register(descriptor("agent-a", "translate", 2)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if !r.tryAssign("agent-a") {
		t.Fatal("expected assignment of idle agent")
	}
	if r.tryAssign("agent-a") {
		t.Fatal("busy agent must not be assigned twice")
	}
	if len(r.candidates("translate", nil)) != 0 {
		t.Fatal("busy agent still listed as candidate")
	}

	r.Release("agent-a")
	if !r.tryAssign("agent-a") {
		t.Fatal("released agent should be assignable again")
	}

	if r.tryAssign("agent-missing") {
		t.Fatal("unknown agent must not be assignable")
	}
}

func TestSweepMarksUnreachable(t *testing.T) {
	r := New(nil, testNegotiationConfig())

	if err := r.Register(descriptor("agent-a", "translate", 2)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	lostCh := make(chan string, 1)
	r.OnUnreachable(func(agentID string) { lostCh <- agentID })

	if lost := r.Sweep(time.Hour); len(lost) != 0 {
		t.Fatalf("fresh agent swept: %v", lost)
	}

	time.Sleep(20 * time.Millisecond)
	lost := r.Sweep(10 * time.Millisecond)
	if len(lost) != 1 || lost[0] != "agent-a" {
		t.Fatalf("expected agent-a swept, got %v", lost)
	}

	select {
	case id := <-lostCh:
		if id != "agent-a" {
			t.Fatalf("listener got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("unreachable listener never fired")
	}

	// A second sweep must not report the same agent again.
	if lost := r.Sweep(10 * time.Millisecond); len(lost) != 0 {
		t.Fatalf("agent swept twice: %v", lost)
	}
	if r.Available("agent-a") {
		t.Fatal("unreachable agent reported available")
	}

	// Release must not resurrect an unreachable agent.
	r.Release("agent-a")
	if len(r.candidates("translate", nil)) != 0 {
		t.Fatal("unreachable agent came back without a heartbeat")
	}

	if err := r.Heartbeat("agent-a"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if len(r.candidates("translate", nil)) != 1 {
		t.Fatal("heartbeat should restore the agent to idle")
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	r := New(nil, testNegotiationConfig())

	if err := r.Heartbeat("ghost"); err == nil {
		t.Fatal("expected error for unregistered agent")
	}
}

func TestNegotiateNoQualifiedAgent(t *testing.T) {
	r := New(nil, testNegotiationConfig())
	ctx := context.Background()

	_, err := r.Negotiate(ctx, "t1", "w1", "translate", nil)
	if !errors.Is(err, ErrNoQualifiedAgent) {
		t.Fatalf("expected ErrNoQualifiedAgent, got %v", err)
	}

	if err := r.Register(descriptor("agent-a", "translate", 2)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// The only qualified agent is excluded.
	_, err = r.Negotiate(ctx, "t1", "w1", "translate", []string{"agent-a"})
	if !errors.Is(err, ErrNoQualifiedAgent) {
		t.Fatalf("expected ErrNoQualifiedAgent, got %v", err)
	}

	// A busy agent is not a candidate either.
	if !r.tryAssign("agent-a") {
		t.Fatal("assignment failed")
	}
	_, err = r.Negotiate(ctx, "t1", "w1", "translate", nil)
	if !errors.Is(err, ErrNoQualifiedAgent) {
		t.Fatalf("expected ErrNoQualifiedAgent, got %v", err)
	}
}

func TestNegotiateSingleCandidate(t *testing.T) {
	r := New(nil, testNegotiationConfig())
	ctx := context.Background()

	if err := r.Register(descriptor("agent-a", "translate", 2)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	agentID, err := r.Negotiate(ctx, "t1", "w1", "translate", nil)
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if agentID != "agent-a" {
		t.Fatalf("expected agent-a, got %s", agentID)
	}

	// The winner stays busy until released.
	for _, info := range r.Snapshot() {
		if info.ID == "agent-a" && info.Availability != Busy {
			t.Fatalf("winner availability = %s, want busy", info.Availability)
		}
	}
}

func TestNegotiateBidRound(t *testing.T) {
	srv := newBusServer(t)
	client := newBusClient(t, srv, "registry")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(client, testNegotiationConfig())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("failed to start registry: %v", err)
	}

	if err := r.Register(descriptor("agent-a", "translate", 5)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(descriptor("agent-b", "translate", 5)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// The bidders answer with live costs that differ from the
	// manifest: agent-b is cheaper right now.
	startBidder(t, srv, "agent-a", 5)
	startBidder(t, srv, "agent-b", 3)

	agentID, err := r.Negotiate(ctx, "t1", "w1", "translate", nil)
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if agentID != "agent-b" {
		t.Fatalf("expected cheapest bidder agent-b, got %s", agentID)
	}
}

func TestNegotiateBidTieBreak(t *testing.T) {
	srv := newBusServer(t)
	client := newBusClient(t, srv, "registry")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(client, testNegotiationConfig())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("failed to start registry: %v", err)
	}

	if err := r.Register(descriptor("agent-b", "translate", 4)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(descriptor("agent-a", "translate", 4)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	startBidder(t, srv, "agent-a", 4)
	startBidder(t, srv, "agent-b", 4)

	agentID, err := r.Negotiate(ctx, "t1", "w1", "translate", nil)
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if agentID != "agent-a" {
		t.Fatalf("tie must break to the smaller agent id, got %s", agentID)
	}
}

func TestNegotiateSilentRoundUsesManifest(t *testing.T) {
	srv := newBusServer(t)
	client := newBusClient(t, srv, "registry")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testNegotiationConfig()
	cfg.BidWindow = 150 * time.Millisecond
	r := New(client, cfg)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("failed to start registry: %v", err)
	}

	if err := r.Register(descriptor("agent-a", "translate", 7)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(descriptor("agent-b", "translate", 2)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	agentID, err := r.Negotiate(ctx, "t1", "w1", "translate", nil)
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if agentID != "agent-b" {
		t.Fatalf("manifest fallback should pick agent-b, got %s", agentID)
	}
}

func TestHeartbeatBroadcastReachesRegistry(t *testing.T) {
	srv := newBusServer(t)
	client := newBusClient(t, srv, "registry")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(client, testNegotiationConfig())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("failed to start registry: %v", err)
	}
	if err := r.Register(descriptor("agent-a", "translate", 2)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	before := r.Snapshot()[0].LastSeen

	agent := newBusClient(t, srv, "agent-a")
	agent.StartHeartbeat(ctx, 50*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		if r.Snapshot()[0].LastSeen.After(before) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat broadcast never refreshed last seen")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRankTieBreak(t *testing.T) {
	ranked := rank([]candidate{
		{id: "c", cost: 2},
		{id: "a", cost: 2},
		{id: "b", cost: 1},
	})

	want := []string{"b", "a", "c"}
	for i, c := range ranked {
		if c.id != want[i] {
			t.Fatalf("rank order %d = %s, want %s", i, c.id, want[i])
		}
	}
}

func TestManifestDiff(t *testing.T) {
	before := AgentDescriptor{ID: "a", Capabilities: []Capability{{Name: "x"}, {Name: "y"}}}
	after := AgentDescriptor{ID: "a", Capabilities: []Capability{{Name: "y"}, {Name: "z"}}}

	added, removed := manifestDiff(before, after)
	if len(added) != 1 || added[0] != "z" {
		t.Fatalf("added = %v", added)
	}
	if len(removed) != 1 || removed[0] != "x" {
		t.Fatalf("removed = %v", removed)
	}
}

// startBidder answers every bid round that names this agent with a
// fixed cost.
func startBidder(t *testing.T, srv *bus.Server, agentID string, cost float64) {
	t.Helper()

	client := newBusClient(t, srv, agentID)
	_, err := client.SubscribeBroadcast(bus.TypeBid, func(m *bus.Message) {
		var req BidRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			return
		}
		named := false
		for _, id := range req.Candidates {
			if id == agentID {
				named = true
				break
			}
		}
		if !named {
			return
		}
		payload, err := json.Marshal(BidReply{AgentID: agentID, Cost: cost, Quality: 0.9})
		if err != nil {
			return
		}
		_, err = client.Send(context.Background(), &bus.Message{
			Recipient:     m.Sender,
			Type:          bus.TypeBid,
			CorrelationID: m.CorrelationID,
			Payload:       payload,
		})
		if err != nil {
			t.Logf("bid reply failed: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("failed to start bidder %s: %v", agentID, err)
	}
}
