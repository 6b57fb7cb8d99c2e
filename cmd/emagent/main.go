package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ivanmolanski/empire/internal/bus"
	"github.com/ivanmolanski/empire/internal/config"
	"github.com/ivanmolanski/empire/internal/orchestrator"
	"github.com/ivanmolanski/empire/internal/registry"
)

const (
	defaultNATSURL    = "nats://localhost:4222"
	heartbeatInterval = 15 * time.Second
	ipcTimeout        = 5 * time.Second
	replyTimeout      = 5 * time.Second
)

// manifest declares who this agent is and what it can do. Each
// capability is bound to one of the builtin executors.
type manifest struct {
	ID           string               `yaml:"id"`
	Capabilities []manifestCapability `yaml:"capabilities"`
}

type manifestCapability struct {
	Name    string  `yaml:"name"`
	Cost    float64 `yaml:"cost"`
	Quality float64 `yaml:"quality"`
	Builtin string  `yaml:"builtin"`
}

func loadManifest(path string) (manifest, error) {
	var man manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return man, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &man); err != nil {
		return man, fmt.Errorf("parse manifest: %w", err)
	}
	if man.ID == "" {
		return man, fmt.Errorf("manifest has no id")
	}
	if len(man.Capabilities) == 0 {
		return man, fmt.Errorf("manifest %s declares no capabilities", man.ID)
	}
	for i := range man.Capabilities {
		c := &man.Capabilities[i]
		if c.Name == "" {
			return man, fmt.Errorf("manifest %s: capability %d has no name", man.ID, i)
		}
		if c.Builtin == "" {
			c.Builtin = "echo"
		}
		if !knownBuiltin(c.Builtin) {
			return man, fmt.Errorf("manifest %s: capability %s: unknown builtin %q", man.ID, c.Name, c.Builtin)
		}
	}
	return man, nil
}

func knownBuiltin(name string) bool {
	switch name {
	case "echo", "upper", "sleep", "fail":
		return true
	}
	return false
}

// runBuiltin executes one dispatched task against the named builtin.
func runBuiltin(name string, input json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "echo":
		return input, nil
	case "upper":
		var doc struct {
			Text string `json:"text"`
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &doc); err != nil {
				return nil, fmt.Errorf("upper: %w", err)
			}
		}
		out, err := json.Marshal(map[string]string{"text": strings.ToUpper(doc.Text)})
		if err != nil {
			return nil, err
		}
		return out, nil
	case "sleep":
		var doc struct {
			Duration string `json:"duration"`
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &doc); err != nil {
				return nil, fmt.Errorf("sleep: %w", err)
			}
		}
		if doc.Duration == "" {
			return nil, fmt.Errorf("sleep: missing duration")
		}
		d, err := time.ParseDuration(doc.Duration)
		if err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
		time.Sleep(d)
		out, err := json.Marshal(map[string]string{"slept": d.String()})
		if err != nil {
			return nil, err
		}
		return out, nil
	case "fail":
		var doc struct {
			Reason string `json:"reason"`
		}
		if len(input) > 0 {
			_ = json.Unmarshal(input, &doc)
		}
		if doc.Reason == "" {
			doc.Reason = "builtin fail"
		}
		return nil, fmt.Errorf("%s", doc.Reason)
	}
	return nil, fmt.Errorf("unknown builtin %q", name)
}

type agent struct {
	client   *bus.Client
	man      manifest
	builtins map[string]string
	dedup    *bus.Deduper
}

func newAgent(client *bus.Client, man manifest, dedup *bus.Deduper) *agent {
	builtins := make(map[string]string, len(man.Capabilities))
	for _, c := range man.Capabilities {
		builtins[c.Name] = c.Builtin
	}
	return &agent{client: client, man: man, builtins: builtins, dedup: dedup}
}

func (a *agent) descriptor() registry.AgentDescriptor {
	caps := make([]registry.Capability, len(a.man.Capabilities))
	for i, c := range a.man.Capabilities {
		caps[i] = registry.Capability{Name: c.Name, Cost: c.Cost, Quality: c.Quality}
	}
	return registry.AgentDescriptor{ID: a.man.ID, Capabilities: caps}
}

func (a *agent) register() error {
	return a.ipc("register")
}

func (a *agent) deregister() {
	if err := a.ipc("deregister"); err != nil {
		slog.Debug("deregister failed", "error", err)
	}
}

// ipc sends one registry command over request-reply and surfaces the
// daemon's error field as a plain error.
func (a *agent) ipc(cmdType string) error {
	payload, err := json.Marshal(a.descriptor())
	if err != nil {
		return err
	}
	data, err := json.Marshal(registry.IPCCommand{Type: cmdType, Payload: payload})
	if err != nil {
		return err
	}
	msg, err := a.client.Request(bus.TopicIPCRegistry, data, ipcTimeout)
	if err != nil {
		return fmt.Errorf("%s rpc: %w", cmdType, err)
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", cmdType, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

// heartbeatLoop keeps the daemon's liveness record fresh. A daemon
// restart empties its registry, so a heartbeat bounced as unregistered
// triggers a re-register.
func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := a.ipc("heartbeat")
		if err == nil {
			continue
		}
		if strings.Contains(err.Error(), "unregistered") {
			slog.Warn("registry lost this agent, re-registering", "id", a.man.ID)
			if err := a.register(); err != nil {
				slog.Error("re-register failed", "error", err)
			}
			continue
		}
		slog.Debug("heartbeat rpc failed", "error", err)
	}
}

// handleDispatch runs one task. The accept goes out before the builtin
// starts so the orchestrator can tell a slow task from a dead agent.
// Duplicate deliveries of the same idempotency key are acknowledged
// without a second run.
func (a *agent) handleDispatch(m *bus.Message) error {
	if a.dedup.Seen(m.IdempotencyKey) {
		slog.Debug("duplicate dispatch dropped", "message", m.ID, "key", m.IdempotencyKey)
		return nil
	}

	var disp orchestrator.DispatchPayload
	if err := json.Unmarshal(m.Payload, &disp); err != nil {
		slog.Error("malformed dispatch dropped", "sender", m.Sender, "error", err)
		return nil
	}
	if !m.Deadline.IsZero() && time.Now().After(m.Deadline) {
		slog.Debug("expired dispatch dropped", "workflow", disp.WorkflowID, "task", disp.TaskID)
		return nil
	}

	builtin, ok := a.builtins[disp.Capability]
	if !ok {
		a.reply(m, bus.TypeReject, &orchestrator.SettlePayload{
			WorkflowID: disp.WorkflowID,
			TaskID:     disp.TaskID,
			Error:      fmt.Sprintf("capability %s not in manifest", disp.Capability),
		})
		return nil
	}

	slog.Info("dispatch accepted", "workflow", disp.WorkflowID, "task", disp.TaskID, "capability", disp.Capability)
	a.reply(m, bus.TypeAccept, &orchestrator.SettlePayload{WorkflowID: disp.WorkflowID, TaskID: disp.TaskID})

	output, err := runBuiltin(builtin, disp.Input)
	if err != nil {
		slog.Warn("task failed", "workflow", disp.WorkflowID, "task", disp.TaskID, "error", err)
		a.reply(m, bus.TypeFailure, &orchestrator.SettlePayload{
			WorkflowID: disp.WorkflowID,
			TaskID:     disp.TaskID,
			Error:      err.Error(),
		})
		return nil
	}

	slog.Info("task done", "workflow", disp.WorkflowID, "task", disp.TaskID)
	a.reply(m, bus.TypeResult, &orchestrator.SettlePayload{
		WorkflowID: disp.WorkflowID,
		TaskID:     disp.TaskID,
		Output:     output,
	})
	return nil
}

// handleBidRequest answers a bid round with this agent's manifest
// numbers. Rounds that do not list us, or arrived past their deadline,
// are ignored.
func (a *agent) handleBidRequest(m *bus.Message) {
	var req registry.BidRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return
	}
	if !slices.Contains(req.Candidates, a.man.ID) {
		return
	}
	if !m.Deadline.IsZero() && time.Now().After(m.Deadline) {
		return
	}

	var cost, quality float64
	found := false
	for _, c := range a.man.Capabilities {
		if c.Name == req.Capability {
			cost, quality = c.Cost, c.Quality
			found = true
			break
		}
	}
	if !found {
		return
	}

	payload, err := json.Marshal(registry.BidReply{AgentID: a.man.ID, Cost: cost, Quality: quality})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	_, err = a.client.Send(ctx, &bus.Message{
		Recipient:     m.Sender,
		Type:          bus.TypeBid,
		CorrelationID: m.CorrelationID,
		Payload:       payload,
	})
	if err != nil {
		slog.Debug("bid reply failed", "round", m.CorrelationID, "error", err)
	}
}

func (a *agent) reply(m *bus.Message, t bus.MessageType, settle *orchestrator.SettlePayload) {
	payload, err := json.Marshal(settle)
	if err != nil {
		slog.Error("marshal reply", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	_, err = a.client.Send(ctx, &bus.Message{
		Recipient:     m.Sender,
		Type:          t,
		CorrelationID: m.CorrelationID,
		Payload:       payload,
	})
	if err != nil {
		slog.Warn("reply send failed", "type", t, "task", settle.TaskID, "error", err)
	}
}

func run(manifestPath string) error {
	man, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	url := os.Getenv("EMPIRE_NATS_URL")
	if url == "" {
		url = defaultNATSURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := bus.Connect(ctx, url, man.ID, cfg.Bus)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer client.Close()
	slog.Info("connected to bus", "url", url, "endpoint", man.ID)

	dedup, err := bus.NewDeduper(cfg.Bus.DedupWindow)
	if err != nil {
		return err
	}
	defer dedup.Close()

	a := newAgent(client, man, dedup)

	isDispatch := func(m *bus.Message) bool { return m.Type == bus.TypeDispatch }
	stop, err := client.SubscribeInbox(ctx, isDispatch, a.handleDispatch)
	if err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	defer stop()

	if _, err := client.SubscribeBroadcast(bus.TypeBid, a.handleBidRequest); err != nil {
		return fmt.Errorf("subscribe bids: %w", err)
	}

	if err := a.register(); err != nil {
		return fmt.Errorf("register with daemon: %w", err)
	}
	slog.Info("agent registered", "id", man.ID, "capabilities", len(man.Capabilities))

	client.StartHeartbeat(ctx, heartbeatInterval)
	go a.heartbeatLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	a.deregister()
	return nil
}

func main() {
	var manifestPath string
	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "-f":
			if i+1 >= len(os.Args) {
				fmt.Fprintln(os.Stderr, "Error: missing value for -f")
				os.Exit(1)
			}
			i++
			manifestPath = os.Args[i]
		case "-h", "--help":
			printUsage()
			os.Exit(0)
		}
	}
	if manifestPath == "" {
		printUsage()
		os.Exit(1)
	}

	if err := run(manifestPath); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: emagent -f <manifest.yaml>

Runs one executor agent against an empire daemon. The manifest names
the agent and its capabilities:

  id: worker-1
  capabilities:
    - name: shout
      builtin: upper
      cost: 2
      quality: 0.9

Builtins: echo, upper, sleep, fail (default echo).

Environment:
  EMPIRE_NATS_URL   Bus address (default %s)
  EMPIRE_CONFIG     Optional daemon config for bus tuning
`, defaultNATSURL)
}
