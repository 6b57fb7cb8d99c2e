package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"
)

const (
	topicOrchestrator = "ipc.orchestrator"
	topicRegistry     = "ipc.registry"
)

type ipcRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type ipcResponse struct {
	OK         bool           `json:"ok,omitempty"`
	Error      string         `json:"error,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	ID         string         `json:"id,omitempty"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
	Workflow   *workflowView  `json:"workflow,omitempty"`
	Agents     []agentView    `json:"agents,omitempty"`
	Schedules  []scheduleView `json:"schedules,omitempty"`
}

type workflowView struct {
	ID        string              `json:"id"`
	Name      string              `json:"name,omitempty"`
	State     string              `json:"state"`
	Tasks     map[string]taskView `json:"tasks"`
	CreatedAt time.Time           `json:"created_at"`
	SettledAt time.Time           `json:"settled_at"`
}

type taskView struct {
	Capability string          `json:"capability"`
	State      string          `json:"state"`
	Retries    int             `json:"retries"`
	AgentID    string          `json:"agent_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type agentView struct {
	ID           string           `json:"id"`
	Capabilities []capabilityView `json:"capabilities"`
	Availability string           `json:"availability"`
	LastSeen     time.Time        `json:"last_seen"`
}

type capabilityView struct {
	Name    string  `json:"name"`
	Cost    float64 `json:"cost"`
	Quality float64 `json:"quality"`
}

type scheduleView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

func sendIPC(natsURL, topic, reqType string, payload any) (*ipcResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(ipcRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(topic, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

// loadSpec reads a workflow definition written as YAML or JSON and
// re-encodes it as the JSON the orchestrator RPC expects.
func loadSpec(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse spec file: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	return out, nil
}

// formatSchedule renders the stored normal form the way an operator
// would have written it.
func formatSchedule(raw string) string {
	var doc struct {
		Kind       string `json:"kind"`
		CronExpr   string `json:"cron_expr"`
		IntervalMs int64  `json:"interval_ms"`
		AtMs       int64  `json:"at_ms"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return raw
	}
	switch doc.Kind {
	case "cron":
		return doc.CronExpr
	case "interval":
		return "@every " + (time.Duration(doc.IntervalMs) * time.Millisecond).String()
	case "once":
		return "@once " + time.UnixMilli(doc.AtMs).UTC().Format(time.RFC3339)
	}
	return raw
}

func formatCapabilities(caps []capabilityView) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = fmt.Sprintf("%s(%.1f)", c.Name, c.Cost)
	}
	return strings.Join(parts, " ")
}

func printWorkflow(w *workflowView) {
	name := w.Name
	if name == "" {
		name = "-"
	}
	fmt.Printf("%s  %s  [%s]\n", w.ID, name, w.State)

	ids := make([]string, 0, len(w.Tasks))
	for id := range w.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		task := w.Tasks[id]
		agent := task.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Printf("  %s  %s  agent=%s retries=%d\n", id, task.State, agent, task.Retries)
		if task.Error != "" {
			fmt.Printf("    error: %s\n", task.Error)
		}
		if len(task.Result) > 0 {
			fmt.Printf("    result: %s\n", task.Result)
		}
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  emctl submit --file <spec.yaml>")
	fmt.Fprintln(os.Stderr, "  emctl status --id <workflow-id>")
	fmt.Fprintln(os.Stderr, "  emctl cancel --id <workflow-id>")
	fmt.Fprintln(os.Stderr, "  emctl agents")
	fmt.Fprintln(os.Stderr, `  emctl schedule create --name "..." --at "<cron | @every 30m | @once 2026-01-02T15:04:05Z>" --file <spec.yaml>`)
	fmt.Fprintln(os.Stderr, "  emctl schedule list")
	fmt.Fprintln(os.Stderr, "  emctl schedule pause|resume|delete --id <schedule-id>")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("EMPIRE_NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "submit":
		args := parseArgs(rest)
		if args["file"] == "" {
			fatal("--file is required")
		}
		spec, err := loadSpec(args["file"])
		if err != nil {
			fatal("%v", err)
		}
		resp, err := sendIPC(natsURL, topicOrchestrator, "submit", spec)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Workflow submitted: %s\n", resp.WorkflowID)

	case "status":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		resp, err := sendIPC(natsURL, topicOrchestrator, "status", map[string]any{"workflow_id": args["id"]})
		if err != nil {
			fatal("%v", err)
		}
		if resp.Workflow == nil {
			fatal("empty status response")
		}
		printWorkflow(resp.Workflow)

	case "cancel":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		if _, err := sendIPC(natsURL, topicOrchestrator, "cancel", map[string]any{"workflow_id": args["id"]}); err != nil {
			fatal("%v", err)
		}
		fmt.Println("Workflow cancelled.")

	case "agents":
		resp, err := sendIPC(natsURL, topicRegistry, "agents", nil)
		if err != nil {
			fatal("%v", err)
		}
		if len(resp.Agents) == 0 {
			fmt.Println("No agents registered.")
			return
		}
		for _, a := range resp.Agents {
			seen := time.Since(a.LastSeen).Round(time.Second)
			fmt.Printf("  %s  %s  %s  (seen %s ago)\n", a.ID, a.Availability, formatCapabilities(a.Capabilities), seen)
		}

	case "schedule":
		runSchedule(natsURL, rest)

	default:
		fatal("unknown command: %s", command)
	}
}

func runSchedule(natsURL string, rest []string) {
	if len(rest) < 1 {
		usage()
	}

	sub := rest[0]
	args := parseArgs(rest[1:])

	switch sub {
	case "create":
		if args["name"] == "" || args["at"] == "" || args["file"] == "" {
			fatal("--name, --at, and --file are required")
		}
		spec, err := loadSpec(args["file"])
		if err != nil {
			fatal("%v", err)
		}
		resp, err := sendIPC(natsURL, topicOrchestrator, "create_schedule", map[string]any{
			"name":     args["name"],
			"schedule": args["at"],
			"spec":     spec,
		})
		if err != nil {
			fatal("%v", err)
		}
		next := ""
		if resp.NextRunAt != nil {
			next = ", next run " + resp.NextRunAt.Format(time.RFC3339)
		}
		fmt.Printf("Schedule created: %s%s\n", resp.ID, next)

	case "list":
		resp, err := sendIPC(natsURL, topicOrchestrator, "list_schedules", nil)
		if err != nil {
			fatal("%v", err)
		}
		if len(resp.Schedules) == 0 {
			fmt.Println("No schedules found.")
			return
		}
		for _, s := range resp.Schedules {
			next := "-"
			if s.NextRunAt != nil {
				next = s.NextRunAt.Format(time.RFC3339)
			}
			fmt.Printf("  %s  %s  %s  [%s]  next %s\n", s.ID, s.Status, s.Name, formatSchedule(s.Schedule), next)
			if s.LastError != "" {
				fmt.Printf("    last error: %s\n", s.LastError)
			}
		}

	case "delete", "pause", "resume":
		if args["id"] == "" {
			fatal("--id is required")
		}
		if _, err := sendIPC(natsURL, topicOrchestrator, sub+"_schedule", map[string]any{"id": args["id"]}); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Schedule %sd.\n", sub)

	default:
		fatal("unknown schedule command: %s", sub)
	}
}
