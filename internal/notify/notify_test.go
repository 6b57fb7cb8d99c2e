package notify

import (
	"testing"

	"github.com/ivanmolanski/empire/internal/orchestrator"
)

func TestChunkMessage(t *testing.T) {
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	msg := make([]byte, 4096)
	for i := range msg {
		msg[i] = 'a'
	}
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	msg = make([]byte, 8192)
	for i := range msg {
		msg[i] = 'a'
	}
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Prefer splitting at a newline past the halfway point.
	msg = make([]byte, 5000)
	for i := range msg {
		msg[i] = 'a'
	}
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 {
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

func TestSettleText(t *testing.T) {
	ev := orchestrator.Event{
		Type:       orchestrator.EventWorkflowSettled,
		WorkflowID: "0b49c2ff-1b9a-4e55-bb01-52d3c44c1d10",
		Data:       map[string]any{"name": "nightly-report", "state": "completed"},
	}
	if got := settleText(ev); got != "nightly-report [0b49c2ff] settled: completed" {
		t.Errorf("unexpected notification text %q", got)
	}

	ev.Data = map[string]any{"state": "failed"}
	if got := settleText(ev); got != "workflow [0b49c2ff] settled: failed" {
		t.Errorf("unexpected fallback text %q", got)
	}

	// Task outcomes render one sorted line each, as decoded from JSON.
	ev.Data = map[string]any{
		"name":  "nightly-report",
		"state": "partially-failed",
		"tasks": map[string]any{
			"fetch":   "succeeded",
			"publish": "abandoned: agent unreachable",
		},
	}
	want := "nightly-report [0b49c2ff] settled: partially-failed\n" +
		"fetch: succeeded\n" +
		"publish: abandoned: agent unreachable"
	if got := settleText(ev); got != want {
		t.Errorf("unexpected task outcome text %q", got)
	}
}
