package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ivanmolanski/empire/internal/config"
	"github.com/ivanmolanski/empire/internal/memory"
	"github.com/ivanmolanski/empire/internal/orchestrator"
	"github.com/ivanmolanski/empire/internal/schedule"
)

// Submitter starts one workflow run. The orchestrator engine satisfies
// it.
type Submitter interface {
	Submit(ctx context.Context, spec orchestrator.WorkflowSpec) (string, error)
}

// Scheduler polls the memory store for due workflow schedules and
// submits them. Every run is a fresh workflow; the schedule row carries
// the outcome of the last submission.
type Scheduler struct {
	store        *memory.Store
	engine       Submitter
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(store *memory.Store, engine Submitter, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        store,
		engine:       engine,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// Reload makes the run loop poll immediately instead of waiting out the
// current tick. Called after schedules change.
func (s *Scheduler) Reload() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			s.poll(ctx)
			ticker.Reset(s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(time.Now().UTC())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, ws := range due {
		s.execute(ctx, ws)
	}
}

func (s *Scheduler) execute(ctx context.Context, ws memory.WorkflowSchedule) {
	slog.Info("submitting scheduled workflow", "schedule", ws.ID, "name", ws.Name)

	var spec orchestrator.WorkflowSpec
	if err := json.Unmarshal([]byte(ws.Spec), &spec); err != nil {
		// A spec that does not decode will never run; stop firing it.
		slog.Error("scheduled workflow spec undecodable", "schedule", ws.ID, "error", err)
		if err := s.store.UpdateScheduleRun(ws.ID, "error", err.Error(), nil); err != nil {
			slog.Error("failed to update schedule run", "schedule", ws.ID, "error", err)
		}
		if err := s.store.UpdateScheduleStatus(ws.ID, "error"); err != nil {
			slog.Error("failed to update schedule status", "schedule", ws.ID, "error", err)
		}
		return
	}

	// Each run is its own workflow.
	spec.ID = ""
	if spec.Name == "" {
		spec.Name = ws.Name
	}

	var lastStatus, lastError string
	workflowID, err := s.engine.Submit(ctx, spec)
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled submission failed", "schedule", ws.ID, "error", err)
	} else {
		lastStatus = "success"
		slog.Info("scheduled workflow submitted", "schedule", ws.ID, "workflow", workflowID)
	}

	next := schedule.Next(ws.Schedule, time.Now().UTC())
	if err := s.store.UpdateScheduleRun(ws.ID, lastStatus, lastError, next); err != nil {
		slog.Error("failed to update schedule run", "schedule", ws.ID, "error", err)
	}

	if next == nil {
		slog.Info("no next run, marking one-off schedule completed", "schedule", ws.ID, "name", ws.Name)
		if err := s.store.UpdateScheduleStatus(ws.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "schedule", ws.ID, "error", err)
		}
	}
}
