package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ivanmolanski/empire/internal/bus"
	"github.com/ivanmolanski/empire/internal/config"
	"github.com/ivanmolanski/empire/internal/memory"
	"github.com/ivanmolanski/empire/internal/notify"
	"github.com/ivanmolanski/empire/internal/orchestrator"
	"github.com/ivanmolanski/empire/internal/registry"
	"github.com/ivanmolanski/empire/internal/scheduler"
)

var version = "dev"

const heartbeatInterval = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("empire %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	case "archive":
		if err := runArchive(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "memory":
		if err := runMemory(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: empire <command>\n\nCommands:\n  serve      Start the empire daemon\n  archive    Export a workflow's memory versions to a tar.zst archive\n  restore    Reinsert an archived workflow into the memory store\n  memory     Inspect and maintain the memory store\n  version    Print version\n")
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting empire daemon", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Versioned memory store
	store, err := memory.New(cfg.Memory)
	if err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}
	defer store.Close()
	slog.Info("memory store initialized", "path", cfg.Memory.Path, "sealed", cfg.Memory.SealPassphrase != "")

	// Embedded NATS with JetStream
	srv, err := bus.NewServer(cfg.Bus)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	defer srv.Close()
	slog.Info("bus started", "port", srv.Port())

	regClient, err := bus.NewClient(ctx, srv, "registry")
	if err != nil {
		return fmt.Errorf("connect registry client: %w", err)
	}
	defer regClient.Close()

	orchClient, err := bus.NewClient(ctx, srv, "orchestrator")
	if err != nil {
		return fmt.Errorf("connect orchestrator client: %w", err)
	}
	defer orchClient.Close()

	regClient.StartHeartbeat(ctx, heartbeatInterval)
	orchClient.StartHeartbeat(ctx, heartbeatInterval)

	// Agent registry and negotiation
	reg := registry.New(regClient, cfg.Negotiation)
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	// Workflow engine
	engine := orchestrator.NewEngine(orchClient, store, reg, cfg.Orchestrator)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer engine.Close()

	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover workflows: %w", err)
	}

	// Recurring workflow scheduler
	sched := scheduler.New(store, engine, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	if err := engine.ServeRPC(sched.Reload); err != nil {
		return fmt.Errorf("serve orchestrator rpc: %w", err)
	}

	// Dead-letter watcher
	stopDLQ, err := orchClient.WatchDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("watch dead letters: %w", err)
	}
	defer stopDLQ()

	// Memory compaction loop
	go store.CompactLoop(ctx, cfg.Memory.CompactInterval, memory.Policy{
		KeepVersions: cfg.Memory.KeepVersions,
		MinAge:       cfg.Memory.CompactMinAge,
	})

	// Telegram notifications
	if cfg.Notify.TelegramToken != "" {
		notifier, err := notify.New(cfg.Notify, orchClient)
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
		if err := notifier.Start(ctx); err != nil {
			return fmt.Errorf("start notifier: %w", err)
		}
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}
