package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bus          BusConfig          `yaml:"bus"`
	Memory       MemoryConfig       `yaml:"memory"`
	Negotiation  NegotiationConfig  `yaml:"negotiation"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Notify       NotifyConfig       `yaml:"notify"`
}

type BusConfig struct {
	Port           int           `yaml:"port"`
	DataDir        string        `yaml:"data_dir"`
	AckWait        time.Duration `yaml:"ack_wait"`
	MaxRedeliver   int           `yaml:"max_redeliver"`
	LivenessWindow time.Duration `yaml:"liveness_window"`
	DedupWindow    time.Duration `yaml:"dedup_window"`
}

type MemoryConfig struct {
	Path            string        `yaml:"path"`
	KeepVersions    int           `yaml:"keep_versions"`
	CompactMinAge   time.Duration `yaml:"compact_min_age"`
	CompactInterval time.Duration `yaml:"compact_interval"`
	CacheMB         int64         `yaml:"cache_mb"`
	SealPassphrase  string        `yaml:"seal_passphrase"`
}

type NegotiationConfig struct {
	BidWindow      time.Duration `yaml:"bid_window"`
	LivenessWindow time.Duration `yaml:"liveness_window"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

type OrchestratorConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout"`
	MaxConcurrent     int64         `yaml:"max_concurrent"`
	NoAgentRetries    int           `yaml:"no_agent_retries"`
	NoAgentBackoff    time.Duration `yaml:"no_agent_backoff"`
	NoAgentBackoffMax time.Duration `yaml:"no_agent_backoff_max"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type NotifyConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	ChatID        int64  `yaml:"chat_id"`
}

func defaults() Config {
	return Config{
		Bus: BusConfig{
			Port:           4222,
			DataDir:        "data/nats",
			AckWait:        5 * time.Second,
			MaxRedeliver:   4,
			LivenessWindow: 45 * time.Second,
			DedupWindow:    10 * time.Minute,
		},
		Memory: MemoryConfig{
			Path:            "data/empire.db",
			KeepVersions:    20,
			CompactMinAge:   24 * time.Hour,
			CompactInterval: time.Hour,
			CacheMB:         64,
		},
		Negotiation: NegotiationConfig{
			BidWindow:      2 * time.Second,
			LivenessWindow: 45 * time.Second,
			SweepInterval:  15 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxRetries:        3,
			DispatchTimeout:   30 * time.Second,
			MaxConcurrent:     16,
			NoAgentRetries:    5,
			NoAgentBackoff:    time.Second,
			NoAgentBackoffMax: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("EMPIRE_CONFIG")
	if path == "" {
		path = "config/empire.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("EMPIRE_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := os.Getenv("EMPIRE_NOTIFY_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Notify.ChatID = id
		}
	}
	if v := os.Getenv("EMPIRE_SEAL_PASSPHRASE"); v != "" {
		cfg.Memory.SealPassphrase = v
	}
	if v := os.Getenv("EMPIRE_BUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bus.Port = port
		}
	}
	if v := os.Getenv("EMPIRE_MEMORY_PATH"); v != "" {
		cfg.Memory.Path = v
	}
	if v := os.Getenv("EMPIRE_BUS_DATA_DIR"); v != "" {
		cfg.Bus.DataDir = v
	}
}
