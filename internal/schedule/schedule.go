package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule is the normal form every schedule is stored in.
type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // if kind=cron
	IntervalMs int64  `json:"interval_ms,omitempty"` // if kind=interval
	AtMs       int64  `json:"at_ms,omitempty"`       // unix ms, if kind=once
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Normalize accepts a normal-form JSON document, an "@every <duration>"
// or "@once <RFC3339>" shorthand, or a plain cron expression, and
// returns the validated normal form.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		switch s.Kind {
		case "cron":
			if !gronx.New().IsValid(s.CronExpr) {
				return "", fmt.Errorf("invalid cron expression: %s", s.CronExpr)
			}
		case "interval":
			if s.IntervalMs <= 0 {
				return "", fmt.Errorf("interval_ms must be positive")
			}
		case "once":
			if s.AtMs <= 0 {
				return "", fmt.Errorf("at_ms must be positive")
			}
		default:
			return "", fmt.Errorf("unknown schedule kind: %s", s.Kind)
		}
		return raw, nil
	}

	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return "", fmt.Errorf("invalid @every duration: %w", err)
		}
		if d <= 0 {
			return "", fmt.Errorf("@every duration must be positive")
		}
		return marshal(Schedule{Kind: "interval", IntervalMs: d.Milliseconds()})
	}
	if rest, ok := strings.CutPrefix(raw, "@once "); ok {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(rest))
		if err != nil {
			return "", fmt.Errorf("invalid @once time: %w", err)
		}
		return marshal(Schedule{Kind: "once", AtMs: at.UnixMilli()})
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not a schedule document, @every, @once or cron expression: %s", raw)
	}
	return marshal(Schedule{Kind: "cron", CronExpr: raw})
}

func marshal(s Schedule) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Next computes the first run strictly after from. Nil means the
// schedule has no further runs.
func Next(scheduleJSON string, from time.Time) *time.Time {
	s, err := Parse(scheduleJSON)
	if err != nil {
		return nil
	}

	switch s.Kind {
	case "cron":
		next, err := gronx.NextTickAfter(s.CronExpr, from, false)
		if err != nil {
			return nil
		}
		return &next
	case "interval":
		next := from.Add(time.Duration(s.IntervalMs) * time.Millisecond)
		return &next
	case "once":
		at := time.UnixMilli(s.AtMs)
		if at.After(from) {
			return &at
		}
		return nil
	}
	return nil
}

// Format returns a human-readable description of a schedule document.
func Format(scheduleJSON string) string {
	s, err := Parse(scheduleJSON)
	if err != nil {
		return scheduleJSON
	}

	switch s.Kind {
	case "cron":
		return s.CronExpr
	case "interval":
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "every hour"
			}
			return fmt.Sprintf("every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "every minute"
			}
			return fmt.Sprintf("every %d minutes", m)
		default:
			return fmt.Sprintf("every %d seconds", int(d.Seconds()))
		}
	case "once":
		return "once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	default:
		return scheduleJSON
	}
}
