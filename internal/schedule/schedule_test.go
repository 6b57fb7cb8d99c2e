package schedule

import (
	"fmt"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	raw := `{"kind":"cron","cron_expr":"0 9 * * *"}`
	s, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "cron" {
		t.Errorf("expected kind 'cron', got '%s'", s.Kind)
	}
	if s.CronExpr != "0 9 * * *" {
		t.Errorf("expected cron expr '0 9 * * *', got '%s'", s.CronExpr)
	}
}

func TestParseInterval(t *testing.T) {
	raw := `{"kind":"interval","interval_ms":60000}`
	s, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "interval" {
		t.Errorf("expected kind 'interval', got '%s'", s.Kind)
	}
	if s.IntervalMs != 60000 {
		t.Errorf("expected interval_ms 60000, got %d", s.IntervalMs)
	}
}

func TestNextCron(t *testing.T) {
	raw := `{"kind":"cron","cron_expr":"* * * * *"}`
	from := time.Now()
	next := Next(raw, from)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if !next.After(from) {
		t.Error("expected next run after the reference time")
	}
	if next.Sub(from) > time.Minute+time.Second {
		t.Errorf("every-minute cron should fire within a minute, got %v", next.Sub(from))
	}
}

func TestNextInterval(t *testing.T) {
	raw := `{"kind":"interval","interval_ms":60000}`
	from := time.Now()
	next := Next(raw, from)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if got := next.Sub(from); got != time.Minute {
		t.Errorf("expected next run 60s after reference, got %v", got)
	}
}

func TestNextOnce(t *testing.T) {
	now := time.Now()
	future := now.Add(1 * time.Hour).UnixMilli()
	raw := fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future)
	next := Next(raw, now)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}

	// A once schedule in the past never runs again.
	past := now.Add(-1 * time.Hour).UnixMilli()
	raw = fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past)
	next = Next(raw, now)
	if next != nil {
		t.Error("expected nil for past once schedule")
	}
}

func TestNextInvalid(t *testing.T) {
	if next := Next(`invalid json`, time.Now()); next != nil {
		t.Error("expected nil for invalid schedule")
	}
	if next := Next(`{"kind":"unknown"}`, time.Now()); next != nil {
		t.Error("expected nil for unknown kind")
	}
}

func TestNormalizePlainCron(t *testing.T) {
	result, err := Normalize("0 9 * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := Parse(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.Kind != "cron" {
		t.Errorf("expected kind 'cron', got '%s'", s.Kind)
	}
	if s.CronExpr != "0 9 * * *" {
		t.Errorf("expected cron_expr '0 9 * * *', got '%s'", s.CronExpr)
	}
}

func TestNormalizeEvery(t *testing.T) {
	result, err := Normalize("@every 5m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := Parse(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.Kind != "interval" {
		t.Errorf("expected kind 'interval', got '%s'", s.Kind)
	}
	if s.IntervalMs != (5 * time.Minute).Milliseconds() {
		t.Errorf("expected 300000 ms, got %d", s.IntervalMs)
	}

	if _, err := Normalize("@every nonsense"); err == nil {
		t.Error("expected error for unparsable duration")
	}
	if _, err := Normalize("@every -5m"); err == nil {
		t.Error("expected error for negative duration")
	}
}

func TestNormalizeOnce(t *testing.T) {
	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	result, err := Normalize("@once " + at.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := Parse(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.Kind != "once" {
		t.Errorf("expected kind 'once', got '%s'", s.Kind)
	}
	if s.AtMs != at.UnixMilli() {
		t.Errorf("expected at_ms %d, got %d", at.UnixMilli(), s.AtMs)
	}

	if _, err := Normalize("@once tomorrow"); err == nil {
		t.Error("expected error for unparsable time")
	}
}

func TestNormalizePassthroughJSON(t *testing.T) {
	input := `{"kind":"cron","cron_expr":"0 9 * * *"}`
	result, err := Normalize(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected passthrough, got '%s'", result)
	}
}

func TestNormalizeIntervalJSON(t *testing.T) {
	input := `{"kind":"interval","interval_ms":300000}`
	result, err := Normalize(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected passthrough, got '%s'", result)
	}
}

func TestNormalizeInvalid(t *testing.T) {
	if _, err := Normalize("not a cron"); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestNormalizeInvalidCronInJSON(t *testing.T) {
	if _, err := Normalize(`{"kind":"cron","cron_expr":"bad"}`); err == nil {
		t.Error("expected error for invalid cron in JSON")
	}
}

func TestNormalizeUnknownKind(t *testing.T) {
	if _, err := Normalize(`{"kind":"bogus"}`); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestNormalizeWithWhitespace(t *testing.T) {
	result, err := Normalize("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := Parse(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.CronExpr != "*/5 * * * *" {
		t.Errorf("expected trimmed cron, got '%s'", s.CronExpr)
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"kind":"cron","cron_expr":"0 9 * * *"}`, "0 9 * * *"},
		{`{"kind":"interval","interval_ms":3600000}`, "every hour"},
		{`{"kind":"interval","interval_ms":7200000}`, "every 2 hours"},
		{`{"kind":"interval","interval_ms":60000}`, "every minute"},
		{`{"kind":"interval","interval_ms":300000}`, "every 5 minutes"},
		{`{"kind":"interval","interval_ms":45000}`, "every 45 seconds"},
		{`not json`, "not json"},
	}
	for _, c := range cases {
		if got := Format(c.in); got != c.want {
			t.Errorf("Format(%s) = %q, want %q", c.in, got, c.want)
		}
	}
}
