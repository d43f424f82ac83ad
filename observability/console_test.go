package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestConsoleHandler_Tags(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewConsoleHandler(&buf, slog.LevelDebug))

	logger.Debug("probing")
	logger.Info("migration started")
	logger.Warn("migration skipped", "migration", "002_b")
	logger.Error("migration failed", "error", errors.New("syntax error at end of input"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"[migrate:info] probing",
		"[migrate:info] migration started",
		"[migrate:warn] migration skipped migration=002_b",
		`[migrate:error] migration failed error="syntax error at end of input"`,
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %q", len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestConsoleHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewConsoleHandler(&buf, slog.LevelWarn))
	logger.Info("hidden")
	logger.Warn("shown")
	if got := buf.String(); got != "[migrate:warn] shown\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestConsoleHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewConsoleHandler(&buf, nil)).
		With("run_id", "r1").
		WithGroup("ledger").
		With("table", "__migrations_history")

	logger.Info("recorded", "count", 3, slog.Group("batch", "size", 2))

	want := "[migrate:info] recorded run_id=r1 ledger.table=__migrations_history ledger.count=3 ledger.batch.size=2\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTag(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, TagInfo},
		{slog.LevelInfo, TagInfo},
		{slog.LevelWarn, TagWarn},
		{slog.LevelError, TagError},
		{slog.LevelError + 4, TagError},
	}
	for _, tt := range tests {
		if got := Tag(tt.level); got != tt.want {
			t.Errorf("Tag(%v) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	for _, format := range []string{"", "console", "text", "json"} {
		if _, err := NewLogger(&buf, "info", format); err != nil {
			t.Errorf("format %q: %v", format, err)
		}
	}
	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := NewLogger(&buf, "loud", "console"); err == nil {
		t.Error("expected error for unknown level")
	}

	buf.Reset()
	logger, err := NewLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("unexpected json output %q", out)
	}
}
