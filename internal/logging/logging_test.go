package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(&buf, "debug", "json"), "scheduler")
	l.Debug("started", "threads", 3)

	out := buf.String()
	if !strings.Contains(out, `"component":"scheduler"`) {
		t.Errorf("missing component attribute: %s", out)
	}
	if !strings.Contains(out, `"threads":3`) {
		t.Errorf("missing threads attribute: %s", out)
	}
}

func TestNop_DiscardsEverything(t *testing.T) {
	l := OrNop(nil)
	if l.Enabled(context.Background(), slog.LevelError) {
		t.Error("nop logger should not be enabled")
	}
}
