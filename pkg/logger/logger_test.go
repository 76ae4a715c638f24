package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileSinkFlushesOnSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gotchat.log")
	InitWithSink("debug", "file:"+path)
	Info("snapshot_applied", "room", "lobby", "messages", 3)
	Debug("echo_retired", "token", "t1")
	Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "snapshot_applied") || !strings.Contains(out, "room=lobby") {
		t.Fatalf("missing info record: %s", out)
	}
	if !strings.Contains(out, "echo_retired") {
		t.Fatalf("missing debug record: %s", out)
	}
}

func TestRedactHeaderValue(t *testing.T) {
	if got := redactHeaderValue("X-Gotchat-Admin-Key", "supersecret"); got != "s*****t" {
		t.Fatalf("admin key not masked: %s", got)
	}
	if got := redactHeaderValue("Content-Type", "application/json"); got != "application/json" {
		t.Fatalf("plain header changed: %s", got)
	}
}
