package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("hello", "key", "value")

	out := buf.String()
	for _, want := range []string{"hello", `"key":"value"`, `"level":"INFO"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output: %s", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	log.Debug("dropped")
	if buf.Len() > 0 {
		t.Fatalf("info/debug leaked at warn level: %s", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn missing: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("dropped on the floor")
	log.With("k", "v").WithGroup("g").Info("still silent")
}

func TestWithAndGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.With("component", "sampler").Info("child")
	if !strings.Contains(buf.String(), `"component":"sampler"`) {
		t.Fatalf("With attr missing: %s", buf.String())
	}

	buf.Reset()
	log.WithGroup("run").Info("grouped", "step", 3)
	if !strings.Contains(buf.String(), "grouped") {
		t.Fatalf("grouped message missing: %s", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("context logger not used: %s", buf.String())
	}

	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelInfo}, // case-sensitive
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPrettyOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug)
	log.Debug("windows", "count", 4, "note", "two words")

	out := buf.String()
	if !strings.Contains(out, "windows") || !strings.Contains(out, "count=4") {
		t.Fatalf("pretty line malformed: %s", out)
	}
	if !strings.Contains(out, `note="two words"`) {
		t.Fatalf("string with spaces not quoted: %s", out)
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error disabled at warn level")
	}
}

func TestPrettyHandlerGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	log := slog.New(h.WithGroup("a").WithGroup("b").WithAttrs([]slog.Attr{slog.String("svc", "weft")}))
	log.Info("nested", "key", "val")

	out := buf.String()
	if !strings.Contains(out, "a.b.key=val") {
		t.Fatalf("nested group prefix missing: %s", out)
	}
	if !strings.Contains(out, "svc=weft") {
		t.Fatalf("handler attr missing: %s", out)
	}

	if h.WithGroup("") != slog.Handler(h) {
		t.Fatal("WithGroup(\"\") should return the receiver")
	}
}
