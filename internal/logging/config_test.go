package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" info ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
	if _, ok := parseLevel(""); ok {
		t.Fatalf("expected empty level to be ignored")
	}
}

func TestEnvOverridesApply(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogBypass, "1")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if !cfg.Timestamp || !cfg.Bypass {
		t.Fatalf("expected timestamp and bypass overrides: %+v", cfg)
	}
}

func TestApplyBypassWritesJSON(t *testing.T) {
	prev := Logger()
	defer setLogger(prev)

	var buf bytes.Buffer
	apply(Config{Level: zerolog.DebugLevel, Bypass: true, Out: &buf})
	Debugf("hub.Hub.trace tid=%d", 42)
	Tracef("dropped below level")

	out := buf.String()
	if !strings.Contains(out, `"message":"hub.Hub.trace tid=42"`) {
		t.Fatalf("unexpected log output: %q", out)
	}
	if strings.Contains(out, "dropped below level") {
		t.Fatalf("trace line should be filtered: %q", out)
	}
}
