package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "registry"))
	log.Info("session registered", String("session", "s-1"), Int("roles", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "registry" || m["session"] != "s-1" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["message"] != "session registered" {
		t.Fatalf("message=%v", m["message"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatalf("info should be disabled")
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	th := NewThrottle(time.Hour)
	n := 0
	for i := 0; i < 5; i++ {
		th.Do(func() { n++ })
	}
	if n != 1 {
		t.Fatalf("throttle ran %d times, want 1", n)
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{"": true, "info": true, "Warning": true, "loud": false}
	for in, want := range cases {
		if got := ValidLevel(in); got != want {
			t.Fatalf("ValidLevel(%q)=%v want %v", in, got, want)
		}
	}
}
