package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewJSONWritesStructuredEvents(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Debug().Uint16("session", 7).Msg("opened")

	var event map[string]any
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if event["app"] != "xblob" || event["message"] != "opened" || event["session"] != float64(7) {
		t.Fatalf("unexpected event %v", event)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info event leaked at warn level: %s", buf.String())
	}
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info().Msg("ready")
	if !strings.Contains(buf.String(), "ready") {
		t.Fatalf("console output missing message: %q", buf.String())
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
}

func TestOrNop(t *testing.T) {
	if got := OrNop(nil); got.GetLevel() != zerolog.Disabled {
		t.Fatalf("nil logger level = %v, want disabled", got.GetLevel())
	}
	l := zerolog.New(&bytes.Buffer{}).Level(zerolog.WarnLevel)
	if got := OrNop(&l); got.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("level = %v", got.GetLevel())
	}
}
