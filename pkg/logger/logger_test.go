package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_DefaultsToInfoText(t *testing.T) {
	log := New(LoggingConfig{Level: "not-a-level"})
	if log.Logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %v", log.Logger.GetLevel())
	}
}

func TestNew_JSONFormat(t *testing.T) {
	log := New(LoggingConfig{Level: "debug", Format: "json"})

	var buf bytes.Buffer
	log.Logger.SetOutput(&buf)

	log.WithField("service", "database").Info("service initialized")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if record["service"] != "database" {
		t.Errorf("expected service field, got %v", record)
	}
}

func TestWithComponentAndCategory(t *testing.T) {
	log := NewDefault("orchestrator").WithCategory("startup")

	if log.Entry.Data["component"] != "orchestrator" {
		t.Errorf("component field missing: %v", log.Entry.Data)
	}
	if log.Entry.Data["category"] != "startup" {
		t.Errorf("category field missing: %v", log.Entry.Data)
	}
}

func TestWithComponent_EmptyIsNoop(t *testing.T) {
	log := New(LoggingConfig{})
	if got := log.WithComponent("  "); got != log {
		t.Error("empty component should return the same logger")
	}
}
