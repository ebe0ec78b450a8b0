package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"iaboard-pipeline/internal/config"

	"github.com/sirupsen/logrus"
)

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	l, err := New(config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if l.GetLogLevel() != "debug" {
		t.Fatalf("expected debug level, got %s", l.GetLogLevel())
	}
}

func TestNewRequiresFilePath(t *testing.T) {
	if _, err := New(config.LogConfig{Output: "both"}); err == nil {
		t.Fatal("expected error when file output has no path")
	}
}

func TestLogProviderFields(t *testing.T) {
	l := NewNop()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	l.LogProvider("gemini", "req-1", "timeout", 1500*time.Millisecond, errors.New("deadline"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, buf.String())
	}
	if entry["provider"] != "gemini" || entry["outcome"] != "timeout" {
		t.Fatalf("unexpected fields: %v", entry)
	}
	if entry["duration_ms"].(float64) != 1500 {
		t.Fatalf("expected duration_ms 1500, got %v", entry["duration_ms"])
	}
}

func TestSetLogLevelRejectsUnknown(t *testing.T) {
	if err := NewNop().SetLogLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLogServiceKeepsServiceField(t *testing.T) {
	l := NewNop()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.AddHook(newMetadataHook())

	l.LogService("scraper", "scrape_reference", 20*time.Millisecond, map[string]interface{}{"status_code": 200}, nil)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, buf.String())
	}
	if entry["service"] != "scraper" || entry["app"] != "iaboard-pipeline" {
		t.Fatalf("unexpected fields: %v", entry)
	}
	if entry["operation"] != "scrape_reference" || entry["duration_ms"].(float64) != 20 {
		t.Fatalf("unexpected fields: %v", entry)
	}
}
