package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	slog.New(h).Debug("Reserved address", "address", "10.0.0.5")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output %q: %v", buf.String(), err)
	}
	if rec["msg"] != "Reserved address" || rec["address"] != "10.0.0.5" {
		t.Fatalf("record = %v", rec)
	}

	buf.Reset()
	h, err = NewHandler(&buf, "", "")
	if err != nil {
		t.Fatalf("NewHandler() defaults error = %v", err)
	}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("default level enables debug")
	}
	slog.New(h).Info("Updated instance", "instance", "web/0")
	if !strings.Contains(buf.String(), "instance=web/0") {
		t.Fatalf("text output = %q", buf.String())
	}
}

func TestNewHandlerRejectsUnknown(t *testing.T) {
	if _, err := NewHandler(&bytes.Buffer{}, "verbose", "text"); err == nil {
		t.Fatal("NewHandler() with bad level: error = nil")
	}
	if _, err := NewHandler(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatal("NewHandler() with bad format: error = nil")
	}
}
