package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "monitor"))
	log.Info("cycle done", Int("entities", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "monitor" {
		t.Fatalf("comp = %v, want monitor", m["comp"])
	}
	if m["entities"] != float64(3) {
		t.Fatalf("entities = %v, want 3", m["entities"])
	}
	if m["message"] != "cycle done" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestWriterLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn line, got %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens", Err(nil))
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestServiceApplySwitchesToFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedwatch.log")
	svc, log := New(Config{Level: "info", Console: false, File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("to file", String("entity", "42"))
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"entity":"42"`) {
		t.Fatalf("file sink missing field: %q", string(b))
	}

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered")
	b, _ = os.ReadFile(path)
	if strings.Contains(string(b), "filtered") {
		t.Fatal("level change was not applied")
	}
}

func TestDomainFieldsNeverLeakSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug")
	log.Info("credential updated", Entity(546195), Secret("sessdata", "abc,123"), Secret("token", " "))

	line := buf.String()
	if strings.Contains(line, "abc,123") {
		t.Fatalf("secret value leaked: %s", line)
	}
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["entity"] != float64(546195) {
		t.Fatalf("entity = %v", m["entity"])
	}
	if m["sessdata_set"] != true || m["token_set"] != false {
		t.Fatalf("secret flags = %v / %v", m["sessdata_set"], m["token_set"])
	}
}
