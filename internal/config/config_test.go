package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Endpoint.BaseURL() != "http://localhost:4000" {
		t.Fatalf("expected development endpoint, got %s", cfg.Endpoint.BaseURL())
	}
	if cfg.Capture.SampleRate != 22050 || cfg.Capture.Channels != 1 {
		t.Fatalf("expected 22050 Hz mono capture, got %d/%d", cfg.Capture.SampleRate, cfg.Capture.Channels)
	}
	if cfg.Capture.MimeType != "audio/wav" {
		t.Fatalf("expected wav mime type, got %s", cfg.Capture.MimeType)
	}
	if cfg.Capture.Device != "exec" || !strings.Contains(cfg.Capture.Command, "arecord") {
		t.Fatalf("expected arecord capture by default, got %+v", cfg.Capture)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	data := []byte(`endpoint:
  target: production
  production_url: http://work.example:4000
capture:
  device: exec
  timeslice_ms: 250
journal:
  retention_mode: ephemeral
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Endpoint.BaseURL() != "http://work.example:4000" {
		t.Fatalf("expected production endpoint, got %s", cfg.Endpoint.BaseURL())
	}
	if cfg.Capture.Device != "exec" || cfg.Capture.TimesliceMS != 250 {
		t.Fatalf("unexpected capture config %+v", cfg.Capture)
	}
	if cfg.Capture.Command == "" {
		t.Fatal("expected default capture command to survive partial file")
	}
	if cfg.Journal.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral journal, got %s", cfg.Journal.RetentionMode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_ENDPOINT_TARGET", "production")
	t.Setenv("LOQA_ENDPOINT_PRODUCTION_URL", "http://10.0.0.5:4000")
	t.Setenv("LOQA_CAPTURE_SAMPLE_RATE", "16000")
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_JOURNAL_MAX_EVENTS", "50")
	t.Setenv("LOQA_CONSOLE_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Endpoint.BaseURL() != "http://10.0.0.5:4000" {
		t.Fatalf("expected production override, got %s", cfg.Endpoint.BaseURL())
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected sample rate override, got %d", cfg.Capture.SampleRate)
	}
	if !cfg.Bus.Enabled || !cfg.Bus.TLSInsecure {
		t.Fatal("expected bus overrides")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Journal.MaxEvents != 50 {
		t.Fatalf("expected max events override, got %d", cfg.Journal.MaxEvents)
	}
	if cfg.Console.Enabled {
		t.Fatal("expected console disabled")
	}
}

func TestValidateRejectsProductionWithoutURL(t *testing.T) {
	t.Setenv("LOQA_ENDPOINT_TARGET", "production")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when production url is missing")
	}
}

func TestValidateRejectsNonWavMime(t *testing.T) {
	cfg := Default()
	cfg.Capture.MimeType = "audio/webm"
	if err := validate(cfg); err == nil {
		t.Fatal("expected mime type validation error")
	}
}

func TestValidateExecNeedsCommand(t *testing.T) {
	cfg := Default()
	cfg.Capture.Device = "exec"
	cfg.Capture.Command = " "
	if err := validate(cfg); err == nil {
		t.Fatal("expected command validation error")
	}
}

func TestValidateRejectsSyntheticAgainstProduction(t *testing.T) {
	cfg := Default()
	cfg.Capture.Device = "synthetic"
	if err := validate(cfg); err != nil {
		t.Fatalf("synthetic capture should be allowed in development: %v", err)
	}
	cfg.Endpoint.Target = "production"
	cfg.Endpoint.ProductionURL = "http://work.example:4000"
	if err := validate(cfg); err == nil {
		t.Fatal("expected synthetic capture to be rejected for production")
	}
}
