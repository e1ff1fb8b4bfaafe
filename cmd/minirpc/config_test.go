package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Fatalf("expect defaults, got %+v", cfg)
	}
}

func TestLoadConfigMerge(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 0
  maxBodySize: 4096
  writeTimeout: 2s
  etcd: ["10.0.0.1:2379", "10.0.0.2:2379"]
  service: store
  rateLimit: 5.5
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	want := DefaultConfig()
	want.Port = 0
	want.MaxBodySize = 4096
	want.WriteTimeout = 2 * time.Second
	want.Etcd = []string{"10.0.0.1:2379", "10.0.0.2:2379"}
	want.Service = "store"
	want.RateLimit = 5.5
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("expect %+v, got %+v", want, cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expect error for missing file")
	}
	if _, err := LoadConfig(writeConfig(t, "server: [not, a, map")); err == nil {
		t.Fatal("expect error for malformed yaml")
	}
}

func TestServeConfigFlagsOverride(t *testing.T) {
	var options Options
	options.Serve.Config = writeConfig(t, "server:\n  port: 7000\n  service: store\n")
	options.Serve.Port = "7100"
	options.Serve.Advertise = "10.1.1.1"

	cfg, err := serveConfig(options)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7100 || cfg.Service != "store" || cfg.Advertise != "10.1.1.1" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	options.Serve.Port = "http"
	if _, err := serveConfig(options); err == nil {
		t.Fatal("expect error for a non numeric port")
	}
}
