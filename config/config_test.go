package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "svcbus.toml")
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return file
}

func TestLoad(t *testing.T) {
	file := writeConfig(t, `
Balancer = "consistent"

[Node]
Listen = "0.0.0.0:9000"
Codec = "json"
Heartbeat = "5s"

[Registry]
Endpoints = ["10.0.0.1:2379", "10.0.0.2:2379"]
TTL = 20

[Host]
RateLimit = 100.0
Burst = 10
`)
	cfg := Defaults
	if err := Load(file, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Balancer != "consistent" || cfg.Node.Listen != "0.0.0.0:9000" || cfg.Node.Codec != "json" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Node.Heartbeat.Std() != 5*time.Second {
		t.Fatalf("heartbeat = %v", cfg.Node.Heartbeat.Std())
	}
	if len(cfg.Registry.Endpoints) != 2 || cfg.Registry.TTL != 20 {
		t.Fatalf("unexpected registry %+v", cfg.Registry)
	}
	if cfg.Host.RateLimit != 100 || cfg.Host.Burst != 10 {
		t.Fatalf("unexpected host %+v", cfg.Host)
	}
	// untouched sections keep their defaults
	if cfg.Bus.QueueSize != Defaults.Bus.QueueSize || cfg.Log.Level != "info" {
		t.Fatalf("defaults lost: %+v %+v", cfg.Bus, cfg.Log)
	}
}

func TestLoadUnknownField(t *testing.T) {
	file := writeConfig(t, "[Node]\nListn = \"x\"\n")
	cfg := Defaults
	err := Load(file, &cfg)
	if err == nil || !strings.Contains(err.Error(), "Listn") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"balancer":  `Balancer = "random"`,
		"codec":     "[Node]\nCodec = \"xml\"",
		"duration":  "[Bus]\nRequestTimeout = \"soon\"",
		"rate":      "[Host]\nRateLimit = 5.0\nBurst = 0",
		"logformat": "[Log]\nFormat = \"xml\"",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults
			if err := Load(writeConfig(t, content), &cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg := Defaults
	if err := Load(filepath.Join(t.TempDir(), "nope.toml"), &cfg); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	if err := Dump(&buf, &Defaults); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"[Node]", "[Registry]", "127.0.0.1:7400", "30s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump lacks %q:\n%s", want, out)
		}
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 90*time.Second {
		t.Fatalf("got %v", d.Std())
	}
	text, _ := d.MarshalText()
	if string(text) != "1m30s" {
		t.Fatalf("got %q", text)
	}
}
