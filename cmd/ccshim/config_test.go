package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/ccshim/internal/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func noEnv(string) string { return "" }

func TestResolveConfigLayersSources(t *testing.T) {
	base := filepath.Join(t.TempDir(), "chaincode.toml")
	if err := config.WriteTemplate(base, "chaincode", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	overrides := writeFile(t, "overrides.toml", `
peer_address = "peer1:7052"
request_timeout = "5s"
cors_origins = [" https://ops.example.com ", ""]
log_level = "debug"
`)
	env := map[string]string{"CORE_CHAINCODE_ID_NAME": "assets:3.0"}

	cfg, err := resolveConfig(sources{
		configPath:    base,
		overridesPath: overrides,
		metricsAddr:   "127.0.0.1:9555",
	}, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ID != "assets:3.0" {
		t.Fatalf("env should replace id, got %q", cfg.ID)
	}
	if cfg.PeerAddress != "peer1:7052" {
		t.Fatalf("overrides should replace peer address, got %q", cfg.PeerAddress)
	}
	if cfg.RequestTimeout.Duration != 5*time.Second {
		t.Fatalf("unexpected request timeout: %v", cfg.RequestTimeout)
	}
	if len(cfg.CorsOrigins) != 1 || cfg.CorsOrigins[0] != "https://ops.example.com" {
		t.Fatalf("unexpected cors origins: %v", cfg.CorsOrigins)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "console" {
		t.Fatalf("format absent from overrides should keep file value, got %q", cfg.Log.Format)
	}
	if cfg.MetricsAddr != "127.0.0.1:9555" {
		t.Fatalf("flag should replace metrics addr, got %q", cfg.MetricsAddr)
	}
	if cfg.KeepAlive.Time.Duration != time.Minute {
		t.Fatalf("unexpected keepalive: %v", cfg.KeepAlive.Time)
	}
}

func TestResolveConfigFromFlagsAlone(t *testing.T) {
	cfg, err := resolveConfig(sources{peerAddress: "localhost:7052", chaincodeID: "kvstore:1.0"}, noEnv)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.RequestTimeout.Duration != 30*time.Second {
		t.Fatalf("expected default request timeout, got %v", cfg.RequestTimeout)
	}
}

func TestResolveConfigRequiresIdentity(t *testing.T) {
	if _, err := resolveConfig(sources{peerAddress: "localhost:7052"}, noEnv); err == nil {
		t.Fatalf("expected missing id error")
	}
	if _, err := resolveConfig(sources{chaincodeID: "kvstore:1.0"}, noEnv); err == nil {
		t.Fatalf("expected missing peer address error")
	}
}

func TestApplyOverridesRejectsBadInput(t *testing.T) {
	cfg := config.DefaultChaincodeConfig()
	if _, err := applyOverrides(cfg, filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
	bad := writeFile(t, "bad.toml", `request_timeout = "later"`)
	if _, err := applyOverrides(cfg, bad); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestApplyOverridesKeepsUndefinedKeys(t *testing.T) {
	cfg := config.DefaultChaincodeConfig()
	cfg.ID = "kvstore:1.0"
	cfg.MaxConnectAttempts = 7
	path := writeFile(t, "partial.toml", `id = "  "`)

	out, err := applyOverrides(cfg, path)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.ID != "kvstore:1.0" {
		t.Fatalf("blank id should not replace loaded id, got %q", out.ID)
	}
	if out.MaxConnectAttempts != 7 {
		t.Fatalf("undefined key changed: %d", out.MaxConnectAttempts)
	}
}
