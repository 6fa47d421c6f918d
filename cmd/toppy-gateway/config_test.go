package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeGatewayConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeGatewayConfig(t, `
tls_cert = "cert.pem"
tls_key = "key.pem"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8443" {
		t.Errorf("expected default addr :8443, got %q", cfg.Addr)
	}
	if cfg.HealthAddr != ":8080" {
		t.Errorf("expected default health addr :8080, got %q", cfg.HealthAddr)
	}
	if cfg.HandshakeRate.PPS != 100 || cfg.HandshakeRate.Burst != 200 {
		t.Errorf("unexpected handshake rate defaults: %+v", cfg.HandshakeRate)
	}
	if cfg.SessionShards <= 0 {
		t.Errorf("expected positive session shard count, got %d", cfg.SessionShards)
	}
}

func TestLoadConfigRejectsMissingTLS(t *testing.T) {
	path := writeGatewayConfig(t, `addr = ":8443"`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing tls_cert/tls_key")
	}
}

func TestLoadConfigRejectsInvalidPolicyRule(t *testing.T) {
	path := writeGatewayConfig(t, `
tls_cert = "cert.pem"
tls_key = "key.pem"

[[policy.allow]]
cidr = "not-a-cidr"
ports = [22]
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid cidr")
	}
}
