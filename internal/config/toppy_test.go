package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "toppy.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadToppyDefaultsServerName(t *testing.T) {
	path := writeTempConfig(t, `
gateway = "gw.example.com"
port = 4443
auth_token = "secret"

[[policy.allow]]
cidr = "10.0.0.0/8"
ports = [22, 443]
`)
	cfg, err := LoadToppy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerName != cfg.Gateway {
		t.Fatalf("expected server_name to default to gateway, got %q", cfg.ServerName)
	}
	if len(cfg.Policy.Allow) != 1 || cfg.Policy.Allow[0].CIDR != "10.0.0.0/8" {
		t.Fatalf("policy not loaded: %+v", cfg.Policy)
	}
}

func TestLoadToppyRejectsMissingGateway(t *testing.T) {
	path := writeTempConfig(t, `port = 443`)
	if _, err := LoadToppy(path); err == nil {
		t.Fatalf("expected error for missing gateway")
	}
}

func TestLoadToppyRejectsBadPort(t *testing.T) {
	path := writeTempConfig(t, `
gateway = "gw"
port = 70000
`)
	if _, err := LoadToppy(path); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}

func TestLoadToppyRejectsUnreadableCACert(t *testing.T) {
	path := writeTempConfig(t, `
gateway = "gw"
port = 443
ca_cert_path = "/nonexistent/ca.pem"
`)
	if _, err := LoadToppy(path); err == nil {
		t.Fatalf("expected error for unreadable ca_cert_path")
	}
}

func TestLoadToppyRejectsInvalidPolicyRule(t *testing.T) {
	path := writeTempConfig(t, `
gateway = "gw"
port = 443

[[policy.allow]]
cidr = "not-a-cidr"
ports = [22]
`)
	if _, err := LoadToppy(path); err == nil {
		t.Fatalf("expected error for invalid cidr")
	}
}

func TestLoadToppyEmptyAllowListIsValid(t *testing.T) {
	path := writeTempConfig(t, `
gateway = "gw"
port = 443
`)
	cfg, err := LoadToppy(path)
	if err != nil {
		t.Fatalf("empty policy.allow should be valid config, denies at evaluate time: %v", err)
	}
	if len(cfg.Policy.Allow) != 0 {
		t.Fatalf("expected empty allow-list")
	}
}
