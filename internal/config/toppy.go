package config

import (
	"fmt"
	"os"

	"github.com/thinksyncs/toppy/internal/policyengine"
)

// AllowRule is the TOML shape of one policy.allow entry.
type AllowRule struct {
	CIDR  string `toml:"cidr"`
	Ports []int  `toml:"ports"`
}

// PolicyConfig is the [policy] table: an ordered allow-list. An empty
// Allow denies everything (§3 invariant).
type PolicyConfig struct {
	Allow []AllowRule `toml:"allow"`
}

// Rules converts the configured allow-list into policyengine.Rule values.
func (p PolicyConfig) Rules() []policyengine.Rule {
	rules := make([]policyengine.Rule, len(p.Allow))
	for i, r := range p.Allow {
		rules[i] = policyengine.Rule{CIDR: r.CIDR, Ports: r.Ports}
	}
	return rules
}

// Toppy is the client-facing configuration record (§3). It is immutable
// once loaded: LoadToppy returns a value, never a pointer callers could
// mutate out from under concurrent readers.
type Toppy struct {
	Gateway    string       `toml:"gateway"`
	Port       int          `toml:"port"`
	ServerName string       `toml:"server_name"`
	CACertPath string       `toml:"ca_cert_path"`
	AuthToken  string       `toml:"auth_token"`
	MTU        int          `toml:"mtu"`
	LogLevel   string       `toml:"log_level"`
	LogJSON    bool         `toml:"log_json"`
	Policy     PolicyConfig `toml:"policy"`
}

// LoadToppy loads and validates a Toppy config from path.
func LoadToppy(path string) (Toppy, error) {
	var cfg Toppy
	if err := Load(path, &cfg); err != nil {
		return Toppy{}, err
	}
	applyToppyDefaults(&cfg)
	if err := validateToppy(cfg); err != nil {
		return Toppy{}, err
	}
	return cfg, nil
}

func applyToppyDefaults(cfg *Toppy) {
	if cfg.ServerName == "" {
		cfg.ServerName = cfg.Gateway
	}
}

func validateToppy(cfg Toppy) error {
	if cfg.Gateway == "" {
		return fmt.Errorf("config.invalid: gateway is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("config.invalid: port must be in 1..65535, got %d", cfg.Port)
	}
	if cfg.MTU < 0 {
		return fmt.Errorf("config.invalid: mtu must be positive, got %d", cfg.MTU)
	}
	if cfg.CACertPath != "" {
		// §9: a configured-but-unreadable ca_cert_path is a load failure,
		// never a silent fallback to system trust roots.
		if _, err := os.ReadFile(cfg.CACertPath); err != nil {
			return fmt.Errorf("config.invalid: ca_cert_path %q: %w", cfg.CACertPath, err)
		}
	}
	if err := policyengine.ValidateRules(cfg.Policy.Rules()); err != nil {
		return fmt.Errorf("config.invalid: %w", err)
	}
	return nil
}
