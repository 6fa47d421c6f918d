package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/thinksyncs/toppy/internal/config"
	"github.com/thinksyncs/toppy/internal/policyengine"
	"github.com/thinksyncs/toppy/pkg/toppy"
)

// Config is the gateway's TOML-loaded configuration record: no
// TUN/pool/NAT fields, since the gateway never assigns client IPs.
type Config struct {
	Addr            string              `toml:"addr"`
	HealthAddr      string              `toml:"health_addr"`
	MetricsAddr     string              `toml:"metrics_addr"`
	TLSCert         string              `toml:"tls_cert"`
	TLSKey          string              `toml:"tls_key"`
	MTU             int                 `toml:"mtu"`
	LogLevel        string              `toml:"log_level"`
	LogJSON         bool                `toml:"log_json"`
	SessionTimeout  time.Duration       `toml:"session_timeout"`
	SessionShards   int                 `toml:"session_shards"`
	HandshakeRate   rateConfig          `toml:"handshake_rate"`
	HandshakeIPRate ipRateConfig        `toml:"handshake_ip_rate"`
	Policy          config.PolicyConfig `toml:"policy"`
}

type rateConfig struct {
	PPS   int `toml:"pps"`
	Burst int `toml:"burst"`
}

type ipRateConfig struct {
	PPS   int           `toml:"pps"`
	Burst int           `toml:"burst"`
	TTL   time.Duration `toml:"ttl"`
}

func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if err := config.Load(path, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Addr == "" {
		cfg.Addr = ":8443"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9100"
	}
	if cfg.MTU == 0 {
		cfg.MTU = toppy.DefaultMTU
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 2 * time.Minute
	}
	if cfg.SessionShards == 0 {
		cfg.SessionShards = runtime.NumCPU() * 4
	}
	if cfg.HandshakeRate.PPS == 0 {
		cfg.HandshakeRate.PPS = 100
	}
	if cfg.HandshakeRate.Burst == 0 {
		cfg.HandshakeRate.Burst = 200
	}
	if cfg.HandshakeIPRate.PPS == 0 {
		cfg.HandshakeIPRate.PPS = 20
	}
	if cfg.HandshakeIPRate.Burst == 0 {
		cfg.HandshakeIPRate.Burst = 40
	}
	if cfg.HandshakeIPRate.TTL == 0 {
		cfg.HandshakeIPRate.TTL = time.Minute
	}
}

func validateConfig(cfg Config) error {
	if cfg.TLSCert == "" || cfg.TLSKey == "" {
		return fmt.Errorf("tls_cert and tls_key are required")
	}
	if err := policyengine.ValidateRules(cfg.Policy.Rules()); err != nil {
		return err
	}
	return nil
}
