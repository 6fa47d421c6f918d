// Package doctor implements the operator-facing diagnostic engine (§4.4):
// an ordered catalog of named checks whose outcomes fold into a single
// overall verdict and a stable JSON report.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/thinksyncs/toppy/internal/config"
	"github.com/thinksyncs/toppy/internal/policyengine"
	"github.com/thinksyncs/toppy/internal/tun"
	"github.com/thinksyncs/toppy/pkg/toppy"
)

// Status is one of the four outcomes a Check may report.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Check is one catalog entry's result (§3, §6).
type Check struct {
	ID      string         `json:"id"`
	Status  Status         `json:"status"`
	Summary string         `json:"summary"`
	Details map[string]any `json:"details,omitempty"`
}

// ReportVersion is the Report schema version emitted in every report.
const ReportVersion = "1"

// Report is the doctor's stable, machine-readable output (§6). JSON()
// always begins with '{' per the wire contract.
type Report struct {
	Version string  `json:"version"`
	Overall Status  `json:"overall"`
	Checks  []Check `json:"checks"`
}

// JSON pretty-prints the report.
func (r Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Env bundles the environment-variable overrides the catalog consumes
// (§6): TOPPY_DOCTOR_NET, TOPPY_DOCTOR_TUN, TOPPY_DOCTOR_TARGET.
type Env struct {
	DoctorNet    string
	DoctorTun    string
	DoctorTarget string
}

// EnvFromProcess reads the doctor's environment overrides from the
// process environment.
func EnvFromProcess() Env {
	return Env{
		DoctorNet:    os.Getenv("TOPPY_DOCTOR_NET"),
		DoctorTun:    os.Getenv("TOPPY_DOCTOR_TUN"),
		DoctorTarget: os.Getenv("TOPPY_DOCTOR_TARGET"),
	}
}

// checkFunc runs one catalog entry against the already-attempted config
// load, so every check sees the same cfg/cfgErr without reloading.
type checkFunc func(ctx context.Context, cfg config.Toppy, cfgErr error, env Env) Check

type catalogEntry struct {
	id  string
	run checkFunc
}

// catalog is the ordered check list (§9: "Doctor check catalog as
// data"). Checks run in this order and the JSON report preserves it.
var catalog = []catalogEntry{
	{"cfg.load", checkCfgLoad},
	{"net.dns", checkNetDNS},
	{"h3.connect", checkH3Connect},
	{"tun.perm", checkTunPerm},
	{"mtu.sanity", checkMTUSanity},
	{"policy.denied", checkPolicyDenied},
}

// Run executes the catalog in order against the config at configPath and
// folds the results into a Report. It never returns an error itself —
// every failure, including a failed config load, becomes a Check with
// status fail (§7: "the doctor engine never propagates an error
// upward").
func Run(ctx context.Context, configPath string, env Env) Report {
	cfg, cfgErr := config.LoadToppy(configPath)

	checks := make([]Check, 0, len(catalog))
	for _, entry := range catalog {
		checks = append(checks, entry.run(ctx, cfg, cfgErr, env))
	}
	return Report{Version: ReportVersion, Overall: aggregate(checks), Checks: checks}
}

// aggregate folds check outcomes into one verdict: fail beats warn beats
// pass; skipped checks never degrade the overall (§4.4, §8).
func aggregate(checks []Check) Status {
	warned := false
	for _, c := range checks {
		if c.Status == StatusFail {
			return StatusFail
		}
		if c.Status == StatusWarn {
			warned = true
		}
	}
	if warned {
		return StatusWarn
	}
	return StatusPass
}

func checkCfgLoad(_ context.Context, cfg config.Toppy, cfgErr error, _ Env) Check {
	if cfgErr != nil {
		return Check{ID: "cfg.load", Status: StatusFail, Summary: fmt.Sprintf("config invalid: %v", cfgErr)}
	}
	return Check{ID: "cfg.load", Status: StatusPass, Summary: fmt.Sprintf("loaded configuration for gateway %s", cfg.Gateway)}
}

func checkNetDNS(ctx context.Context, cfg config.Toppy, cfgErr error, env Env) Check {
	if env.DoctorNet == "skip" {
		return Check{ID: "net.dns", Status: StatusSkip, Summary: "bypassed via TOPPY_DOCTOR_NET=skip"}
	}
	if cfgErr != nil {
		return Check{ID: "net.dns", Status: StatusSkip, Summary: "config invalid, dns check skipped"}
	}
	dnsCtx, cancel := context.WithTimeout(ctx, toppy.DefaultDialTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(dnsCtx, cfg.Gateway)
	if err != nil {
		return Check{ID: "net.dns", Status: StatusFail, Summary: fmt.Sprintf("dns resolution of %s failed: %v", cfg.Gateway, err)}
	}
	return Check{ID: "net.dns", Status: StatusPass, Summary: fmt.Sprintf("resolved %s to %d address(es)", cfg.Gateway, len(addrs))}
}

func checkH3Connect(ctx context.Context, cfg config.Toppy, cfgErr error, env Env) Check {
	if cfgErr != nil {
		return Check{ID: "h3.connect", Status: StatusSkip, Summary: "config invalid, h3.connect skipped"}
	}
	if env.DoctorNet == "skip" {
		return Check{ID: "h3.connect", Status: StatusSkip, Summary: "bypassed via TOPPY_DOCTOR_NET=skip"}
	}
	session, err := toppy.Dial(ctx, toppy.DialConfig{
		Gateway:     cfg.Gateway,
		Port:        cfg.Port,
		ServerName:  cfg.ServerName,
		CACertPath:  cfg.CACertPath,
		AuthToken:   cfg.AuthToken,
		MTU:         cfg.MTU,
		DialTimeout: toppy.DefaultDialTimeout,
	})
	if err != nil {
		return Check{ID: "h3.connect", Status: StatusFail, Summary: fmt.Sprintf("handshake failed: %v", err)}
	}
	defer session.Close()
	return Check{ID: "h3.connect", Status: StatusPass, Summary: "quic+http3 handshake and ping/pong succeeded"}
}

func checkTunPerm(_ context.Context, _ config.Toppy, _ error, env Env) Check {
	switch env.DoctorTun {
	case "pass":
		return Check{ID: "tun.perm", Status: StatusPass, Summary: "forced pass via TOPPY_DOCTOR_TUN"}
	case "warn":
		return Check{ID: "tun.perm", Status: StatusWarn, Summary: "forced warn via TOPPY_DOCTOR_TUN"}
	case "fail":
		return Check{ID: "tun.perm", Status: StatusFail, Summary: "forced fail via TOPPY_DOCTOR_TUN"}
	case "skip":
		return Check{ID: "tun.perm", Status: StatusSkip, Summary: "forced skip via TOPPY_DOCTOR_TUN"}
	}

	err := tun.Probe("toppy0")
	switch {
	case err == nil:
		return Check{ID: "tun.perm", Status: StatusPass, Summary: "tun device probe succeeded"}
	case errors.Is(err, tun.ErrPermission):
		return Check{ID: "tun.perm", Status: StatusFail, Summary: "missing-cap-net-admin: insufficient permission to open tun device"}
	case errors.Is(err, tun.ErrNotExist):
		return Check{ID: "tun.perm", Status: StatusFail, Summary: "tun device does not exist"}
	case errors.Is(err, tun.ErrUnsupported):
		return Check{ID: "tun.perm", Status: StatusWarn, Summary: "tun probe not supported on this platform"}
	default:
		return Check{ID: "tun.perm", Status: StatusFail, Summary: fmt.Sprintf("tun probe error: %v", err)}
	}
}

func checkMTUSanity(_ context.Context, cfg config.Toppy, cfgErr error, _ Env) Check {
	if cfgErr != nil {
		return Check{ID: "mtu.sanity", Status: StatusSkip, Summary: "config invalid, mtu check skipped"}
	}
	return evaluateMTU(cfg.MTU)
}

// evaluateMTU is the pure boundary logic behind mtu.sanity (§8): mtu
// outside [1200, 9000] warns, missing (zero) warns with the assumed
// default, otherwise it passes.
func evaluateMTU(mtu int) Check {
	if mtu == 0 {
		return Check{ID: "mtu.sanity", Status: StatusWarn, Summary: "mtu not configured; assuming default 1350"}
	}
	if mtu < 1200 || mtu > 9000 {
		return Check{ID: "mtu.sanity", Status: StatusWarn, Summary: fmt.Sprintf("mtu %d is outside the recommended [1200, 9000] range", mtu)}
	}
	return Check{ID: "mtu.sanity", Status: StatusPass, Summary: fmt.Sprintf("mtu %d is within range", mtu)}
}

func checkPolicyDenied(_ context.Context, cfg config.Toppy, cfgErr error, env Env) Check {
	if env.DoctorTarget == "" {
		return Check{ID: "policy.denied", Status: StatusSkip, Summary: "TOPPY_DOCTOR_TARGET not set"}
	}
	if cfgErr != nil {
		return Check{ID: "policy.denied", Status: StatusSkip, Summary: "config invalid, policy check skipped"}
	}
	host, portStr, err := net.SplitHostPort(env.DoctorTarget)
	if err != nil {
		return Check{ID: "policy.denied", Status: StatusFail, Summary: fmt.Sprintf("invalid TOPPY_DOCTOR_TARGET %q: %v", env.DoctorTarget, err)}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Check{ID: "policy.denied", Status: StatusFail, Summary: fmt.Sprintf("invalid port in TOPPY_DOCTOR_TARGET %q", env.DoctorTarget)}
	}

	decision := policyengine.Evaluate(host, port, cfg.Policy.Rules())
	if decision.IsDenied() {
		return Check{
			ID:      "policy.denied",
			Status:  StatusFail,
			Summary: decision.HumanSummary,
			Details: map[string]any{"reason_code": string(decision.ReasonCode)},
		}
	}
	return Check{ID: "policy.denied", Status: StatusPass, Summary: fmt.Sprintf("%s is allowed by policy", env.DoctorTarget)}
}
