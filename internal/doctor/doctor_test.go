package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/thinksyncs/toppy/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "toppy.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAggregateFailBeatsWarnBeatsPass(t *testing.T) {
	got := aggregate([]Check{{Status: StatusPass}, {Status: StatusWarn}, {Status: StatusFail}})
	if got != StatusFail {
		t.Fatalf("expected fail, got %s", got)
	}
	got = aggregate([]Check{{Status: StatusPass}, {Status: StatusWarn}, {Status: StatusSkip}})
	if got != StatusWarn {
		t.Fatalf("expected warn, got %s", got)
	}
	got = aggregate([]Check{{Status: StatusPass}, {Status: StatusSkip}})
	if got != StatusPass {
		t.Fatalf("expected pass, got %s", got)
	}
}

func TestEvaluateMTUBoundaries(t *testing.T) {
	cases := []struct {
		mtu  int
		want Status
	}{
		{1199, StatusWarn},
		{1200, StatusPass},
		{9000, StatusPass},
		{9001, StatusWarn},
		{0, StatusWarn},
	}
	for _, c := range cases {
		got := evaluateMTU(c.mtu)
		if got.Status != c.want {
			t.Errorf("mtu=%d: expected %s, got %s", c.mtu, c.want, got.Status)
		}
	}
}

func TestRunCfgLoadFailurePropagatesToOverall(t *testing.T) {
	report := Run(context.Background(), filepath.Join(t.TempDir(), "missing.toml"), Env{DoctorNet: "skip"})
	if report.Overall != StatusFail {
		t.Fatalf("expected overall fail, got %s", report.Overall)
	}
	var cfgCheck *Check
	for i := range report.Checks {
		if report.Checks[i].ID == "cfg.load" {
			cfgCheck = &report.Checks[i]
		}
	}
	if cfgCheck == nil || cfgCheck.Status != StatusFail {
		t.Fatalf("expected cfg.load fail, got %+v", cfgCheck)
	}
}

func TestRunPolicyDeniedScenario(t *testing.T) {
	path := writeConfig(t, `
gateway = "127.0.0.1"
port = 4433
auth_token = "secret"

[[policy.allow]]
cidr = "127.0.0.1/32"
ports = [9999]
`)
	report := Run(context.Background(), path, Env{DoctorNet: "skip", DoctorTun: "pass", DoctorTarget: "127.0.0.1:10000"})

	var policyCheck *Check
	for i := range report.Checks {
		if report.Checks[i].ID == "policy.denied" {
			policyCheck = &report.Checks[i]
		}
	}
	if policyCheck == nil {
		t.Fatal("policy.denied check missing")
	}
	if policyCheck.Status != StatusFail {
		t.Fatalf("expected fail, got %s", policyCheck.Status)
	}
	if policyCheck.Details["reason_code"] != "port-not-allowed" {
		t.Fatalf("expected port-not-allowed, got %v", policyCheck.Details["reason_code"])
	}
}

func TestRunPolicyDeniedSkippedWithoutTarget(t *testing.T) {
	path := writeConfig(t, `
gateway = "127.0.0.1"
port = 4433
auth_token = "secret"
`)
	report := Run(context.Background(), path, Env{DoctorNet: "skip", DoctorTun: "pass"})

	for _, c := range report.Checks {
		if c.ID == "policy.denied" && c.Status != StatusSkip {
			t.Fatalf("expected skip, got %s", c.Status)
		}
	}
}

func TestReportJSONStartsWithBrace(t *testing.T) {
	report := Report{Version: ReportVersion, Overall: StatusPass, Checks: []Check{{ID: "cfg.load", Status: StatusPass, Summary: "ok"}}}
	b, err := report.JSON()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if b[0] != '{' {
		t.Fatalf("expected JSON to start with '{', got %q", b[0])
	}
}

func TestTunPermEnvOverride(t *testing.T) {
	check := checkTunPerm(context.Background(), config.Toppy{}, nil, Env{DoctorTun: "warn"})
	if check.Status != StatusWarn {
		t.Fatalf("expected forced warn, got %s", check.Status)
	}
}
