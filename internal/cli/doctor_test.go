package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/spf13/cobra"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()
	_ = w.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read captured stdout: %v", err)
	}
	return string(out)
}

func TestRunDoctorJSONAlwaysExitsZero(t *testing.T) {
	t.Setenv("TOPPY_DOCTOR_NET", "skip")
	t.Setenv("TOPPY_DOCTOR_TUN", "pass")

	configPath = ""
	doctorJSON = true
	defer func() { doctorJSON = false }()

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	var runErr error
	out := captureStdout(t, func() {
		runErr = runDoctor(cmd, nil)
	})
	if runErr != nil {
		t.Fatalf("expected --json mode to always succeed, got %v", runErr)
	}

	var report struct {
		Version string `json:"version"`
		Overall string `json:"overall"`
		Checks  []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("expected valid json report, got %v: %s", err, out)
	}
	if report.Overall != "fail" {
		t.Fatalf("expected overall fail with no config, got %q", report.Overall)
	}
}

func TestRunDoctorHumanModeFailsOnOverallFail(t *testing.T) {
	t.Setenv("TOPPY_DOCTOR_NET", "skip")
	t.Setenv("TOPPY_DOCTOR_TUN", "pass")

	configPath = ""
	doctorJSON = false

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	var runErr error
	_ = captureStdout(t, func() {
		runErr = runDoctor(cmd, nil)
	})

	var exitErr *ExitCodeError
	if !errors.As(runErr, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("expected ExitCodeError(1) on overall fail, got %v", runErr)
	}
}
