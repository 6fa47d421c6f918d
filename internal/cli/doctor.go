package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thinksyncs/toppy/internal/doctor"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run the diagnostic check catalog",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "emit the report as JSON and always exit 0")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	// A missing/invalid config path is itself a diagnosable condition
	// (cfg.load fails, every dependent check skips), not a fatal CLI
	// error, so doctor never requires --config the way up does.
	report := doctor.Run(cmd.Context(), configPath, doctor.EnvFromProcess())

	if doctorJSON {
		out, err := report.JSON()
		if err != nil {
			return NewExitCodeError(1, fmt.Errorf("encode report: %w", err))
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	}

	for _, c := range report.Checks {
		fmt.Fprintf(os.Stdout, "%-16s %-5s %s\n", c.ID, c.Status, c.Summary)
	}
	fmt.Fprintf(os.Stdout, "overall: %s\n", report.Overall)
	if report.Overall == doctor.StatusFail {
		return NewExitCodeError(1, fmt.Errorf("doctor: overall status fail"))
	}
	return nil
}
