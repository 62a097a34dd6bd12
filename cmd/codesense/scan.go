package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manthysbr/codesense/internal/adapters/scanner"
	"github.com/manthysbr/codesense/internal/config"
	"github.com/manthysbr/codesense/internal/core/domain"
	"github.com/manthysbr/codesense/internal/core/ports"
	applog "github.com/manthysbr/codesense/internal/log"
)

// newScanCmd runs the leaks analyzer once over a directory and writes the
// report to stdout. Inside a container it follows the docker analyzer
// contract: workspace at /workspace, job metadata in CODESENSE_* env.
func newScanCmd(v *viper.Viper, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [dir]",
		Short: "Scan a directory for leaked secrets and print a CycloneDX report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := os.Getenv("CODESENSE_WORKSPACE")
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				dir = "."
			}

			cfg, err := config.Load(v, flags.configFile)
			if err != nil {
				return err
			}
			logger := applog.NewWriter(cmd.ErrOrStderr(), applog.ParseLevel(cfg.Log.Level))

			a, err := scanner.NewAnalyzer(logger, scanner.Options{
				MaxFileBytes: cfg.Analyzer.MaxFileBytes,
				Parallelism:  cfg.Analyzer.Parallelism,
			})
			if err != nil {
				return err
			}

			out, err := a.Analyze(cmd.Context(), ports.AnalysisRequest{
				WorkspacePath: dir,
				JobID:         domain.JobID(os.Getenv("CODESENSE_JOB_ID")),
				JobName:       os.Getenv("CODESENSE_JOB_NAME"),
				ProjectID:     os.Getenv("CODESENSE_PROJECT_ID"),
				RequesterTag:  os.Getenv("CODESENSE_REQUESTER"),
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}
