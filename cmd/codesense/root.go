package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manthysbr/codesense/internal/config"
)

type rootFlags struct {
	configFile string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	v := config.New()

	root := &cobra.Command{
		Use:   "codesense",
		Short: "Run analyzers over uploaded source archives",
		Long: `codesense accepts zip archives over HTTP, runs an analyzer over each one in
an isolated workspace and lets clients poll for the result.

Configuration is read from a YAML file (--config or CODESENSE_CONFIG) and
CODESENSE_* environment variables, e.g. CODESENSE_JOBS_MAX_CONCURRENT=20.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", os.Getenv("CODESENSE_CONFIG"), "config file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newServeCmd(v, flags), newScanCmd(v, flags), newVersionCmd())
	return root
}

func newServeCmd(v *viper.Viper, flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, flags.configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, flags.verbose)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	cmd.Flags().Int("max-concurrent", 0, "concurrent job limit (overrides jobs.max_concurrent)")
	_ = v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("jobs.max_concurrent", cmd.Flags().Lookup("max-concurrent"))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version())
		},
	}
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "codesense (devel)"
	}
	return "codesense " + info.Main.Version
}
