package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"uniconvert/internal/config"
	"uniconvert/internal/logging"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand returns the root command with all subcommands attached.
// Without a subcommand it serves the API.
func newRootCommand() *cobra.Command {
	var cfgPath string
	rootCmd := &cobra.Command{
		Use:          "uniconvert",
		Short:        "Session-scoped file format detection and conversion service.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("UNICONVERT_CONFIG"),
		"path to config.json (defaults to ./config.json when present)")

	load := func() (*config.Config, *logging.Logger, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		log := logging.New(os.Stderr, cfg.LogLevel)
		logging.SetDefault(log)
		return cfg, log, nil
	}

	serve := newServeCommand(load)
	rootCmd.RunE = serve.RunE
	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(newSweepCommand(load))
	rootCmd.AddCommand(newFormatsCommand(load))
	rootCmd.AddCommand(newSignalCommand(load))
	return rootCmd
}
