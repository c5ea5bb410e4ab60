package main

import (
	"os"

	"github.com/spf13/cobra"

	"prayerd/internal/config"
	appLog "prayerd/internal/log"
)

const version = "0.1.0"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "prayerd",
	Short:         "Prayer time scheduler",
	Long:          "Computes daily prayer times for a configured location and keeps a rolling horizon of notification triggers registered.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/prayerd/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")

	rootCmd.AddCommand(serveCmd, nextCmd, scheduleCmd, timesCmd, summaryCmd)
}

// loadConfig reads the config file, applies PRAYERD_* overrides and the
// command-line overrides, and validates the result.
func loadConfig(o config.Overrides) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	o.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		appLog.Error("prayerd failed", err)
		os.Exit(1)
	}
}
