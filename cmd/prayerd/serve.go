package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"prayerd/internal/app"
	"prayerd/internal/config"
	appLog "prayerd/internal/log"
	"prayerd/internal/web"
)

var (
	serveListen string
	serveOnce   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	Long: `Run the scheduler, the periodic refresh and the HTTP API until interrupted.

SIGHUP re-reads the config file. With --once a single rebuild pass runs and
its result is printed; this is mostly useful with the ics trigger backend.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config if set)")
	serveCmd.Flags().BoolVar(&serveOnce, "once", false, "Run one rebuild pass and exit")
}

func runServe(cmd *cobra.Command, _ []string) error {
	appLog.Info("prayerd starting", "version", version)

	// CLI flags override the file and the environment, also across SIGHUP.
	overrides := config.Overrides{Listen: serveListen, LogLevel: logLevel}
	conf, err := loadConfig(overrides)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", configPath)
		return err
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"city", conf.City,
		"located", conf.Location != nil,
		"method", conf.Calculation.Method,
		"horizon_days", conf.HorizonDays,
		"refresh", conf.RefreshCron,
		"backend", conf.Triggers.Backend,
		"once", serveOnce,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := app.New(ctx, configPath, conf, app.WithOverrides(overrides))
	if err != nil {
		return err
	}
	defer a.Close()

	if serveOnce {
		res, err := a.Reschedule(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					appLog.Info("SIGHUP received, reloading config", "config_path", configPath)
					if err := a.Reload(ctx); err != nil {
						appLog.Error("config reload failed; keeping current config", err)
					}
					continue
				}
				appLog.Info("signal received, shutting down", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	err = a.Run(ctx, web.NewServer(a).Handler())
	appLog.Info("prayerd exiting")
	return err
}
