package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sysmonctl/internal/agentproc"
	"sysmonctl/internal/config"
)

func newRunCmd() *cobra.Command {
	var configPath, alertRulesPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring agent in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configPath, alertRulesPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to sysmonctl.yaml (default: search ., $HOME/.sysmonctl, /etc/sysmonctl)")
	cmd.Flags().StringVar(&alertRulesPath, "alert-rules", "", "override the config file's alert_rules_path")
	return cmd
}

// runAgent loads configuration, constructs the App, and blocks until a
// signal or fatal error. A config/store/startup failure is the daemon's
// only non-zero exit path; everything past startup is swallowed and
// counted rather than propagated up to the process exit code.
func runAgent(configPath, alertRulesPathOverride string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		return exitCode(1)
	}

	rulesPath := cfg.AlertRulesPath
	if alertRulesPathOverride != "" {
		rulesPath = alertRulesPathOverride
	}
	alertCfg, err := config.LoadAlertConfig(rulesPath)
	if err != nil {
		logger.Error("alert config load failed", "error", err)
		return exitCode(1)
	}

	logger.Info("starting sysmonctl", "mode", cfg.Mode, "store", cfg.StorePath, "stats_addr", cfg.StatsAddr)

	app, err := agentproc.New(cfg, alertCfg, logger)
	if err != nil {
		logger.Error("agent init failed", "error", err)
		return exitCode(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error("agent exited with error", "error", err)
		return exitCode(1)
	}
	return nil
}

// exitCode short-circuits cobra's own non-zero exit by calling os.Exit
// directly with the spec's documented code, rather than letting cobra's
// generic "any error means exit 1" collapse every failure to the same code.
func exitCode(code int) error {
	os.Exit(code)
	return fmt.Errorf("unreachable")
}
