package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edgequota/chainproxy/internal/config"
	"github.com/edgequota/chainproxy/internal/observability"
	"github.com/edgequota/chainproxy/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the proxy and admin listeners.

The config file is watched; auth keys, rate limit parameters and the log
level are applied without a restart. Other changes are logged and take
effect on the next start.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// configPath resolves the config file from the flag or the environment.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.ConfigFilePath()
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	path := configPath()
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	lvl := new(slog.LevelVar)
	logger, logCloser := observability.NewLogger(cfg.Logging, lvl)
	defer logCloser.Close()
	logger.Info("starting chainproxy", "version", version, "mode", cfg.Mode, "config", path)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger, version, server.WithLevelVar(lvl))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}

	watcher := config.NewConfigWatcher(path, func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		return err
	}

	logger.Info("chainproxy shut down gracefully")
	return nil
}
