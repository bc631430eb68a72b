// Package main runs the chat relay: a Socket Mode client that fans channel
// messages out to browsers over Server-Sent Events.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/c360/chatrelay/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "chatrelay"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newApp().Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    appName,
		Usage:   "relay Slack channel messages to browsers over Server-Sent Events",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (TOML)",
				EnvVars: []string{"CHATRELAY_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format: json, text (overrides config)",
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "Graceful shutdown timeout",
				Value: 30 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the relay (default)",
				Action: serveAction,
			},
			{
				Name:   "prune-profiles",
				Usage:  "Delete durable profile entries older than the prune age and exit",
				Action: pruneAction,
			},
			{
				Name:   "validate",
				Usage:  "Validate configuration and exit",
				Action: validateAction,
			},
		},
		Action: serveAction,
	}
}

// loadConfig loads configuration and applies the logging flags.
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := c.String("log-format"); f != "" {
		cfg.Log.Format = f
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serveAction(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger.Info("Starting chatrelay",
		"version", Version,
		"build_time", BuildTime,
		"config_path", c.String("config"))

	signalCtx, signalCancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	r, err := newRelay(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	if err := r.start(signalCtx); err != nil {
		_ = r.stop(c.Duration("shutdown-timeout"))
		return err
	}
	logger.Info("chatrelay started", "addr", r.server.Addr())

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")
	return r.stop(c.Duration("shutdown-timeout"))
}

func pruneAction(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()

	n, err := pruneProfiles(ctx, cfg, logger)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.App.Writer, "pruned %d profile(s)\n", n)
	return nil
}

func validateAction(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.App.Writer, cfg.String())
	return nil
}
