package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/ptcsim/emp/pkg/broker"
	"github.com/ptcsim/emp/pkg/common/pidfile"
	"github.com/ptcsim/emp/pkg/config"
	"github.com/ptcsim/emp/pkg/logger"
)

const Version = "0.2.0"

func main() {
	app := &cli.Command{
		Name:    "empbroker",
		Usage:   "EMP store-and-forward message broker",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (default ./config.yaml or $HOME/.emp/config.yaml)",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Optional .env file with EMP_* overrides",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "pid-file",
				Usage: "PID file written by start and read by stop",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the broker and block until SIGINT or SIGTERM",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "host",
						Usage: "Bind address",
					},
					&cli.IntFlag{
						Name:  "send-port",
						Usage: "Publish channel port",
					},
					&cli.IntFlag{
						Name:  "fetch-port",
						Usage: "Fetch channel port",
					},
					&cli.StringFlag{
						Name:  "log-level",
						Usage: "Log level (debug, info, warn, error)",
					},
					&cli.BoolFlag{
						Name:  "concurrent",
						Usage: "Serve each connection on its own goroutine",
					},
					&cli.FloatFlag{
						Name:  "accept-rate",
						Usage: "Max accepted connections per second on each port (0 = unlimited)",
					},
					&cli.DurationFlag{
						Name:  "stats-interval",
						Usage: "Log queue depths and counters at this interval (0 disables)",
					},
				},
				Action: runBroker,
			},
			{
				Name:  "stop",
				Usage: "Gracefully stop a running broker",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Wait for the broker process to exit",
						Value: true,
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "How long to wait for exit",
						Value: 10 * time.Second,
					},
				},
				Action: stopBroker,
			},
			{
				Name:  "version",
				Usage: "Display version information",
				Action: func(ctx context.Context, c *cli.Command) error {
					fmt.Printf("empbroker version %s\n", Version)
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return nil, err
	}
	overrides := map[string]any{}
	if c.IsSet("pid-file") {
		overrides["pid_file"] = c.String("pid-file")
	}
	if c.IsSet("host") {
		overrides["broker_host"] = c.String("host")
	}
	if c.IsSet("send-port") {
		overrides["send_port"] = c.Int("send-port")
	}
	if c.IsSet("fetch-port") {
		overrides["fetch_port"] = c.Int("fetch-port")
	}
	if c.IsSet("log-level") {
		overrides["log_level"] = c.String("log-level")
	}
	if c.IsSet("concurrent") {
		overrides["serve_concurrently"] = c.Bool("concurrent")
	}
	if c.IsSet("accept-rate") {
		overrides["accept_rate"] = c.Float("accept-rate")
	}
	return config.LoadWithOverrides(c.String("config"), overrides)
}

func runBroker(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger.Init(cfg.Environment, cfg.LogLevel)

	if err := pidfile.Write(cfg.PIDFile, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := pidfile.Remove(cfg.PIDFile); err != nil {
			logger.Error("Failed to remove pid file", err, "path", cfg.PIDFile)
		}
	}()

	b, err := broker.New(cfg)
	if err != nil {
		return err
	}

	appContext, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := b.Start(appContext); err != nil {
		return err
	}
	logger.Info("[READY] Broker is ready", "pid", os.Getpid(), "pid_file", cfg.PIDFile)

	if interval := c.Duration("stats-interval"); interval > 0 {
		go logStats(appContext, b, interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Warn("Shutdown signal received, stopping...", "signal", sig.String())
	case <-appContext.Done():
	}

	if err := b.Stop(); err != nil {
		logger.Error("Broker stop reported errors", err)
	}
	stats := b.Stats()
	logger.Info("Final broker stats",
		"received", stats.Received,
		"served", stats.Served,
		"expired", stats.Expired,
		"rejected", stats.Rejected,
		"queued", lo.Sum(lo.Values(stats.Depths)),
	)
	return nil
}

func stopBroker(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger.Init(cfg.Environment, cfg.LogLevel)

	pid, err := pidfile.Signal(cfg.PIDFile, syscall.SIGTERM)
	if err != nil {
		if errors.Is(err, pidfile.ErrNotRunning) {
			logger.Warn("Broker is not running", "pid_file", cfg.PIDFile)
			return pidfile.Remove(cfg.PIDFile)
		}
		return err
	}
	logger.Info("Sent SIGTERM to broker", "pid", pid)

	if !c.Bool("wait") {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()
	if err := pidfile.WaitExit(waitCtx, pid, 100*time.Millisecond); err != nil {
		return err
	}
	logger.Info("Broker stopped", "pid", pid)
	return nil
}

func logStats(ctx context.Context, b *broker.Broker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats := b.Stats()
		logger.Info("Broker stats",
			"state", b.State().String(),
			"received", stats.Received,
			"served", stats.Served,
			"empty_fetches", stats.EmptyFetches,
			"expired", stats.Expired,
			"retries", stats.Retries,
			"rejected", stats.Rejected,
			"conn_errors", stats.ConnErrors,
			"depths", stats.Depths,
		)
	}
}
