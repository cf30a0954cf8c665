// Command coves is a command-line client for a Coves AppView.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"CovesClient/internal/app"
	"CovesClient/internal/config"
	"CovesClient/internal/core/apierrors"
	"CovesClient/internal/telemetry"
)

const (
	appMetadataKey      = "app"
	registryMetadataKey = "registry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCLI().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if apierrors.KindOf(err) != apierrors.KindUnknown {
			fmt.Fprintln(os.Stderr, apierrors.UserMessage(err))
		}
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "coves",
		Usage: "read and write Coves communities from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file", EnvVars: []string{"COVES_CONFIG"}},
			&cli.StringFlag{Name: "env", Usage: "environment name; sessions are stored per environment"},
			&cli.StringFlag{Name: "base-url", Usage: "AppView base URL"},
			&cli.StringFlag{Name: "metrics-file", Usage: "write client metrics in the Prometheus text format to this file on exit", EnvVars: []string{"COVES_METRICS_FILE"}},
		},
		Before: setup,
		After:  teardown,
		Commands: []*cli.Command{
			loginURLCommand(),
			loginCommand(),
			whoamiCommand(),
			refreshCommand(),
			logoutCommand(),
			feedCommand(),
			commentsCommand(),
			commentCommand(),
			deleteCommentCommand(),
			voteCommand(),
			communitiesCommand(),
			subscribeCommand(true),
			subscribeCommand(false),
			profileCommand(),
			updateProfileCommand(),
		},
	}
}

func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if v := c.String("env"); v != "" {
		cfg.Environment = v
	}
	if v := c.String("base-url"); v != "" {
		cfg.BaseURL = v
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	registry := prometheus.NewRegistry()
	a, err := app.New(c.Context, cfg, app.Options{Logger: logger, Registry: registry})
	if err != nil {
		return err
	}
	c.App.Metadata = map[string]any{appMetadataKey: a, registryMetadataKey: registry}

	restored, err := a.Sessions.Restore(c.Context)
	if err != nil {
		logger.Warn("failed to restore session", "error", err)
	}
	if restored {
		hydrateVotes(c, a)
	}
	return nil
}

// hydrateVotes seeds the vote store from the user's PDS when direct PDS
// access is configured. Failures only cost the local vote state.
func hydrateVotes(c *cli.Context, a *app.App) {
	if _, err := a.HydrateVotes(c.Context); err != nil {
		a.Logger.Warn("failed to load votes from PDS", "error", err)
	}
}

func teardown(c *cli.Context) error {
	var errs []error
	if path := c.String("metrics-file"); path != "" {
		if registry, ok := c.App.Metadata[registryMetadataKey].(*prometheus.Registry); ok {
			if err := prometheus.WriteToTextfile(path, registry); err != nil {
				errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
			}
		}
	}
	if a := appFrom(c); a != nil {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}

func appFrom(c *cli.Context) *app.App {
	if c.App.Metadata == nil {
		return nil
	}
	a, _ := c.App.Metadata[appMetadataKey].(*app.App)
	return a
}
