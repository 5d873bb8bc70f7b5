package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli"

	"github.com/seedworks/seed/internal/admin"
	"github.com/seedworks/seed/internal/app"
	"github.com/seedworks/seed/internal/config"
	"github.com/seedworks/seed/internal/observability"
	"github.com/seedworks/seed/pkg/logger"
)

const (
	configFlagName = "config"
	backupFlagName = "backup"
)

func joinFlagNames(ns ...string) string { return strings.Join(ns, ", ") }

// setup loads configuration, configures logging and assembles the app.
func setup(ctx context.Context, c *cli.Context) (*app.App, *config.Config, error) {
	if path := c.GlobalString(configFlagName); path != "" {
		if err := os.Setenv("SEED_CONFIG", path); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Seed.LogLevel)
	if cfg.Seed.LogFile != "" {
		if err := logger.AddFile(cfg.Seed.LogFile); err != nil {
			return nil, nil, err
		}
	}
	logger.Debugf("config loaded: driver=%s sequences=%s resources=%d", cfg.Seed.DBDriver, cfg.Seed.SequenceBackend, len(cfg.Resources))
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

// withAdmin runs fn against the maintenance commands and closes the app.
func withAdmin(c *cli.Context, fn func(ctx context.Context, adm *admin.Admin) error) error {
	ctx := context.Background()
	a, _, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(ctx) }()
	adm, err := a.Admin(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, adm)
}

func serve() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "run the HTTP server",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cfg, err := setup(ctx, c)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			shutdown, err := observability.Setup(ctx, cfg.OTEL, app.Version)
			if err != nil {
				logger.Warnf("tracing disabled: %v", err)
			}
			defer func() { _ = shutdown(context.Background()) }()

			return a.Serve(ctx)
		},
	}
}

func initCommand() cli.Command {
	return cli.Command{
		Name:  "init",
		Usage: "create indexes and sequence records",
		Action: func(c *cli.Context) error {
			return withAdmin(c, func(ctx context.Context, adm *admin.Admin) error { return adm.Init(ctx) })
		},
	}
}

func migrate() cli.Command {
	return cli.Command{
		Name:  "migrate",
		Usage: "re-create indexes and raise sequences to the highest stored identity",
		Action: func(c *cli.Context) error {
			return withAdmin(c, func(ctx context.Context, adm *admin.Admin) error { return adm.Migrate(ctx) })
		},
	}
}

func drop() cli.Command {
	return cli.Command{
		Name:  "drop",
		Usage: "drop every registered collection and the sequence records",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  joinFlagNames(backupFlagName, "b"),
				Usage: "dump collections to object storage first",
			},
		},
		Action: func(c *cli.Context) error {
			return withAdmin(c, func(ctx context.Context, adm *admin.Admin) error {
				return adm.Drop(ctx, c.Bool(backupFlagName))
			})
		},
	}
}

func dump() cli.Command {
	return cli.Command{
		Name:  "dump",
		Usage: "export every registered collection to object storage",
		Action: func(c *cli.Context) error {
			return withAdmin(c, func(ctx context.Context, adm *admin.Admin) error {
				keys, err := adm.Dump(ctx)
				for _, k := range keys {
					fmt.Fprintln(c.App.Writer, k)
				}
				return err
			})
		},
	}
}
