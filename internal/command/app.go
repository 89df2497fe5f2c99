package command

import (
	"context"
	"errors"
	"strings"

	"github.com/urfave/cli/v2"

	"coder1/bridge/internal/config"
)

// StartOptions carries the flags of the client start command on top of the
// environment config.
type StartOptions struct {
	ServerURL string
	PairCode  string
	NoBanner  bool
	Verbose   bool
	Dev       bool
}

type ClientDeps struct {
	LoadConfig func() config.Config
	RunStart   func(context.Context, config.Config, StartOptions) error
	RunStatus  func(context.Context, config.Config, string) error
	RunTest    func(context.Context, config.Config) error
}

// BuildClientApp builds the bridge CLI that runs on the developer machine.
func BuildClientApp(deps ClientDeps) *cli.App {
	return &cli.App{
		Name:  "coder1-bridge",
		Usage: "connect this machine's CLI to a remote IDE",
		Action: func(ctx *cli.Context) error {
			return runStart(ctx, deps, StartOptions{})
		},
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "pair (if needed) and keep the bridge connected",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Usage: "server base URL"},
					&cli.StringFlag{Name: "code", Usage: "one-time pairing code"},
					&cli.BoolFlag{Name: "no-banner", Usage: "suppress the startup banner"},
					&cli.BoolFlag{Name: "verbose", Usage: "debug logging"},
					&cli.BoolFlag{Name: "dev", Usage: "development mode"},
				},
				Action: func(ctx *cli.Context) error {
					return runStart(ctx, deps, StartOptions{
						ServerURL: strings.TrimSpace(ctx.String("server")),
						PairCode:  strings.TrimSpace(ctx.String("code")),
						NoBanner:  ctx.Bool("no-banner"),
						Verbose:   ctx.Bool("verbose"),
						Dev:       ctx.Bool("dev"),
					})
				},
			},
			{
				Name:  "status",
				Usage: "show pairing state and recent commands",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Usage: "server base URL"},
				},
				Action: func(ctx *cli.Context) error {
					if deps.RunStatus == nil {
						return errors.New("status runner is not configured")
					}
					return deps.RunStatus(ctx.Context, loadConfig(deps.LoadConfig), strings.TrimSpace(ctx.String("server")))
				},
			},
			{
				Name:  "test",
				Usage: "verify the claude CLI is installed and runnable",
				Action: func(ctx *cli.Context) error {
					if deps.RunTest == nil {
						return errors.New("test runner is not configured")
					}
					return deps.RunTest(ctx.Context, loadConfig(deps.LoadConfig))
				},
			},
		},
	}
}

func runStart(ctx *cli.Context, deps ClientDeps, opts StartOptions) error {
	if deps.RunStart == nil {
		return errors.New("start runner is not configured")
	}
	return deps.RunStart(ctx.Context, loadConfig(deps.LoadConfig), opts)
}

type ServerDeps struct {
	LoadConfig   func() config.Config
	RunServe     func(context.Context, config.Config) error
	RunMigrateUp func(context.Context, config.Config) error
}

// BuildServerApp builds the routing server CLI.
func BuildServerApp(deps ServerDeps) *cli.App {
	return &cli.App{
		Name:  "coder1-server",
		Usage: "bridge routing server",
		Action: func(ctx *cli.Context) error {
			return runServe(ctx.Context, deps)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the routing server",
				Action: func(ctx *cli.Context) error {
					return runServe(ctx.Context, deps)
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(ctx *cli.Context) error {
							if deps.RunMigrateUp == nil {
								return errors.New("migrate up runner is not configured")
							}
							return deps.RunMigrateUp(ctx.Context, loadConfig(deps.LoadConfig))
						},
					},
				},
			},
		},
	}
}

func runServe(ctx context.Context, deps ServerDeps) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, loadConfig(deps.LoadConfig))
}

func loadConfig(load func() config.Config) config.Config {
	if load != nil {
		return load()
	}
	return config.LoadConfig()
}
