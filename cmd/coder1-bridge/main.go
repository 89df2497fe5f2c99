package main

import (
	"context"
	"fmt"
	"os"

	"coder1/bridge/internal/application"
	"coder1/bridge/internal/command"
	"coder1/bridge/internal/config"
)

var version = "dev"

func main() {
	app := command.BuildClientApp(command.ClientDeps{
		LoadConfig: config.LoadConfig,
		RunStart: func(ctx context.Context, cfg config.Config, opts command.StartOptions) error {
			return application.RunStart(ctx, cfg, opts, version)
		},
		RunStatus: application.RunStatus,
		RunTest: func(ctx context.Context, cfg config.Config) error {
			return application.RunTest(ctx, cfg)
		},
	})
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
