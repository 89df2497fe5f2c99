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
	app := command.BuildServerApp(command.ServerDeps{
		LoadConfig: config.LoadConfig,
		RunServe: func(ctx context.Context, cfg config.Config) error {
			return application.RunServe(ctx, cfg, version)
		},
		RunMigrateUp: application.RunMigrateUp,
	})
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
