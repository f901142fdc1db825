package main

import (
	"log/slog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/elee1766/btrmount/pkg/api"
	"github.com/elee1766/btrmount/pkg/config"
	"github.com/elee1766/btrmount/pkg/engine"
)

// ServeCmd runs the daemon holding mount sessions. Stopping it unmounts
// every session.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	app := fx.New(
		fx.Provide(
			cli.config,
			provideLogger,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		engine.Module,
		api.Module,
		fx.Invoke(func(cfg *config.Config, log *slog.Logger) {
			log.Info("starting btrmount",
				"address", cfg.APIAddress,
				"mount_root", cfg.MountRoot,
				"image_dirs", cfg.ImageDirs,
				"config_dir", cfg.ConfigDir,
			)
		}),
	)

	app.Run()
	return app.Err()
}
