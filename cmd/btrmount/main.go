package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"go.uber.org/fx"

	"github.com/elee1766/btrmount/pkg/api/apiv1"
	"github.com/elee1766/btrmount/pkg/config"
	"github.com/elee1766/btrmount/pkg/engine"
)

// CLI is the root command structure
type CLI struct {
	// Global flags
	LogLevel string `short:"l" default:"info" enum:"debug,info,warn,error" env:"BTRMOUNT_LOG_LEVEL" help:"Log level (debug, info, warn, error)"`
	Address  string `short:"a" default:"127.0.0.1:8148" env:"BTRMOUNT_API_ADDRESS" help:"API server address"`

	// Subcommands
	Serve      ServeCmd      `cmd:"" help:"Run the mount daemon and API server"`
	Devices    DevicesCmd    `cmd:"" help:"List block devices and images"`
	Detect     DetectCmd     `cmd:"" help:"Check a path for a btrfs signature"`
	Info       InfoCmd       `cmd:"" help:"Show volume information"`
	Subvolumes SubvolumesCmd `cmd:"" name:"subvol" help:"Subvolume operations"`
	Frag       FragCmd       `cmd:"" help:"Analyze file fragmentation on an unmounted volume"`
	Mount      MountCmd      `cmd:"" help:"Mount a volume through the daemon"`
	Unmount    UnmountCmd    `cmd:"" help:"Unmount a session through the daemon"`
	Mounts     MountsCmd     `cmd:"" help:"List active mount sessions"`
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("btrmount"),
		kong.Description("Mount and inspect unmounted BTRFS volumes"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

func (cli *CLI) config() *config.Config {
	cfg := config.New()
	cfg.APIAddress = cli.Address
	cfg.LogLevel = cli.LogLevel
	return cfg
}

// withEngine builds the engine for a one-shot command. Nothing is
// started; sessions only live in the serve daemon.
func (cli *CLI) withEngine(fn func(context.Context, *engine.Engine) error) error {
	var e *engine.Engine
	app := fx.New(
		fx.Provide(
			cli.config,
			provideLogger,
		),
		fx.NopLogger,
		engine.Module,
		fx.Populate(&e),
	)
	if err := app.Err(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return fn(ctx, e)
}

// withClient calls the serve daemon.
func (cli *CLI) withClient(fn func(context.Context, *apiv1.Client) error) error {
	makeLogger(cli.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return fn(ctx, apiv1.NewDefaultClient(cli.Address))
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return makeLogger(cfg.LogLevel)
}

func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	// stdout carries command output
	handler := slog.NewJSONHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
