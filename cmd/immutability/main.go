package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/elee1766/immutability/pkg/btrfs"
	"github.com/elee1766/immutability/pkg/config"
	"github.com/elee1766/immutability/pkg/immutability"
	"github.com/elee1766/immutability/pkg/journal"
	"github.com/elee1766/immutability/pkg/mount"
	"github.com/elee1766/immutability/pkg/runlog"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// CLI is the root command structure
type CLI struct {
	// Global flags, each overriding its IMMUTABILITY_* variable
	LogLevel  string `short:"l" help:"Log level (debug, info, warn, error)"`
	MountPath string `help:"Where to mount the top-level subvolume"`
	Backend   string `help:"Snapshot primitives: cli (btrfs-progs) or ioctl"`
	NoJournal bool   `help:"Do not record runs in the journal"`

	// Subcommands
	Run    RunCmd    `cmd:"" default:"withargs" help:"Reset, rotate or restore subvolumes (default)"`
	Status StatusCmd `cmd:"" help:"Show the generations of each subvolume"`
}

func (cli *CLI) config() *config.Config {
	cfg := config.New()
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.MountPath != "" {
		cfg.MountPath = cli.MountPath
	}
	if cli.Backend != "" {
		cfg.Backend = cli.Backend
	}
	if cli.NoJournal {
		cfg.JournalEnabled = false
	}
	return cfg
}

// RunCmd is the boot-time entry point.
type RunCmd struct {
	Device        string   `arg:"" help:"btrfs block device (or image file)"`
	SnapshotsName string   `arg:"" help:"Directory holding one snapshot namespace per subvolume"`
	CleanName     string   `arg:"" help:"Name of the clean generation in each namespace"`
	Mode          string   `arg:"" enum:"reset,snapshot-only,restore-previous,restore-penultimate,disabled" help:"One of reset, snapshot-only, restore-previous, restore-penultimate, disabled"`
	Targets       []string `arg:"" optional:"" name:"subvolume" help:"name=mountpoint:filter_rule_path"`
}

func (c *RunCmd) Run(cli *CLI, rc *runlog.Context) error {
	mode, err := immutability.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	targets, err := immutability.ParseTargets(c.Targets)
	if err != nil {
		return err
	}

	var sess *Session
	app, err := startApp(cli, rc, fx.Populate(&sess))
	if err != nil {
		return err
	}
	defer app.Stop(context.Background())

	return sess.Run(context.Background(), RunRequest{
		Device:    c.Device,
		Snapshots: c.SnapshotsName,
		Clean:     c.CleanName,
		Mode:      mode,
		Targets:   targets,
	})
}

// StatusCmd reports on generations without changing them.
type StatusCmd struct {
	Device        string   `arg:"" help:"btrfs block device (or image file)"`
	SnapshotsName string   `arg:"" help:"Directory holding one snapshot namespace per subvolume"`
	CleanName     string   `arg:"" help:"Name of the clean generation in each namespace"`
	Targets       []string `arg:"" optional:"" name:"subvolume" help:"Subvolume names or name=mountpoint:filter tuples (default: every namespace)"`
	History       int      `short:"n" default:"5" help:"Journal entries to show per subvolume"`
}

func (c *StatusCmd) Run(cli *CLI, rc *runlog.Context) error {
	targets, err := immutability.ParseTargets(c.Targets)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}

	var sess *Session
	app, err := startApp(cli, rc, fx.Populate(&sess))
	if err != nil {
		return err
	}
	defer app.Stop(context.Background())

	reports, err := sess.Status(StatusRequest{
		Device:    c.Device,
		Snapshots: c.SnapshotsName,
		Clean:     c.CleanName,
		Names:     names,
		History:   c.History,
	})
	if err != nil {
		return err
	}
	renderStatus(os.Stdout, reports, rc.Now())
	return nil
}

func startApp(cli *CLI, rc *runlog.Context, opts ...fx.Option) (*fx.App, error) {
	app := fx.New(
		fx.Supply(rc),
		fx.Provide(
			cli.config,
			provideLogger,
			provideSubvolumes,
			provideCopier,
			newSession,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: log}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		btrfs.Module,
		mount.Module,
		immutability.Module,
		journal.Module,
		fx.Options(opts...),
	)
	if err := app.Start(context.Background()); err != nil {
		// nothing is mounted yet; report with a logger of our own since
		// the graph may not have produced one
		rc.NewLogger(os.Stdout, cli.config().LogLevel).Error("Immutability aborted", "error", err)
		return nil, fmt.Errorf("start: %w", err)
	}
	return app, nil
}

func provideSubvolumes(b btrfs.Backend) immutability.Subvolumes {
	return b
}

func provideCopier(r *btrfs.Runner) immutability.Copier {
	return immutability.NewCPCopier(r)
}

func provideLogger(cfg *config.Config, rc *runlog.Context) *slog.Logger {
	logger := rc.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	return logger
}

func main() {
	rc := runlog.NewContext(nil)

	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name(config.AppName),
		kong.Description("Reset btrfs subvolumes to a clean state at boot, keeping persistent paths"),
		kong.UsageOnError(),
		kong.Bind(rc),
		kong.Exit(func(code int) {
			if code != 0 {
				code = 1
			}
			os.Exit(code)
		}),
	)

	if err := ctx.Run(cli); err != nil {
		var usage *immutability.UsageError
		if errors.As(err, &usage) {
			ctx.Errorf("%s", usage.Msg)
			_ = ctx.PrintUsage(true)
		}
		// everything else was already logged as "Immutability aborted"
		os.Exit(1)
	}
}
