package btrfs

import (
	"fmt"
	"log/slog"

	"github.com/elee1766/immutability/pkg/config"
	"go.uber.org/fx"
)

// Package btrfs provides the copy-on-write primitives the rotation is built on:
// - Snapshot, delete and read-only toggling of subvolumes
// - Listing the subvolumes nested directly below a subvolume
// - Filesystem sync
// - Root item inspection for status reporting

var Module = fx.Module("btrfs",
	fx.Provide(
		NewRunner,
		NewBackend,
	),
)

// Backend is the set of primitives both implementations provide.
type Backend interface {
	Snapshot(src, dst string) error
	Delete(path string) error
	SetReadOnly(path string, readonly bool) error
	ListChildren(path string) ([]string, error)
	Sync(path string) error
}

// NewBackend selects the primitive implementation named by the config.
func NewBackend(cfg *config.Config, runner *Runner, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendCLI, "":
		return NewCLI(runner, cfg.BtrfsBin, cfg.MountPath), nil
	case config.BackendIoctl:
		return NewNative(logger), nil
	default:
		return nil, fmt.Errorf("unknown btrfs backend %q (want %q or %q)", cfg.Backend, config.BackendCLI, config.BackendIoctl)
	}
}
