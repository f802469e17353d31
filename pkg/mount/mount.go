// Package mount brackets a run with the mount and unmount of the btrfs
// top-level subvolume.
package mount

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/elee1766/immutability/pkg/btrfs"
	"github.com/elee1766/immutability/pkg/config"
	"go.uber.org/fx"
)

var Module = fx.Module("mount",
	fx.Provide(New),
)

// TopLevelOptions mounts subvolid=5 so every subvolume and snapshot
// namespace is reachable below the mount point, and lets unprivileged
// subvolume deletion succeed inside it.
const TopLevelOptions = "subvolid=5,user_subvol_rm_allowed"

// Commander runs an external command; *btrfs.Runner satisfies it.
type Commander interface {
	Run(name string, args ...string) (string, error)
}

// Mounter owns the single working mount of a run.
type Mounter struct {
	runner Commander
	path   string
	logger *slog.Logger

	unmountOnce sync.Once
	unmountErr  error
}

func New(cfg *config.Config, runner *btrfs.Runner, logger *slog.Logger) *Mounter {
	return NewWithCommander(runner, cfg.MountPath, logger)
}

func NewWithCommander(runner Commander, path string, logger *slog.Logger) *Mounter {
	return &Mounter{
		runner: runner,
		path:   path,
		logger: logger.With("component", "mount"),
	}
}

// Path returns the mount point.
func (m *Mounter) Path() string {
	return m.path
}

// Mount mounts the top-level subvolume of device at the mount point.
func (m *Mounter) Mount(device string) error {
	if err := checkDevice(device); err != nil {
		return err
	}
	if _, err := m.runner.Run("mkdir", "-p", m.path); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	if _, err := m.runner.Run("mount", "-t", "btrfs", "-o", TopLevelOptions, device, m.path); err != nil {
		return fmt.Errorf("mount %s: %w", device, err)
	}
	return nil
}

// Unmount recursively unmounts the mount point, so anything left mounted
// below it does not keep it busy. Only the first call does anything; later
// calls return the first result.
func (m *Mounter) Unmount() error {
	m.unmountOnce.Do(func() {
		if _, err := m.runner.Run("umount", "-R", m.path); err != nil {
			m.logger.Error("unmount failed", "path", m.path, "error", err)
			m.unmountErr = fmt.Errorf("unmount %s: %w", m.path, err)
		}
	})
	return m.unmountErr
}

// tagPrefixes are the filesystem identifiers mount(8) resolves itself.
var tagPrefixes = []string{"UUID=", "LABEL=", "PARTUUID=", "PARTLABEL="}

// checkDevice requires device to be a block device or a regular file
// (a loop-mountable image). Tags such as UUID=... are left to mount.
func checkDevice(device string) error {
	for _, prefix := range tagPrefixes {
		if strings.HasPrefix(device, prefix) {
			if len(device) == len(prefix) {
				return fmt.Errorf("device %s has an empty value", device)
			}
			return nil
		}
	}
	info, err := os.Stat(device)
	if err != nil {
		return fmt.Errorf("device %s: %w", device, err)
	}
	mode := info.Mode()
	if mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0 {
		return nil
	}
	if mode.IsRegular() {
		return nil
	}
	return fmt.Errorf("device %s is not a block device", device)
}
