package btrfs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dennwc/btrfs"
	"github.com/dennwc/ioctl"
)

// Native implements the snapshot primitives with ioctls instead of
// btrfs-progs, for initramfs images that do not ship the btrfs binary.
type Native struct {
	logger *slog.Logger
}

func NewNative(logger *slog.Logger) *Native {
	return &Native{
		logger: logger.With("component", "btrfs-ioctl"),
	}
}

func (n *Native) Snapshot(src, dst string) error {
	n.logger.Info("snapshot", "src", src, "dst", dst)
	if err := btrfs.SnapshotSubVolume(src, dst, false); err != nil {
		return fmt.Errorf("snapshot %s to %s: %w", src, dst, err)
	}
	return nil
}

// Delete removes a single subvolume and commits the transaction of its
// parent so the deletion is durable before the next step.
func (n *Native) Delete(path string) error {
	n.logger.Info("delete subvolume", "path", path)
	if err := btrfs.DeleteSubVolume(path); err != nil {
		return fmt.Errorf("delete subvolume %s: %w", path, err)
	}
	return n.Sync(filepath.Dir(path))
}

func (n *Native) SetReadOnly(path string, readonly bool) error {
	n.logger.Info("set read-only", "path", path, "ro", readonly)

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open subvolume: %w", err)
	}
	defer f.Close()

	var flags uint64
	if err := ioctl.Do(f, ioctlSubvolGetFlags, &flags); err != nil {
		return fmt.Errorf("SUBVOL_GETFLAGS ioctl on %s: %w", path, err)
	}

	want := flags &^ SubvolFlagReadonly
	if readonly {
		want = flags | SubvolFlagReadonly
	}
	if want == flags {
		return nil
	}

	if err := ioctl.Do(f, ioctlSubvolSetFlags, &want); err != nil {
		return fmt.Errorf("SUBVOL_SETFLAGS ioctl on %s: %w", path, err)
	}
	return nil
}

func (n *Native) ListChildren(path string) ([]string, error) {
	ok, err := btrfs.IsSubVolume(path)
	if err != nil {
		return nil, fmt.Errorf("check subvolume %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s is not a subvolume", path)
	}
	return listChildSubvolumes(path)
}

func (n *Native) Sync(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := ioctl.Ioctl(f, ioctlSync, 0); err != nil {
		return fmt.Errorf("SYNC ioctl on %s: %w", path, err)
	}
	return nil
}
