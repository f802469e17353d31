// Package immutability resets btrfs subvolumes to a clean template at boot
// while carrying a whitelist of persistent paths across resets.
//
// Each managed subvolume <name> has a snapshot namespace
// <root>/<snapshots>/<name> holding its generations:
//
//	<clean>      read-only template, maintained elsewhere
//	CURRENT      generation being merged, promoted once marked ready
//	PREVIOUS     the live volume as it was before the last reset
//	PENULTIMATE  PREVIOUS as it was before the last reset
//
// Generations are only ever replaced by delete-then-snapshot, and the state
// of a subvolume is derived from which generations exist on disk, so a run
// that dies at any point leaves something the next run can recognise.
package immutability

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/elee1766/immutability/pkg/config"
	"go.uber.org/fx"
)

var Module = fx.Module("immutability",
	fx.Provide(New),
)

// Subvolumes is the set of copy-on-write primitives the rotation needs.
// Each call is atomic from the caller's point of view.
type Subvolumes interface {
	// Snapshot creates a writable snapshot dst of src; dst must not exist.
	Snapshot(src, dst string) error
	// Delete deletes one subvolume that has no nested subvolumes left.
	Delete(path string) error
	SetReadOnly(path string, readonly bool) error
	// ListChildren returns the subvolumes whose nearest enclosing
	// subvolume is path.
	ListChildren(path string) ([]string, error)
	Sync(path string) error
}

type Manager struct {
	fs     Subvolumes
	merger *Merger
	root   string
	logger *slog.Logger
}

func New(cfg *config.Config, fs Subvolumes, copier Copier, logger *slog.Logger) *Manager {
	return NewManager(cfg.MountPath, fs, copier, logger)
}

// NewManager returns a Manager for the top-level subvolume mounted at root.
func NewManager(root string, fs Subvolumes, copier Copier, logger *slog.Logger) *Manager {
	logger = logger.With("component", "immutability")
	return &Manager{
		fs:     fs,
		merger: NewMerger(copier, logger),
		root:   root,
		logger: logger,
	}
}

// Layout resolves the paths of one subvolume's live volume and generations.
func (m *Manager) Layout(snapshots, clean, name string) Layout {
	namespace := filepath.Join(m.root, snapshots, name)
	return Layout{
		Name:        name,
		Live:        filepath.Join(m.root, name),
		Namespace:   namespace,
		Clean:       filepath.Join(namespace, clean),
		Current:     filepath.Join(namespace, string(Current)),
		Previous:    filepath.Join(namespace, string(Previous)),
		Penultimate: filepath.Join(namespace, string(Penultimate)),
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
