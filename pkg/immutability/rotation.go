package immutability

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
)

type step struct {
	name string
	fn   func() error
}

// runSteps runs steps in order, stopping at the first failure or when ctx
// is cancelled between two steps. A step in flight is never interrupted.
func runSteps(ctx context.Context, logger *slog.Logger, steps []step) error {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stopped before %s: %w", s.name, err)
		}
		logger.Debug("step", "name", s.name)
		if err := s.fn(); err != nil {
			return err
		}
	}
	return nil
}

// replace makes dst a fresh snapshot of src: delete whatever is at dst,
// then snapshot. A crash in between leaves dst missing, never half-written.
func (m *Manager) replace(src, dst string) error {
	if !isDir(src) {
		return &PreconditionError{What: "snapshot source", Path: src}
	}
	if err := m.DeleteRecursive(dst); err != nil {
		return err
	}
	if err := m.fs.Snapshot(src, dst); err != nil {
		return fmt.Errorf("snapshot %s to %s: %w", src, dst, err)
	}
	return nil
}

func (m *Manager) discardInterrupted(l Layout, logger *slog.Logger) error {
	facts, _ := m.Inspect(l)
	if !facts.Interrupted() {
		return nil
	}
	logger.Warn("incomplete boot detected, discarding CURRENT", "missing", ReadyMarker, "path", l.Current)
	return m.DeleteRecursive(l.Current)
}

func (m *Manager) requireClean(l Layout) error {
	if !isDir(l.Clean) {
		return &PreconditionError{What: "clean generation", Path: l.Clean}
	}
	return nil
}

// bootstrap seeds the history from the clean template on first run.
func (m *Manager) bootstrap(l Layout, logger *slog.Logger) error {
	if !isDir(l.Penultimate) {
		logger.Info("seeding generation from clean", "generation", Penultimate)
		if err := m.replace(l.Clean, l.Penultimate); err != nil {
			return err
		}
	}
	if !isDir(l.Previous) {
		logger.Info("seeding generation from clean", "generation", Previous)
		if err := m.replace(l.Clean, l.Previous); err != nil {
			return err
		}
	}
	return nil
}

// rotateHistory shifts PREVIOUS into PENULTIMATE and the live volume into
// PREVIOUS, in that order, so no generation is deleted while it is the only
// copy of its content.
func (m *Manager) rotateHistory(l Layout) error {
	if err := m.replace(l.Previous, l.Penultimate); err != nil {
		return err
	}
	return m.replace(l.Live, l.Previous)
}

// Reset rotates the history of one subvolume, rebuilds CURRENT as the clean
// template plus the persistent paths of the outgoing live volume, and
// promotes it to the live volume.
func (m *Manager) Reset(ctx context.Context, l Layout, filterPath string) error {
	logger := m.logger.With("subvolume", l.Name)
	logger.Info("resetting", "filter", filterPath)

	var keep PathSet
	return runSteps(ctx, logger, []step{
		{"discard interrupted", func() error { return m.discardInterrupted(l, logger) }},
		{"require clean", func() error { return m.requireClean(l) }},
		{"bootstrap", func() error { return m.bootstrap(l, logger) }},
		{"rotate history", func() error { return m.rotateHistory(l) }},
		{"create current", func() error { return m.replace(l.Previous, l.Current) }},
		{"make current writable", func() error {
			if err := m.fs.SetReadOnly(l.Current, false); err != nil {
				return fmt.Errorf("make %s writable: %w", l.Current, err)
			}
			// PREVIOUS was promoted from an earlier CURRENT and inherits its
			// marker; this CURRENT is not ready until its own merge finishes.
			if err := os.Remove(l.Marker()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove inherited marker: %w", err)
			}
			return nil
		}},
		{"load filter", func() error {
			var err error
			keep, err = ParseFilterFile(filterPath)
			return err
		}},
		{"merge", func() error {
			logger.Info("merging persistent paths with clean state", "persistent", keep.Len())
			_, err := m.merger.Merge(ctx, l.Current, l.Clean, keep)
			if err != nil {
				return fmt.Errorf("merge %s: %w", l.Current, err)
			}
			return nil
		}},
		{"mark ready", func() error { return m.markReady(l) }},
		{"promote", func() error { return m.promote(l) }},
	})
}

func (m *Manager) markReady(l Layout) error {
	if err := os.WriteFile(l.Marker(), nil, 0o644); err != nil {
		return fmt.Errorf("write readiness marker: %w", err)
	}
	if err := m.fs.Sync(l.Current); err != nil {
		return fmt.Errorf("sync %s: %w", l.Current, err)
	}
	return nil
}

// promote replaces the live volume with CURRENT. Only a CURRENT carrying the
// readiness marker may become the live volume.
func (m *Manager) promote(l Layout) error {
	if !isFile(l.Marker()) {
		return &PreconditionError{What: "readiness marker", Path: l.Marker()}
	}
	return m.replace(l.Current, l.Live)
}

// SnapshotOnly advances PREVIOUS and PENULTIMATE without touching CURRENT
// or the live volume.
func (m *Manager) SnapshotOnly(ctx context.Context, l Layout) error {
	logger := m.logger.With("subvolume", l.Name)
	logger.Info("snapshot-only")

	err := runSteps(ctx, logger, []step{
		{"require clean", func() error { return m.requireClean(l) }},
		{"bootstrap", func() error { return m.bootstrap(l, logger) }},
		{"rotate history", func() error { return m.rotateHistory(l) }},
	})
	if err != nil {
		return err
	}
	logger.Info("snapshot-only complete (no wipe)")
	return nil
}

// Restore snapshots a history generation straight onto the live volume.
func (m *Manager) Restore(ctx context.Context, l Layout, from Generation) error {
	if from != Previous && from != Penultimate {
		return fmt.Errorf("cannot restore from %s", from)
	}
	logger := m.logger.With("subvolume", l.Name)
	src := l.Path(from)

	return runSteps(ctx, logger, []step{
		{"require source", func() error {
			if !isDir(src) {
				return &PreconditionError{What: "restore source", Path: src}
			}
			return nil
		}},
		{"restore", func() error {
			logger.Info("restoring", "from", from)
			return m.replace(src, l.Live)
		}},
	})
}
