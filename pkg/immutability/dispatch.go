package immutability

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Request is one run over a set of subvolumes.
type Request struct {
	Mode      Mode
	Snapshots string // name of the snapshot namespace directory
	Clean     string // name of the clean generation
	Targets   []Target

	// OnDone, if set, is called once per target when its task finishes.
	// It may be called from several goroutines at once.
	OnDone func(t Target, err error)
}

// Dispatch applies req.Mode to every target. Targets own disjoint subtrees,
// so several are processed concurrently; the first failure cancels the
// others at their next step boundary and is returned.
func (m *Manager) Dispatch(ctx context.Context, req Request) error {
	if req.Mode == ModeDisabled {
		m.logger.Info("immutability disabled, nothing to do")
		return nil
	}
	if _, err := ParseMode(string(req.Mode)); err != nil {
		return err
	}

	if len(req.Targets) == 1 {
		return m.runTarget(ctx, req, req.Targets[0])
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range req.Targets {
		g.Go(func() error {
			return m.runTarget(ctx, req, t)
		})
	}
	return g.Wait()
}

func (m *Manager) runTarget(ctx context.Context, req Request, t Target) error {
	l := m.Layout(req.Snapshots, req.Clean, t.Name)

	var err error
	switch req.Mode {
	case ModeReset:
		err = m.Reset(ctx, l, t.FilterPath)
	case ModeSnapshotOnly:
		err = m.SnapshotOnly(ctx, l)
	case ModeRestorePrevious:
		err = m.Restore(ctx, l, Previous)
	case ModeRestorePenultimate:
		err = m.Restore(ctx, l, Penultimate)
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", t.Name, err)
	}

	if req.OnDone != nil {
		req.OnDone(t, err)
	}
	return err
}
