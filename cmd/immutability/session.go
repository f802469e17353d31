package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/elee1766/immutability/pkg/btrfs"
	"github.com/elee1766/immutability/pkg/immutability"
	"github.com/elee1766/immutability/pkg/journal"
	"github.com/elee1766/immutability/pkg/mount"
	"github.com/elee1766/immutability/pkg/runlog"
	"github.com/google/uuid"
)

type mountBracket interface {
	Mount(device string) error
	Unmount() error
	Path() string
}

type dispatcher interface {
	Dispatch(ctx context.Context, req immutability.Request) error
}

type inspector interface {
	Layout(snapshots, clean, name string) immutability.Layout
	Inspect(l immutability.Layout) (immutability.Facts, immutability.State)
}

type syncer interface {
	Sync(path string) error
}

type journalOpener interface {
	Open(snapshotsName string) (*journal.Journal, error)
	OpenExisting(snapshotsName string) (*journal.Journal, error)
}

// Session brackets one invocation: mount the top-level subvolume, work, and
// unmount exactly once whatever happened in between.
type Session struct {
	mounter  mountBracket
	manager  dispatcher
	layouts  inspector
	fs       syncer
	journals journalOpener
	rc       *runlog.Context
	logger   *slog.Logger

	// subvolume root item lookup, for status
	inspect func(path string) (*btrfs.SubvolumeInfo, error)
}

func newSession(
	m *mount.Mounter,
	mgr *immutability.Manager,
	backend btrfs.Backend,
	journals *journal.Opener,
	rc *runlog.Context,
	logger *slog.Logger,
) *Session {
	return &Session{
		mounter:  m,
		manager:  mgr,
		layouts:  mgr,
		fs:       backend,
		journals: journals,
		rc:       rc,
		logger:   logger,
		inspect:  btrfs.Inspect,
	}
}

// RunRequest is a parsed invocation of the run command.
type RunRequest struct {
	Device    string
	Snapshots string
	Clean     string
	Mode      immutability.Mode
	Targets   []immutability.Target
}

// Run applies req.Mode to every target between mount and unmount, then
// logs the final verdict line.
func (s *Session) Run(ctx context.Context, req RunRequest) (err error) {
	runID := uuid.NewString()
	s.logger.Info("starting immutability",
		"mode", req.Mode,
		"device", req.Device,
		"subvolumes", len(req.Targets),
		"run", runID,
	)

	defer func() {
		s.mounter.Unmount()
		if err != nil {
			s.logger.Error("Immutability aborted", "error", err)
			return
		}
		s.logger.Info("Immutability complete")
	}()

	if err := s.mounter.Mount(req.Device); err != nil {
		return err
	}

	var j *journal.Journal
	if req.Mode != immutability.ModeDisabled {
		j = s.openJournal(req.Snapshots)
		defer func() {
			if err := j.Close(); err != nil {
				s.logger.Warn("closing journal failed", "error", err)
			}
		}()
	}

	for _, t := range req.Targets {
		if err := j.Begin(runID, string(req.Mode), t.Name, s.rc.Now()); err != nil {
			s.logger.Warn("journal write failed", "subvolume", t.Name, "error", err)
		}
	}

	err = s.manager.Dispatch(ctx, immutability.Request{
		Mode:      req.Mode,
		Snapshots: req.Snapshots,
		Clean:     req.Clean,
		Targets:   req.Targets,
		OnDone: func(t immutability.Target, runErr error) {
			if err := j.Finish(runID, t.Name, s.rc.Now(), runErr); err != nil {
				s.logger.Warn("journal write failed", "subvolume", t.Name, "error", err)
			}
		},
	})
	if err != nil {
		return err
	}

	if err := s.fs.Sync(s.mounter.Path()); err != nil {
		return fmt.Errorf("sync %s: %w", s.mounter.Path(), err)
	}
	return nil
}

// openJournal opens the run journal; a journal that cannot be opened is
// logged and skipped, never fatal.
func (s *Session) openJournal(snapshots string) *journal.Journal {
	j, err := s.journals.Open(snapshots)
	if err != nil {
		s.logger.Warn("journal unavailable, continuing without it", "error", err)
		return nil
	}
	return j
}

// GenerationReport describes one generation or the live volume.
type GenerationReport struct {
	Name    string
	Path    string
	Present bool
	Ready   bool                 // CURRENT only
	Info    *btrfs.SubvolumeInfo // nil when the root item could not be read
}

// Report is the status of one managed subvolume.
type Report struct {
	Name        string
	State       immutability.State
	Generations []GenerationReport
	History     []*journal.Entry
}

// StatusRequest is a parsed invocation of the status command.
type StatusRequest struct {
	Device    string
	Snapshots string
	Clean     string
	Names     []string // every namespace when empty
	History   int
}

// Status mounts the filesystem and reports on each subvolume without
// changing anything.
func (s *Session) Status(req StatusRequest) (reports []Report, err error) {
	defer s.mounter.Unmount()

	if err := s.mounter.Mount(req.Device); err != nil {
		return nil, err
	}

	names := req.Names
	if len(names) == 0 {
		names, err = listNamespaces(filepath.Join(s.mounter.Path(), req.Snapshots))
		if err != nil {
			return nil, err
		}
	}

	j, err := s.journals.OpenExisting(req.Snapshots)
	if err != nil {
		s.logger.Warn("journal unavailable", "error", err)
	}
	defer j.Close()

	for _, name := range names {
		l := s.layouts.Layout(req.Snapshots, req.Clean, name)
		facts, state := s.layouts.Inspect(l)

		r := Report{Name: name, State: state}
		r.Generations = []GenerationReport{
			s.generation("live", l.Live, true, false),
			s.generation(req.Clean, l.Clean, facts.Clean, false),
			s.generation(string(immutability.Current), l.Current, facts.Current, facts.Ready),
			s.generation(string(immutability.Previous), l.Previous, facts.Previous, false),
			s.generation(string(immutability.Penultimate), l.Penultimate, facts.Penultimate, false),
		}

		r.History, err = j.Recent(name, req.History)
		if err != nil {
			s.logger.Warn("reading journal failed", "subvolume", name, "error", err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (s *Session) generation(name, path string, present, ready bool) GenerationReport {
	g := GenerationReport{Name: name, Path: path, Ready: ready}
	if info, err := os.Stat(path); err != nil || !info.IsDir() || !present {
		return g
	}
	g.Present = true
	info, err := s.inspect(path)
	if err != nil {
		s.logger.Debug("inspect failed", "path", path, "error", err)
		return g
	}
	g.Info = info
	return g
}

// listNamespaces returns the subvolume names that have a snapshot namespace.
func listNamespaces(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot namespaces: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
