// Package journal keeps a small sqlite record of every run next to the
// snapshot namespaces it describes, so `immutability status` can tell when
// each subvolume was last reset and how that went.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elee1766/immutability/pkg/config"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/fx"
)

var Module = fx.Module("journal",
	fx.Provide(New),
)

type Status string

const (
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

// Entry is one subvolume's part in one run.
type Entry struct {
	ID         int64
	RunID      string
	Mode       string
	Subvolume  string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running or when the run died
	Status     Status
	Error      string
}

// Opener opens the journal once the filesystem holding it is mounted.
type Opener struct {
	cfg    *config.Config
	logger *slog.Logger

	mu     sync.Mutex
	opened []*Journal
}

func New(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) *Opener {
	o := &Opener{
		cfg:    cfg,
		logger: logger.With("component", "journal"),
	}

	// Sessions close their journal before unmounting; this only catches
	// one left open by an aborted start.
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			o.mu.Lock()
			defer o.mu.Unlock()
			for _, j := range o.opened {
				j.Close()
			}
			return nil
		},
	})

	return o
}

// Open opens the journal of a snapshots namespace. It returns nil, nil when
// the journal is disabled; a nil *Journal ignores every call.
func (o *Opener) Open(snapshotsName string) (*Journal, error) {
	if !o.cfg.JournalEnabled {
		o.logger.Debug("journal disabled")
		return nil, nil
	}
	j, err := Open(o.cfg.JournalLocation(snapshotsName), o.logger)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.opened = append(o.opened, j)
	o.mu.Unlock()
	return j, nil
}

// OpenExisting is Open for readers: it returns nil, nil when the journal is
// disabled or was never created.
func (o *Opener) OpenExisting(snapshotsName string) (*Journal, error) {
	if !o.cfg.JournalEnabled {
		return nil, nil
	}
	if _, err := os.Stat(o.cfg.JournalLocation(snapshotsName)); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return o.Open(snapshotsName)
}

// Journal is an open run journal database.
type Journal struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the journal database at path and migrates it.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// concurrent subvolume tasks share one connection
	conn.SetMaxOpenConns(1)

	j := &Journal{
		conn:   conn,
		path:   path,
		logger: logger,
	}

	if err := j.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize journal %s: %w", path, err)
	}

	logger.Debug("journal opened", "path", path)
	return j, nil
}

func (j *Journal) init() error {
	if _, err := j.conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return err
	}
	return j.migrate()
}

// Path returns the database file.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Close closes the database. Later calls return the first result.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.closeOnce.Do(func() {
		j.closeErr = j.conn.Close()
	})
	return j.closeErr
}

// Begin records that a run started working on a subvolume.
func (j *Journal) Begin(runID, mode, subvolume string, at time.Time) error {
	if j == nil {
		return nil
	}
	_, err := j.conn.Exec(`
		INSERT INTO runs (run_id, mode, subvolume, started_at, status)
		VALUES (?, ?, ?, ?, ?)
	`, runID, mode, subvolume, at.Unix(), string(StatusRunning))
	return err
}

// Finish records the outcome of a run for a subvolume.
func (j *Journal) Finish(runID, subvolume string, at time.Time, runErr error) error {
	if j == nil {
		return nil
	}
	status, msg := StatusOK, sql.NullString{}
	if runErr != nil {
		status = StatusFailed
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := j.conn.Exec(`
		UPDATE runs SET finished_at = ?, status = ?, error = ?
		WHERE run_id = ? AND subvolume = ?
	`, at.Unix(), string(status), msg, runID, subvolume)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no journal entry for run %s subvolume %s", runID, subvolume)
	}
	return nil
}

// Recent returns the latest entries, newest first. An empty subvolume
// matches all of them.
func (j *Journal) Recent(subvolume string, limit int) ([]*Entry, error) {
	if j == nil {
		return nil, nil
	}

	query := `
		SELECT id, run_id, mode, subvolume, started_at, finished_at, status, error
		FROM runs
		WHERE 1=1
	`
	args := []any{}

	if subvolume != "" {
		query += " AND subvolume = ?"
		args = append(args, subvolume)
	}

	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var startedAt int64
		var finishedAt sql.NullInt64
		var status string
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Mode, &e.Subvolume, &startedAt, &finishedAt, &status, &msg); err != nil {
			return nil, err
		}
		e.StartedAt = time.Unix(startedAt, 0)
		if finishedAt.Valid {
			e.FinishedAt = time.Unix(finishedAt.Int64, 0)
		}
		e.Status = Status(status)
		e.Error = msg.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
