package journal

import (
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// gooseLogger routes goose's progress output into the run log.
type gooseLogger struct {
	logger *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// migrate brings the schema up to date.
func (j *Journal) migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{logger: j.logger})

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	version, err := goose.GetDBVersion(j.conn)
	if err != nil {
		j.logger.Debug("no existing journal version", "error", err)
	} else {
		j.logger.Debug("current journal version", "version", version)
	}

	return goose.Up(j.conn, "migrations")
}

// Version returns the current schema version.
func (j *Journal) Version() (int64, error) {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, err
	}

	return goose.GetDBVersion(j.conn)
}
