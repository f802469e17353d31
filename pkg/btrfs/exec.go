package btrfs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandError is returned when an external command exits non-zero or
// cannot be started.
type CommandError struct {
	Args     []string
	ExitCode int // -1 when the command never ran
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", strings.Join(e.Args, " "))
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + lastLine(stderr)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Runner runs external commands synchronously and echoes their output
// through the run logger. Commands are never killed or timed out.
type Runner struct {
	logger *slog.Logger
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger.With("component", "exec"),
	}
}

// Run executes a command, logging the command line, each non-empty stdout
// line at info and each non-empty stderr line at warn.
func (r *Runner) Run(name string, args ...string) (string, error) {
	return r.run(true, name, args...)
}

// Query executes a command whose stdout is data rather than progress output;
// only the command line (at debug) and stderr are logged.
func (r *Runner) Query(name string, args ...string) (string, error) {
	return r.run(false, name, args...)
}

func (r *Runner) run(echo bool, name string, args ...string) (string, error) {
	argv := append([]string{name}, args...)
	if echo {
		r.logger.Info(strings.Join(argv, " "))
	} else {
		r.logger.Debug(strings.Join(argv, " "))
	}

	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if echo {
		eachLine(stdout.String(), func(line string) {
			r.logger.Info("  " + line)
		})
	}
	eachLine(stderr.String(), func(line string) {
		r.logger.Warn("  " + line)
	})

	if err != nil {
		cerr := &CommandError{
			Args:     argv,
			ExitCode: -1,
			Stderr:   stderr.String(),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		return stdout.String(), cerr
	}

	return stdout.String(), nil
}

func eachLine(s string, fn func(string)) {
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fn(line)
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
