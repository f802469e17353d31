package immutability

import "fmt"

// UsageError reports bad invocation arguments. It is raised before anything
// is mounted.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}

func usageErrorf(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// PreconditionError reports a generation or volume that must exist but
// does not.
type PreconditionError struct {
	What string
	Path string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s missing: %s", e.What, e.Path)
}
