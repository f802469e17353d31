package immutability

import "path/filepath"

// ReadyMarker is created at the root of CURRENT once its merge completed.
const ReadyMarker = ".boot-ready"

// Generation names a rotated generation inside a snapshot namespace. The
// clean template's name is chosen by the caller.
type Generation string

const (
	Current     Generation = "CURRENT"
	Previous    Generation = "PREVIOUS"
	Penultimate Generation = "PENULTIMATE"
)

// Layout holds the absolute paths involved in rotating one subvolume.
type Layout struct {
	Name        string
	Live        string
	Namespace   string
	Clean       string
	Current     string
	Previous    string
	Penultimate string
}

// Path returns the path of a rotated generation.
func (l Layout) Path(g Generation) string {
	switch g {
	case Current:
		return l.Current
	case Previous:
		return l.Previous
	case Penultimate:
		return l.Penultimate
	}
	return filepath.Join(l.Namespace, string(g))
}

// Marker returns the path of CURRENT's readiness marker.
func (l Layout) Marker() string {
	return filepath.Join(l.Current, ReadyMarker)
}

// Facts are the durable on-disk facts a subvolume's state is derived from.
type Facts struct {
	Clean       bool
	Penultimate bool
	Previous    bool
	Current     bool
	Ready       bool // CURRENT carries the readiness marker
}

// Interrupted reports a CURRENT left behind by a run that never finished
// its merge.
func (f Facts) Interrupted() bool {
	return f.Current && !f.Ready
}

// State is the conceptual rotation state of one subvolume. It is never
// stored; DeriveState computes it from Facts on every run.
type State int

const (
	StateNoClean State = iota
	StateCleanOnly
	StateRotated
	StateMerging
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNoClean:
		return "no-clean"
	case StateCleanOnly:
		return "clean-only"
	case StateRotated:
		return "rotated"
	case StateMerging:
		return "merging"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// DeriveState maps on-disk facts to a State.
func DeriveState(f Facts) State {
	switch {
	case !f.Clean:
		return StateNoClean
	case f.Current && f.Ready:
		return StateReady
	case f.Current:
		return StateMerging
	case f.Previous && f.Penultimate:
		return StateRotated
	default:
		return StateCleanOnly
	}
}

// Inspect reads the facts of a layout from disk.
func (m *Manager) Inspect(l Layout) (Facts, State) {
	f := Facts{
		Clean:       isDir(l.Clean),
		Penultimate: isDir(l.Penultimate),
		Previous:    isDir(l.Previous),
		Current:     isDir(l.Current),
	}
	f.Ready = f.Current && isFile(l.Marker())
	return f, DeriveState(f)
}
