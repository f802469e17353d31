package immutability

import (
	"strings"
)

// Mode selects what a run does to every configured subvolume.
type Mode string

const (
	ModeReset              Mode = "reset"
	ModeSnapshotOnly       Mode = "snapshot-only"
	ModeRestorePrevious    Mode = "restore-previous"
	ModeRestorePenultimate Mode = "restore-penultimate"
	ModeDisabled           Mode = "disabled"
)

// Modes lists every accepted mode in documentation order.
var Modes = []Mode{
	ModeReset,
	ModeSnapshotOnly,
	ModeRestorePrevious,
	ModeRestorePenultimate,
	ModeDisabled,
}

func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", usageErrorf("unknown mode %q", s)
}

// Target is one managed subvolume, given on the command line as
// name=mountpoint:filter_rule_path.
type Target struct {
	Name       string
	MountPoint string
	FilterPath string
}

// ParseTarget splits a target argument. The filter path follows the last
// ':'; the name precedes the first '='. Both the mountpoint and the filter
// path may be omitted.
func ParseTarget(arg string) (Target, error) {
	nameMount, filter := arg, ""
	if i := strings.LastIndexByte(arg, ':'); i >= 0 {
		nameMount, filter = arg[:i], arg[i+1:]
	}

	name, mountPoint, found := strings.Cut(nameMount, "=")
	if !found || mountPoint == "" {
		mountPoint = "/"
	}

	if err := validateName(name); err != nil {
		return Target{}, err
	}

	return Target{
		Name:       name,
		MountPoint: mountPoint,
		FilterPath: strings.TrimSpace(filter),
	}, nil
}

// ParseTargets parses every target argument and rejects duplicate names,
// since two tasks on one subvolume would race on the same generations.
func ParseTargets(args []string) ([]Target, error) {
	seen := make(map[string]bool, len(args))
	targets := make([]Target, 0, len(args))
	for _, arg := range args {
		t, err := ParseTarget(arg)
		if err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, usageErrorf("subvolume %q given more than once", t.Name)
		}
		seen[t.Name] = true
		targets = append(targets, t)
	}
	return targets, nil
}

func validateName(name string) error {
	switch {
	case name == "":
		return usageErrorf("empty subvolume name")
	case name == "." || name == "..":
		return usageErrorf("invalid subvolume name %q", name)
	case strings.ContainsRune(name, '/'):
		return usageErrorf("subvolume name %q must not contain '/'", name)
	}
	return nil
}
