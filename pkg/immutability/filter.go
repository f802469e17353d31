package immutability

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
)

// includePrefix starts a keep rule for an absolute path.
const includePrefix = "+ /"

// PathSet is a normalized set of absolute persistent paths, relative to a
// subvolume root.
type PathSet struct {
	paths map[string]struct{}
}

func NewPathSet(paths ...string) PathSet {
	s := PathSet{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		s.paths[path.Clean("/"+p)] = struct{}{}
	}
	return s
}

func (s PathSet) Len() int {
	return len(s.paths)
}

// Contains reports whether p itself is persistent.
func (s PathSet) Contains(p string) bool {
	_, ok := s.paths[p]
	return ok
}

// HasDescendant reports whether some persistent path lies strictly below p.
func (s PathSet) HasDescendant(p string) bool {
	prefix := strings.TrimSuffix(p, "/") + "/"
	for k := range s.paths {
		if strings.HasPrefix(k, prefix) && k != p {
			return true
		}
	}
	return false
}

// Sorted returns the paths in lexical order.
func (s PathSet) Sorted() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ParseFilter reads keep rules. Only "+ /path" lines count; rules for a
// directory's contents ("/dir/" or "/dir/**") are dropped since only exact
// paths are preserved.
func ParseFilter(r io.Reader) (PathSet, error) {
	set := NewPathSet()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, includePrefix) {
			continue
		}
		p := strings.TrimSpace(line[len("+ "):])
		if strings.HasSuffix(p, "/") || strings.HasSuffix(p, "/**") {
			continue
		}
		set.paths[path.Clean(p)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return PathSet{}, fmt.Errorf("read filter rules: %w", err)
	}
	return set, nil
}

// ParseFilterFile loads keep rules from a file. An empty name or a missing
// file yields an empty set. Any other read failure is an error, because an
// empty set would let the merge discard everything.
func ParseFilterFile(name string) (PathSet, error) {
	if name == "" {
		return NewPathSet(), nil
	}
	f, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return NewPathSet(), nil
	}
	if err != nil {
		return PathSet{}, fmt.Errorf("open filter rules: %w", err)
	}
	defer f.Close()

	set, err := ParseFilter(f)
	if err != nil {
		return PathSet{}, fmt.Errorf("%s: %w", name, err)
	}
	return set, nil
}
