package immutability

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSubvolumes behaves like btrfs on top of plain directories: it tracks
// which directories are subvolumes, refuses to delete one that still holds
// nested subvolumes, and snapshots leave nested subvolumes behind as empty
// directories.
type fakeSubvolumes struct {
	mu       sync.Mutex
	subvols  map[string]bool
	readonly map[string]bool
	ops      []string
	fail     map[string]error // keyed by "<op> <path>"
}

func newFakeSubvolumes() *fakeSubvolumes {
	return &fakeSubvolumes{
		subvols:  make(map[string]bool),
		readonly: make(map[string]bool),
		fail:     make(map[string]error),
	}
}

func (f *fakeSubvolumes) record(op, path string) error {
	f.ops = append(f.ops, op+" "+path)
	return f.fail[op+" "+path]
}

// create makes a new subvolume, creating parent directories as needed.
func (f *fakeSubvolumes) create(t *testing.T, path string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(t, os.MkdirAll(path, 0o755))
	f.subvols[path] = true
}

func (f *fakeSubvolumes) Snapshot(src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("snapshot", dst); err != nil {
		return err
	}
	if !f.subvols[src] {
		return fmt.Errorf("%s is not a subvolume", src)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s already exists", dst)
	}
	if err := f.copyTree(src, dst); err != nil {
		return err
	}
	f.subvols[dst] = true
	return nil
}

func (f *fakeSubvolumes) copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		target := filepath.Join(dst, rel)
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			if err := os.Mkdir(target, info.Mode().Perm()); err != nil {
				return err
			}
			if p != src && f.subvols[p] {
				return filepath.SkipDir
			}
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return os.WriteFile(target, data, info.Mode().Perm())
		}
	})
}

func (f *fakeSubvolumes) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", path); err != nil {
		return err
	}
	if !f.subvols[path] {
		return fmt.Errorf("%s is not a subvolume", path)
	}
	for s := range f.subvols {
		if strings.HasPrefix(s, path+"/") {
			return fmt.Errorf("%s: directory not empty", path)
		}
	}
	delete(f.subvols, path)
	delete(f.readonly, path)
	return os.RemoveAll(path)
}

func (f *fakeSubvolumes) SetReadOnly(path string, readonly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("readonly=%t", readonly), path); err != nil {
		return err
	}
	f.readonly[path] = readonly
	return nil
}

func (f *fakeSubvolumes) ListChildren(path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for s := range f.subvols {
		if !strings.HasPrefix(s, path+"/") {
			continue
		}
		nested := false
		for o := range f.subvols {
			if o != s && strings.HasPrefix(o, path+"/") && strings.HasPrefix(s, o+"/") {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeSubvolumes) Sync(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("sync", path)
}

// opsFor returns the recorded operations touching paths below prefix, with
// prefix stripped.
func (f *fakeSubvolumes) opsFor(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, op := range f.ops {
		verb, p, _ := strings.Cut(op, " ")
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			out = append(out, verb+" "+strings.TrimPrefix(p, prefix))
		}
	}
	return out
}

// fileCopier copies the way cp -a does, without needing cp.
type fileCopier struct{}

func (fileCopier) Copy(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyEntry(src, dst, info)
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		return copyEntry(p, filepath.Join(dst, rel), info)
	})
}

func copyEntry(src, dst string, info fs.FileInfo) error {
	switch {
	case info.IsDir():
		return os.Mkdir(dst, info.Mode().Perm())
	case info.Mode()&fs.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(link, dst)
	default:
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, info.Mode().Perm())
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
