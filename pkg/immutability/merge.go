package immutability

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"syscall"
)

// Copier places a copy of src (file, symlink or directory tree) at dst,
// preserving attributes. dst does not exist when Copy is called.
type Copier interface {
	Copy(src, dst string) error
}

// Querier runs a command without echoing its stdout; *btrfs.Runner
// satisfies it.
type Querier interface {
	Query(name string, args ...string) (string, error)
}

// CPCopier copies with cp, sharing extents with the source when the
// filesystem supports reflinks and falling back to a byte copy otherwise.
type CPCopier struct {
	runner Querier
}

func NewCPCopier(runner Querier) *CPCopier {
	return &CPCopier{runner: runner}
}

func (c *CPCopier) Copy(src, dst string) error {
	_, err := c.runner.Query("cp", "--reflink=auto", "-a", "--no-target-directory", src, dst)
	return err
}

// MergeStats counts what a merge did.
type MergeStats struct {
	Kept      int // persistent entries left alone
	Descended int // ancestors of persistent entries walked into
	Replaced  int // entries copied from the clean side
	Removed   int // live entries with no clean counterpart
}

// Merger reconciles a live tree with a clean template.
type Merger struct {
	copier Copier
	logger *slog.Logger
}

func NewMerger(copier Copier, logger *slog.Logger) *Merger {
	return &Merger{copier: copier, logger: logger}
}

// Merge makes liveRoot identical to cleanRoot except for the paths in keep
// and everything below them, which are left untouched.
func (mg *Merger) Merge(ctx context.Context, liveRoot, cleanRoot string, keep PathSet) (MergeStats, error) {
	var st MergeStats
	if err := mg.mergeDir(ctx, liveRoot, cleanRoot, "/", keep, &st); err != nil {
		return st, err
	}
	mg.logger.Info("merge complete",
		"live", liveRoot,
		"kept", st.Kept,
		"descended", st.Descended,
		"replaced", st.Replaced,
		"removed", st.Removed,
	)
	return st, nil
}

func (mg *Merger) mergeDir(ctx context.Context, liveRoot, cleanRoot, dir string, keep PathSet, st *MergeStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	names, err := unionNames(filepath.Join(liveRoot, dir), filepath.Join(cleanRoot, dir))
	if err != nil {
		return err
	}

	for _, name := range names {
		rel := path.Join(dir, name)
		livePath := filepath.Join(liveRoot, rel)
		cleanPath := filepath.Join(cleanRoot, rel)

		switch {
		case keep.Contains(rel):
			mg.logger.Debug("keep", "path", rel)
			st.Kept++

		case keep.HasDescendant(rel):
			linked, err := ensureDir(livePath, cleanPath)
			if err != nil {
				return err
			}
			if linked {
				// the persistent paths live wherever the link points
				mg.logger.Debug("keep symlinked ancestor", "path", rel)
				st.Kept++
				continue
			}
			st.Descended++
			if err := mg.mergeDir(ctx, liveRoot, cleanRoot, rel, keep, st); err != nil {
				return err
			}

		default:
			if err := mg.replace(livePath, cleanPath, rel, st); err != nil {
				return err
			}
		}
	}
	return nil
}

// replace swaps a disposable live entry for its clean counterpart, or just
// removes it when the template has none.
func (mg *Merger) replace(livePath, cleanPath, rel string, st *MergeStats) error {
	_, liveErr := os.Lstat(livePath)
	if liveErr == nil {
		if err := os.RemoveAll(livePath); err != nil {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
	} else if !errors.Is(liveErr, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", livePath, liveErr)
	}

	if _, err := os.Lstat(cleanPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if liveErr == nil {
				mg.logger.Debug("remove", "path", rel)
				st.Removed++
			}
			return nil
		}
		return fmt.Errorf("stat %s: %w", cleanPath, err)
	}

	if err := mg.copier.Copy(cleanPath, livePath); err != nil {
		return fmt.Errorf("copy clean %s: %w", rel, err)
	}
	mg.logger.Debug("replace", "path", rel)
	st.Replaced++
	return nil
}

// unionNames returns the sorted union of the entry names of two
// directories. A side that is missing or not a directory contributes nothing.
func unionNames(a, b string) ([]string, error) {
	set := make(map[string]struct{})
	for _, dir := range []string{a, b} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
				continue
			}
			return nil, fmt.Errorf("read directory: %w", err)
		}
		for _, e := range entries {
			set[e.Name()] = struct{}{}
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ensureDir makes livePath a directory, taking the permissions of the clean
// counterpart when it is one. A symlink is left alone and reported as
// linked. Any other non-directory in the way is removed; nothing persistent
// can live below it.
func ensureDir(livePath, cleanPath string) (linked bool, err error) {
	info, err := os.Lstat(livePath)
	switch {
	case err == nil && info.IsDir():
		return false, nil
	case err == nil && info.Mode()&fs.ModeSymlink != 0:
		return true, nil
	case err == nil:
		if err := os.Remove(livePath); err != nil {
			return false, fmt.Errorf("remove non-directory %s: %w", livePath, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("stat %s: %w", livePath, err)
	}

	perm := fs.FileMode(0o755)
	if ci, err := os.Lstat(cleanPath); err == nil && ci.IsDir() {
		perm = ci.Mode().Perm()
	}
	if err := os.Mkdir(livePath, perm); err != nil {
		return false, fmt.Errorf("create directory %s: %w", livePath, err)
	}
	// Mkdir is subject to the umask
	if err := os.Chmod(livePath, perm); err != nil {
		return false, fmt.Errorf("chmod %s: %w", livePath, err)
	}
	return false, nil
}
