package btrfs

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// CLI implements the snapshot primitives with btrfs-progs. Subvolume paths
// reported by "btrfs subvolume list" are relative to the top-level subvolume,
// so root must be where subvolid=5 is mounted.
type CLI struct {
	runner *Runner
	bin    string
	root   string
}

func NewCLI(runner *Runner, bin, root string) *CLI {
	if bin == "" {
		bin = "btrfs"
	}
	return &CLI{runner: runner, bin: bin, root: root}
}

func (c *CLI) Snapshot(src, dst string) error {
	_, err := c.runner.Run(c.bin, "subvolume", "snapshot", src, dst)
	return err
}

func (c *CLI) Delete(path string) error {
	_, err := c.runner.Run(c.bin, "subvolume", "delete", "--commit-after", path)
	return err
}

func (c *CLI) SetReadOnly(path string, readonly bool) error {
	_, err := c.runner.Run(c.bin, "property", "set", "-ts", path, "ro", strconv.FormatBool(readonly))
	return err
}

func (c *CLI) ListChildren(path string) ([]string, error) {
	out, err := c.runner.Query(c.bin, "subvolume", "list", "-o", path)
	if err != nil {
		return nil, err
	}
	return parseSubvolumeList(out, c.root), nil
}

func (c *CLI) Sync(path string) error {
	_, err := c.runner.Run(c.bin, "filesystem", "sync", path)
	return err
}

// parseSubvolumeList extracts the paths from "btrfs subvolume list" output,
// e.g. "ID 259 gen 12 top level 258 path @snapshots/root/CURRENT/var/lib/machines",
// and joins them onto root.
func parseSubvolumeList(out, root string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, " path ")
		if idx < 0 {
			continue
		}
		rel := strings.TrimSpace(line[idx+len(" path "):])
		rel = strings.TrimPrefix(rel, "<FS_TREE>/")
		if rel == "" {
			continue
		}
		paths = append(paths, filepath.Join(root, rel))
	}
	sort.Strings(paths)
	return paths
}
