package immutability

import "fmt"

// DeleteRecursive deletes the subvolume at path together with every
// subvolume nested below it, children first, since btrfs refuses to delete a
// subvolume that still contains others. A missing path is a no-op. The first
// failure aborts; already deleted children stay deleted.
func (m *Manager) DeleteRecursive(path string) error {
	if !isDir(path) {
		return nil
	}

	children, err := m.fs.ListChildren(path)
	if err != nil {
		return fmt.Errorf("list subvolumes below %s: %w", path, err)
	}
	for _, child := range children {
		if err := m.DeleteRecursive(child); err != nil {
			return err
		}
	}

	if err := m.fs.Delete(path); err != nil {
		return fmt.Errorf("delete subvolume %s: %w", path, err)
	}
	return nil
}
