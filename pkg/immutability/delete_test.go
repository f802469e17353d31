package immutability

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteRecursiveNested(t *testing.T) {
	root := t.TempDir()
	fsys := newFakeSubvolumes()
	m := NewManager(root, fsys, fileCopier{}, discardLogger())

	top := filepath.Join(root, "top")
	mid := filepath.Join(top, "var/lib/machines")
	leaf := filepath.Join(mid, "debian")
	sibling := filepath.Join(top, "srv")
	fsys.create(t, top)
	fsys.create(t, mid)
	fsys.create(t, leaf)
	fsys.create(t, sibling)
	writeFile(t, filepath.Join(leaf, "etc/os-release"), "debian")

	require.NoError(t, m.DeleteRecursive(top))

	assert.NoDirExists(t, top)
	assert.Empty(t, fsys.subvols)
	// children go first, depth first
	assert.Equal(t, []string{
		"delete /srv",
		"delete /var/lib/machines/debian",
		"delete /var/lib/machines",
		"delete ",
	}, fsys.opsFor(top))
}

func TestDeleteRecursiveMissing(t *testing.T) {
	fsys := newFakeSubvolumes()
	m := NewManager(t.TempDir(), fsys, fileCopier{}, discardLogger())

	require.NoError(t, m.DeleteRecursive(filepath.Join(t.TempDir(), "gone")))
	assert.Empty(t, fsys.ops)
}

func TestDeleteRecursiveAbortsOnFailure(t *testing.T) {
	root := t.TempDir()
	fsys := newFakeSubvolumes()
	m := NewManager(root, fsys, fileCopier{}, discardLogger())

	top := filepath.Join(root, "top")
	a := filepath.Join(top, "a")
	b := filepath.Join(top, "b")
	fsys.create(t, top)
	fsys.create(t, a)
	fsys.create(t, b)
	boom := errors.New("permission denied")
	fsys.fail["delete "+b] = boom

	err := m.DeleteRecursive(top)
	require.ErrorIs(t, err, boom)

	// a is gone, b and top remain
	assert.NoDirExists(t, a)
	assert.DirExists(t, b)
	assert.True(t, fsys.subvols[top])
	assert.NotContains(t, fsys.opsFor(top), "delete ")
}
