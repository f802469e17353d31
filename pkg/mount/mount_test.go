package mount

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls []string
	fail  map[string]bool
}

func (r *recorder) Run(name string, args ...string) (string, error) {
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	if r.fail[name] {
		return "", errors.New(name + " failed")
	}
	return "", nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMountCommands(t *testing.T) {
	image := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(image, nil, 0o644))

	rec := &recorder{}
	m := NewWithCommander(rec, "/mnt", discardLogger())

	require.NoError(t, m.Mount(image))
	assert.Equal(t, []string{
		"mkdir -p /mnt",
		"mount -t btrfs -o subvolid=5,user_subvol_rm_allowed " + image + " /mnt",
	}, rec.calls)
}

func TestMountPassesTagsToMount(t *testing.T) {
	tests := []string{
		"UUID=0b1f6c2e-4a8d-4c0b-9a57-1f2e3d4c5b6a",
		"LABEL=nixos",
		"PARTUUID=9c1d2e3f-01",
		"PARTLABEL=root",
	}
	for _, device := range tests {
		t.Run(device, func(t *testing.T) {
			rec := &recorder{}
			m := NewWithCommander(rec, "/mnt", discardLogger())

			require.NoError(t, m.Mount(device))
			assert.Equal(t, []string{
				"mkdir -p /mnt",
				"mount -t btrfs -o subvolid=5,user_subvol_rm_allowed " + device + " /mnt",
			}, rec.calls)
		})
	}
}

func TestMountRejectsEmptyTag(t *testing.T) {
	rec := &recorder{}
	m := NewWithCommander(rec, "/mnt", discardLogger())

	require.Error(t, m.Mount("UUID="))
	assert.Empty(t, rec.calls)
}

func TestMountRejectsMissingDevice(t *testing.T) {
	rec := &recorder{}
	m := NewWithCommander(rec, "/mnt", discardLogger())

	err := m.Mount(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Empty(t, rec.calls)
}

func TestMountRejectsDirectory(t *testing.T) {
	rec := &recorder{}
	m := NewWithCommander(rec, "/mnt", discardLogger())

	err := m.Mount(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a block device")
}

func TestMountFailure(t *testing.T) {
	image := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(image, nil, 0o644))

	rec := &recorder{fail: map[string]bool{"mount": true}}
	m := NewWithCommander(rec, "/mnt", discardLogger())

	assert.Error(t, m.Mount(image))
}

func TestUnmountRunsOnce(t *testing.T) {
	rec := &recorder{fail: map[string]bool{"umount": true}}
	m := NewWithCommander(rec, "/mnt", discardLogger())

	err1 := m.Unmount()
	err2 := m.Unmount()
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.Equal(t, []string{"umount -R /mnt"}, rec.calls)
}
