package immutability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	rules := `# persistent state
+ /etc/machine-id
+ /var/lib/
+ /var/log/**
- /tmp
+ relative/path
+ /home/user/.bashrc   
+  /not/exact
+ /etc/machine-id
+ /srv//data/
+ /opt/./tool
`
	set, err := ParseFilter(strings.NewReader(rules))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/etc/machine-id",
		"/home/user/.bashrc",
		"/opt/tool",
	}, set.Sorted())
}

func TestParseFilterEmpty(t *testing.T) {
	set, err := ParseFilter(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestParseFilterFileMissing(t *testing.T) {
	set, err := ParseFilterFile(filepath.Join(t.TempDir(), "nope.rules"))
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())

	set, err = ParseFilterFile("")
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestParseFilterFileUnreadable(t *testing.T) {
	// a directory exists but cannot be read as rules
	_, err := ParseFilterFile(t.TempDir())
	assert.Error(t, err)
}

func TestParseFilterFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "root.rules")
	require.NoError(t, os.WriteFile(name, []byte("+ /etc/hostname\n+ /etc/ssh/\n"), 0o644))

	set, err := ParseFilterFile(name)
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/hostname"}, set.Sorted())
}

func TestPathSet(t *testing.T) {
	set := NewPathSet("/var/lib/docker", "etc/hostname")

	tests := []struct {
		path          string
		contains      bool
		hasDescendant bool
	}{
		{"/", false, true},
		{"/var", false, true},
		{"/var/lib", false, true},
		{"/var/lib/docker", true, false},
		{"/var/lib/docker/overlay", false, false},
		{"/var/li", false, false},
		{"/etc", false, true},
		{"/etc/hostname", true, false},
		{"/usr", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.contains, set.Contains(tt.path))
			assert.Equal(t, tt.hasDescendant, set.HasDescendant(tt.path))
		})
	}
}
