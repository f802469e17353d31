package immutability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		arg  string
		want Target
	}{
		{"root=/:/etc/immutability/root.rules", Target{Name: "root", MountPoint: "/", FilterPath: "/etc/immutability/root.rules"}},
		{"home=/home:/etc/home.rules", Target{Name: "home", MountPoint: "/home", FilterPath: "/etc/home.rules"}},
		{"var=/var", Target{Name: "var", MountPoint: "/var"}},
		{"srv", Target{Name: "srv", MountPoint: "/"}},
		{"srv:", Target{Name: "srv", MountPoint: "/"}},
		{"data=/mnt/a=b:/rules", Target{Name: "data", MountPoint: "/mnt/a=b", FilterPath: "/rules"}},
		{"data=/x:/rules/a:b", Target{Name: "data", MountPoint: "/x:/rules/a", FilterPath: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := ParseTarget(tt.arg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTargetInvalid(t *testing.T) {
	for _, arg := range []string{"", "=/:/rules", ":/rules", "a/b=/:/r", "..=/", "."} {
		t.Run(arg, func(t *testing.T) {
			_, err := ParseTarget(arg)
			var usage *UsageError
			assert.ErrorAs(t, err, &usage)
		})
	}
}

func TestParseTargetsDuplicate(t *testing.T) {
	_, err := ParseTargets([]string{"root=/:/a", "home=/home", "root=/:/b"})
	var usage *UsageError
	require.ErrorAs(t, err, &usage)
	assert.Contains(t, err.Error(), "root")

	targets, err := ParseTargets([]string{"root=/:/a", "home=/home"})
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestParseMode(t *testing.T) {
	for _, m := range Modes {
		got, err := ParseMode(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMode("wipe")
	var usage *UsageError
	assert.ErrorAs(t, err, &usage)
}
