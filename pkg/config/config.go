package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// AppName is the application name used in paths
	AppName = "immutability"

	// JournalFile is the journal database name inside the snapshots namespace
	JournalFile = ".immutability.db"
)

// Backend names accepted by IMMUTABILITY_BACKEND.
const (
	BackendCLI   = "cli"
	BackendIoctl = "ioctl"
)

// Config holds all application configuration.
type Config struct {
	// Paths
	MountPath string // Where the top-level subvolume is mounted while running

	// Snapshot primitives
	Backend  string // "cli" (btrfs-progs) or "ioctl"
	BtrfsBin string // btrfs-progs binary for the cli backend

	// Journal
	JournalEnabled bool
	JournalPath    string // Empty means <mount>/<snapshots>/.immutability.db

	// Logging
	LogLevel string
}

// New creates a new Config with values from environment or defaults.
func New() *Config {
	cfg := &Config{}

	cfg.MountPath = envOrDefault("IMMUTABILITY_MOUNT_PATH", "/mnt")

	cfg.Backend = strings.ToLower(envOrDefault("IMMUTABILITY_BACKEND", BackendCLI))
	cfg.BtrfsBin = envOrDefault("IMMUTABILITY_BTRFS_BIN", "btrfs")

	cfg.JournalEnabled = parseSwitch(envOrDefault("IMMUTABILITY_JOURNAL", "on"))
	cfg.JournalPath = os.Getenv("IMMUTABILITY_JOURNAL_PATH")

	cfg.LogLevel = envOrDefault("IMMUTABILITY_LOG_LEVEL", "info")

	return cfg
}

// JournalLocation returns the journal database path for a snapshots namespace.
func (c *Config) JournalLocation(snapshotsName string) string {
	if c.JournalPath != "" {
		return c.JournalPath
	}
	return filepath.Join(c.MountPath, snapshotsName, JournalFile)
}

// envOrDefault returns the environment variable value or the default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseSwitch(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "0", "off", "false", "no", "disabled":
		return false
	}
	return true
}
