package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// AppName is the application name used in paths
	AppName = "btrmount"
)

// Config holds all application configuration.
type Config struct {
	// Paths
	ConfigDir string // Config directory (XDG_CONFIG_HOME/btrmount)
	MountRoot string // Drive letters become directories here (XDG_RUNTIME_DIR/btrmount)

	// Scanning
	ImageDirs   []string
	SysfsRoot   string
	DevDir      string
	ReadTimeout time.Duration

	// Volumes and sessions
	CacheBlocks  int
	DrainTimeout time.Duration

	// Server
	APIAddress string

	// Logging
	LogLevel string
}

// New creates a new Config with values from environment or defaults.
// Nothing is created on disk; the mount root is made on first use.
func New() *Config {
	cfg := &Config{}

	cfg.ConfigDir = getConfigDir()
	cfg.MountRoot = envOrDefault("BTRMOUNT_MOUNT_ROOT", filepath.Join(getRuntimeDir(), AppName))

	cfg.ImageDirs = splitList(os.Getenv("BTRMOUNT_IMAGE_DIRS"))
	cfg.SysfsRoot = envOrDefault("BTRMOUNT_SYSFS", "/sys")
	cfg.DevDir = envOrDefault("BTRMOUNT_DEV_DIR", "/dev")
	cfg.ReadTimeout = durationOrDefault("BTRMOUNT_READ_TIMEOUT", 5*time.Second)

	cfg.CacheBlocks = intOrDefault("BTRMOUNT_CACHE_BLOCKS", 4096)
	cfg.DrainTimeout = durationOrDefault("BTRMOUNT_DRAIN_TIMEOUT", 10*time.Second)

	// Server config
	cfg.APIAddress = envOrDefault("BTRMOUNT_API_ADDRESS", "127.0.0.1:8148")

	// Logging
	cfg.LogLevel = envOrDefault("BTRMOUNT_LOG_LEVEL", "info")

	return cfg
}

// getConfigDir returns the config directory under XDG_CONFIG_HOME.
// $XDG_CONFIG_HOME/btrmount or ~/.config/btrmount
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "config")
	}
	return filepath.Join(home, ".config", AppName)
}

// getRuntimeDir returns $XDG_RUNTIME_DIR, falling back to the temp dir.
func getRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// envOrDefault returns the environment variable value or the default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func durationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func intOrDefault(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// splitList splits a colon separated path list, dropping empty parts.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
