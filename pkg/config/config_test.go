package config

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	for _, k := range []string{"BTRMOUNT_MOUNT_ROOT", "BTRMOUNT_IMAGE_DIRS", "BTRMOUNT_READ_TIMEOUT", "BTRMOUNT_DRAIN_TIMEOUT", "BTRMOUNT_CACHE_BLOCKS", "BTRMOUNT_API_ADDRESS", "BTRMOUNT_LOG_LEVEL", "BTRMOUNT_SYSFS", "BTRMOUNT_DEV_DIR"} {
		t.Setenv(k, "")
	}
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	t.Setenv("XDG_CONFIG_HOME", "/home/u/.config")

	cfg := New()
	if cfg.MountRoot != "/run/user/1000/btrmount" {
		t.Errorf("expected runtime mount root, got %s", cfg.MountRoot)
	}
	if cfg.ConfigDir != "/home/u/.config/btrmount" {
		t.Errorf("expected config dir under XDG_CONFIG_HOME, got %s", cfg.ConfigDir)
	}
	if cfg.ReadTimeout != 5*time.Second || cfg.DrainTimeout != 10*time.Second {
		t.Errorf("unexpected timeouts %v %v", cfg.ReadTimeout, cfg.DrainTimeout)
	}
	if cfg.CacheBlocks != 4096 || cfg.APIAddress != "127.0.0.1:8148" || cfg.LogLevel != "info" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.SysfsRoot != "/sys" || cfg.DevDir != "/dev" || cfg.ImageDirs != nil {
		t.Errorf("unexpected scan defaults %+v", cfg)
	}
}

func TestNewFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BTRMOUNT_MOUNT_ROOT", filepath.Join(dir, "mnt"))
	t.Setenv("BTRMOUNT_IMAGE_DIRS", dir+"::/srv/images ")
	t.Setenv("BTRMOUNT_READ_TIMEOUT", "250ms")
	t.Setenv("BTRMOUNT_DRAIN_TIMEOUT", "bogus")
	t.Setenv("BTRMOUNT_CACHE_BLOCKS", "-3")
	t.Setenv("BTRMOUNT_LOG_LEVEL", "debug")

	cfg := New()
	if cfg.MountRoot != filepath.Join(dir, "mnt") {
		t.Errorf("expected mount root override, got %s", cfg.MountRoot)
	}
	if want := []string{dir, "/srv/images"}; !reflect.DeepEqual(cfg.ImageDirs, want) {
		t.Errorf("expected image dirs %v, got %v", want, cfg.ImageDirs)
	}
	if cfg.ReadTimeout != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.ReadTimeout)
	}
	if cfg.DrainTimeout != 10*time.Second || cfg.CacheBlocks != 4096 {
		t.Errorf("expected invalid values to fall back, got %v %d", cfg.DrainTimeout, cfg.CacheBlocks)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", cfg.LogLevel)
	}
}
