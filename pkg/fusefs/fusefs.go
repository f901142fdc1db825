// Package fusefs serves a shim.FS through the kernel FUSE driver.
package fusefs

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/fx"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/mount"
	"github.com/elee1766/btrmount/pkg/shim"
)

var Module = fx.Module("fusefs",
	fx.Provide(
		fx.Annotate(New, fx.As(new(mount.Driver))),
	),
)

const DefaultDevice = "/dev/fuse"

type Config struct {
	Device     string
	AllowOther bool
	Debug      bool
	// AttrTimeout is how long the kernel caches attributes and entries.
	AttrTimeout time.Duration
}

// Driver mounts sessions with go-fuse.
type Driver struct {
	logger *slog.Logger
	cfg    Config
}

func New(logger *slog.Logger, cfg Config) *Driver {
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}
	if cfg.AttrTimeout == 0 {
		cfg.AttrTimeout = time.Second
	}
	return &Driver{
		logger: logger.With("component", "fusefs"),
		cfg:    cfg,
	}
}

// Available reports DriverUnavailable when the FUSE device is missing.
func (d *Driver) Available() error {
	if _, err := os.Stat(d.cfg.Device); err != nil {
		return btrfs.NewError(btrfs.ErrCodeDriverUnavailable, "probe driver", d.cfg.Device, err)
	}
	return nil
}

func (d *Driver) options(fsys *shim.FS) (*fs.Options, error) {
	info, err := fsys.Info()
	if err != nil {
		return nil, err
	}
	timeout := d.cfg.AttrTimeout
	opts := &fs.Options{
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
		MountOptions: fuse.MountOptions{
			FsName:     info.Name,
			Name:       info.FSName,
			AllowOther: d.cfg.AllowOther,
			Debug:      d.cfg.Debug,
		},
	}
	if fsys.ReadOnly() {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "ro")
	}
	return opts, nil
}

// Mount serves fsys at mountPoint until the returned session is unmounted.
func (d *Driver) Mount(ctx context.Context, mountPoint string, fsys *shim.FS) (mount.Mounted, error) {
	if err := d.Available(); err != nil {
		return nil, err
	}
	opts, err := d.options(fsys)
	if err != nil {
		return nil, err
	}
	root := &node{fsys: fsys, id: fsys.Root()}
	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, btrfs.NewError(btrfs.ErrCodeIOFailure, "fuse mount", mountPoint, err)
	}
	d.logger.Debug("fuse server started", "mount_point", mountPoint)
	return &session{logger: d.logger, server: server, mountPoint: mountPoint}, nil
}

type session struct {
	logger     *slog.Logger
	server     *fuse.Server
	mountPoint string
}

func (s *session) Unmount() error {
	if err := s.server.Unmount(); err != nil {
		return err
	}
	s.server.Wait()
	s.logger.Debug("fuse server stopped", "mount_point", s.mountPoint)
	return nil
}
