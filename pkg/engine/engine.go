// Package engine exposes the command contract consumed by the CLI and
// the API: device listing, volume inspection, subvolume listing,
// snapshots and mount sessions.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"go.uber.org/fx"

	"github.com/elee1766/btrmount/pkg/blockdev"
	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/config"
	"github.com/elee1766/btrmount/pkg/fusefs"
	"github.com/elee1766/btrmount/pkg/mount"
	"github.com/elee1766/btrmount/pkg/snapshot"
	"github.com/elee1766/btrmount/pkg/tree"
	"github.com/elee1766/btrmount/pkg/volume"
)

var Module = fx.Module("engine",
	fx.Provide(
		volume.NewLocks,
		ScanOptions,
		OpenOptions,
		mountConfig,
		fuseConfig,
		blockdev.NewScanner,
		NewVolumes,
		func(v *Volumes) mount.Opener { return v },
		func(m *mount.Manager) snapshot.SessionChecker { return m },
		New,
	),
	mount.Module,
	snapshot.Module,
	fusefs.Module,
)

func ScanOptions(cfg *config.Config) blockdev.ScanOptions {
	return blockdev.ScanOptions{
		SysfsRoot:   cfg.SysfsRoot,
		DevDir:      cfg.DevDir,
		ImageDirs:   cfg.ImageDirs,
		ReadTimeout: cfg.ReadTimeout,
	}
}

func OpenOptions(cfg *config.Config) volume.OpenOptions {
	return volume.OpenOptions{
		ReadTimeout: cfg.ReadTimeout,
		CacheBlocks: cfg.CacheBlocks,
	}
}

func mountConfig(cfg *config.Config) mount.Config {
	return mount.Config{
		MountRoot:    cfg.MountRoot,
		DrainTimeout: cfg.DrainTimeout,
	}
}

func fuseConfig() fusefs.Config {
	return fusefs.Config{}
}

type Engine struct {
	logger    *slog.Logger
	scanner   *blockdev.Scanner
	volumes   *Volumes
	mounts    *mount.Manager
	snapshots *snapshot.Manager
}

func New(logger *slog.Logger, scanner *blockdev.Scanner, volumes *Volumes, mounts *mount.Manager, snapshots *snapshot.Manager) *Engine {
	return &Engine{
		logger:    logger.With("component", "engine"),
		scanner:   scanner,
		volumes:   volumes,
		mounts:    mounts,
		snapshots: snapshots,
	}
}

func (e *Engine) withVolume(ctx context.Context, source string, writable bool, fn func(*volume.FS) error) error {
	fs, err := e.volumes.OpenVolume(ctx, source, writable)
	if err != nil {
		return err
	}
	defer fs.Close()
	return fn(fs)
}

// ListDevices scans every block device and image. Devices that could not
// be probed are left out.
func (e *Engine) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	for dev, err := range e.scanner.Scan(ctx) {
		if err != nil {
			continue
		}
		out = append(out, deviceInfo(dev))
	}
	return out, ctx.Err()
}

// DetectBtrfs checks only the signature of path. An unreadable path is
// not btrfs.
func (e *Engine) DetectBtrfs(ctx context.Context, path string) (bool, error) {
	if path == "" {
		return false, btrfs.NewError(btrfs.ErrCodeInvalidArgument, "detect", path, errors.New("path is required"))
	}
	return e.scanner.ProbeSignature(ctx, path), nil
}

// GetVolumeInfo describes the volume behind source. Chunk profiles come
// from the chunk tree; a volume too degraded to load it is still
// described without them.
func (e *Engine) GetVolumeInfo(ctx context.Context, source string) (VolumeInfo, error) {
	vol, err := e.volumes.Resolve(ctx, source)
	if err != nil {
		return VolumeInfo{}, err
	}
	info := volumeInfo(vol)
	info.CsumType = btrfs.CsumTypeName(vol.Superblock.CsumType)

	fs, err := volume.Open(ctx, e.logger, vol, e.volumes.opts)
	if err != nil {
		if btrfs.IsErrorCode(err, btrfs.ErrCodeCorruptFilesystem) {
			return VolumeInfo{}, err
		}
		e.logger.Warn("failed to load chunk tree", "source", source, "error", err)
		return info, nil
	}
	defer fs.Close()
	info.Profiles = make(map[string]string)
	for _, c := range fs.Chunks().Chunks() {
		info.Profiles[btrfs.BlockGroupTypeName(c.Type)] = btrfs.BlockGroupProfileName(c.Type)
	}
	return info, nil
}

func (e *Engine) ListSubvolumes(ctx context.Context, source string) ([]SubvolumeInfo, error) {
	var out []SubvolumeInfo
	err := e.withVolume(ctx, source, false, func(fs *volume.FS) error {
		subvols, err := tree.NewReader(fs).ListSubvolumes(ctx)
		if err != nil {
			return err
		}
		for _, s := range subvols {
			out = append(out, subvolumeInfo(s))
		}
		return nil
	})
	return out, err
}

func (e *Engine) GetSubvolume(ctx context.Context, source string, id uint64) (SubvolumeInfo, error) {
	var out SubvolumeInfo
	err := e.withVolume(ctx, source, false, func(fs *volume.FS) error {
		s, err := tree.NewReader(fs).Subvolume(ctx, id)
		if err != nil {
			return err
		}
		out = subvolumeInfo(s)
		return nil
	})
	return out, err
}

func (e *Engine) CreateSnapshot(ctx context.Context, req SnapshotRequest) (SubvolumeInfo, error) {
	var out SubvolumeInfo
	err := e.withVolume(ctx, req.Source, true, func(fs *volume.FS) error {
		s, err := e.snapshots.CreateSnapshot(ctx, fs, snapshot.CreateRequest{
			SourceID: req.SourceID,
			Name:     req.Name,
			ReadOnly: req.ReadOnly,
			ParentID: req.ParentID,
		})
		if err != nil {
			return err
		}
		out = subvolumeInfo(s)
		return nil
	})
	return out, err
}

func (e *Engine) DeleteSnapshot(ctx context.Context, source string, id uint64) error {
	return e.withVolume(ctx, source, true, func(fs *volume.FS) error {
		return e.snapshots.DeleteSnapshot(ctx, fs, id)
	})
}

func (e *Engine) MountVolume(ctx context.Context, req MountRequest) (MountInfo, error) {
	s, err := e.mounts.Mount(ctx, mount.Request{
		Source:      req.Source,
		MountPoint:  req.DriveLetter,
		ReadOnly:    req.ReadOnly,
		SubvolumeID: req.SubvolumeID,
	})
	if err != nil {
		return MountInfo{}, err
	}
	return mountInfo(s), nil
}

func (e *Engine) UnmountVolume(ctx context.Context, mountPoint string) error {
	return e.mounts.Unmount(ctx, mountPoint)
}

func (e *Engine) ListMounts() []MountInfo {
	sessions := e.mounts.List()
	out := make([]MountInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, mountInfo(s))
	}
	return out
}
