package engine

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/elee1766/btrmount/pkg/blockdev"
	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/volume"
)

// probeConcurrency bounds parallel superblock reads during a scan.
const probeConcurrency = 8

// Volumes turns scans into volumes and opens them. Nothing is cached:
// every call scans again.
type Volumes struct {
	logger  *slog.Logger
	scanner *blockdev.Scanner
	opts    volume.OpenOptions
}

func NewVolumes(logger *slog.Logger, scanner *blockdev.Scanner, opts volume.OpenOptions) *Volumes {
	return &Volumes{
		logger:  logger.With("component", "volumes"),
		scanner: scanner,
		opts:    opts,
	}
}

func (v *Volumes) readSuperblock(ctx context.Context, path string) (*btrfs.Superblock, error) {
	h, err := blockdev.Open(path, blockdev.WithTimeout(v.opts.ReadTimeout))
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return volume.ReadSuperblock(ctx, h)
}

// Registry scans every device, reads the superblocks of those carrying
// the signature in parallel and groups them. A device whose superblock
// cannot be read is logged and left out.
func (v *Volumes) Registry(ctx context.Context) (*volume.Registry, error) {
	var paths []string
	for dev, err := range v.scanner.Scan(ctx) {
		if err == nil && dev.IsBtrfs {
			paths = append(paths, dev.Path)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	members := make([]volume.Member, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, p := range paths {
		g.Go(func() error {
			sb, err := v.readSuperblock(gctx, p)
			if err != nil {
				v.logger.Warn("failed to read superblock", "path", p, "error", err)
				return nil
			}
			members[i] = volume.Member{Path: p, Superblock: sb}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return volume.Group(members), nil
}

// Resolve finds the volume named by source: a scanned member path, a
// filesystem uuid, or any readable path carrying a superblock. In the
// last case scanned members of the same filesystem join it.
func (v *Volumes) Resolve(ctx context.Context, source string) (*volume.Volume, error) {
	if source == "" {
		return nil, btrfs.NewError(btrfs.ErrCodeInvalidArgument, "resolve volume", source, errors.New("source is required"))
	}
	reg, err := v.Registry(ctx)
	if err != nil {
		return nil, err
	}
	if vol, err := reg.Find(source); err == nil {
		return vol, nil
	}
	if _, err := uuid.Parse(source); err == nil {
		return nil, btrfs.NewError(btrfs.ErrCodeVolumeNotFound, "resolve volume", source, nil)
	}

	sb, err := v.readSuperblock(ctx, source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, btrfs.NewError(btrfs.ErrCodeVolumeNotFound, "resolve volume", source, err)
		}
		return nil, err
	}
	members := []volume.Member{{Path: source, Superblock: sb}}
	if vol, ok := reg.Lookup(sb.FSID); ok {
		members = append(members, vol.Members...)
	}
	return volume.Group(members).Volumes()[0], nil
}

// OpenVolume resolves source and opens it.
func (v *Volumes) OpenVolume(ctx context.Context, source string, writable bool) (*volume.FS, error) {
	vol, err := v.Resolve(ctx, source)
	if err != nil {
		return nil, err
	}
	opts := v.opts
	opts.Writable = writable
	return volume.Open(ctx, v.logger, vol, opts)
}
