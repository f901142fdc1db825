package blockdev

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

// ScanOptions selects where the scanner looks for devices.
type ScanOptions struct {
	SysfsRoot   string        // defaults to /sys
	DevDir      string        // defaults to /dev
	ImageDirs   []string      // directories searched for image files
	ReadTimeout time.Duration // per-probe read bound
	NoBlock     bool          // skip sysfs enumeration, images only
}

// Scanner enumerates block devices and image files.
type Scanner struct {
	logger *slog.Logger
	opts   ScanOptions
}

func NewScanner(logger *slog.Logger, opts ScanOptions) *Scanner {
	if opts.SysfsRoot == "" {
		opts.SysfsRoot = "/sys"
	}
	if opts.DevDir == "" {
		opts.DevDir = "/dev"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	return &Scanner{
		logger: logger.With("component", "scanner"),
		opts:   opts,
	}
}

// Scan lazily yields every device the scanner can see. Each call
// enumerates from scratch. A device that cannot be probed is yielded with
// its error alongside the partially filled Device; iteration continues.
func (s *Scanner) Scan(ctx context.Context) iter.Seq2[Device, error] {
	return func(yield func(Device, error) bool) {
		var cands []candidate
		if !s.opts.NoBlock {
			blocks, err := listSysBlock(s.opts.SysfsRoot, s.opts.DevDir)
			if err != nil {
				s.logger.Warn("failed to enumerate block devices", "sysfs", s.opts.SysfsRoot, "error", err)
			}
			cands = append(cands, blocks...)
		}
		images, errs := listImages(s.opts.ImageDirs)
		for _, err := range errs {
			s.logger.Warn("failed to read image directory", "error", err)
		}
		cands = append(cands, images...)

		for _, c := range cands {
			if ctx.Err() != nil {
				return
			}
			dev := Device{
				Path:       c.path,
				Size:       c.size,
				SectorSize: c.sectorSize,
				Model:      c.model,
				Kind:       c.kind,
			}
			ok, err := s.probePath(ctx, c.path)
			if err != nil {
				s.logger.Warn("failed to probe device", "path", c.path, "error", err)
				if !yield(dev, err) {
					return
				}
				continue
			}
			dev.IsBtrfs = ok
			if !yield(dev, nil) {
				return
			}
		}
	}
}

// Devices drains Scan, dropping failed entries.
func (s *Scanner) Devices(ctx context.Context) []Device {
	var out []Device
	for dev, err := range s.Scan(ctx) {
		if err != nil {
			continue
		}
		out = append(out, dev)
	}
	return out
}

// Stat describes a single path the way Scan would, probing it as well.
func (s *Scanner) Stat(ctx context.Context, path string) (Device, error) {
	h, err := Open(path, WithTimeout(s.opts.ReadTimeout))
	if err != nil {
		return Device{}, err
	}
	defer h.Close()

	kind := KindImage
	if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeDevice != 0 {
		kind = KindDisk
		if _, err := os.Stat(filepath.Join(s.opts.SysfsRoot, "class", "block", filepath.Base(path), "partition")); err == nil {
			kind = KindPartition
		}
	}
	ok, err := Probe(ctx, h)
	if err != nil {
		return Device{}, err
	}
	return Device{
		Path:       path,
		Size:       uint64(h.Size()),
		SectorSize: h.SectorSize(),
		Kind:       kind,
		IsBtrfs:    ok,
	}, nil
}

// ProbeSignature reports whether path carries the btrfs magic at the
// primary superblock offset. Any failure to open or read yields false.
func (s *Scanner) ProbeSignature(ctx context.Context, path string) bool {
	ok, err := s.probePath(ctx, path)
	return err == nil && ok
}

func (s *Scanner) probePath(ctx context.Context, path string) (bool, error) {
	h, err := Open(path, WithTimeout(s.opts.ReadTimeout))
	if err != nil {
		return false, err
	}
	defer h.Close()
	return Probe(ctx, h)
}

// magicOffset is the position of the magic within a superblock.
const magicOffset = 0x40

// Probe reads the primary superblock region of h and compares the magic
// without parsing anything else. A device too small to hold a superblock
// is not btrfs.
func Probe(ctx context.Context, h Handle) (bool, error) {
	if h.Size() < btrfs.SuperblockOffset+btrfs.SuperblockSize {
		return false, nil
	}
	buf := make([]byte, magicOffset+len(btrfs.Magic))
	if _, err := h.ReadAt(ctx, buf, btrfs.SuperblockOffset); err != nil {
		var e *btrfs.Error
		if errors.As(err, &e) {
			return false, err
		}
		return false, btrfs.NewError(btrfs.ErrCodeIOFailure, "probe", h.Path(), err)
	}
	return bytes.Equal(buf[magicOffset:], btrfs.Magic[:]), nil
}
