package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"

	"github.com/elee1766/btrmount/pkg/blockdev"
	"github.com/elee1766/btrmount/pkg/btrfs"
)

// DefaultCacheBlocks is the number of parsed tree blocks kept per volume.
const DefaultCacheBlocks = 4096

// OpenOptions control how member devices are opened.
type OpenOptions struct {
	Writable    bool
	ReadTimeout time.Duration
	CacheBlocks int
}

// FS is an opened volume: member device handles, the chunk map and a
// cache of parsed tree blocks. It is safe for concurrent readers.
type FS struct {
	logger   *slog.Logger
	vol      *Volume
	sb       *btrfs.Superblock
	devs     map[uint64]blockdev.Handle
	owned    []blockdev.Handle
	chunks   *ChunkMap
	blocks   gcache.Cache
	writable bool
}

// Open opens every member of v. Members that cannot be opened are left
// out and logged; reads that need them fail with IoFailure.
func Open(ctx context.Context, logger *slog.Logger, v *Volume, opts OpenOptions) (*FS, error) {
	logger = logger.With("component", "volume", "uuid", v.UUID)

	devs := make(map[uint64]blockdev.Handle)
	var owned []blockdev.Handle
	for _, m := range v.Members {
		if _, dup := devs[m.DevID()]; dup {
			continue
		}
		if m.Handle != nil {
			if opts.Writable && !m.Handle.Writable() {
				closeAll(owned)
				return nil, btrfs.NewError(btrfs.ErrCodeReadOnly, "open volume", m.Path, errors.New("device is read-only"))
			}
			devs[m.DevID()] = m.Handle
			continue
		}
		hopts := []blockdev.Option{blockdev.WithTimeout(opts.ReadTimeout)}
		if opts.Writable {
			hopts = append(hopts, blockdev.Writable())
		}
		h, err := blockdev.Open(m.Path, hopts...)
		if err != nil {
			if opts.Writable {
				closeAll(owned)
				return nil, err
			}
			logger.Warn("failed to open member device", "path", m.Path, "devid", m.DevID(), "error", err)
			continue
		}
		devs[m.DevID()] = h
		owned = append(owned, h)
	}
	if len(devs) == 0 {
		return nil, btrfs.NewError(btrfs.ErrCodeIOFailure, "open volume", v.Source(), errors.New("no member device could be opened"))
	}

	fs, err := newFS(ctx, logger, v, devs, opts)
	if err != nil {
		closeAll(owned)
		return nil, err
	}
	fs.owned = owned
	return fs, nil
}

func newFS(ctx context.Context, logger *slog.Logger, v *Volume, devs map[uint64]blockdev.Handle, opts OpenOptions) (*FS, error) {
	cacheBlocks := opts.CacheBlocks
	if cacheBlocks <= 0 {
		cacheBlocks = DefaultCacheBlocks
	}
	fs := &FS{
		logger:   logger,
		vol:      v,
		sb:       v.Superblock,
		devs:     devs,
		chunks:   &ChunkMap{},
		blocks:   gcache.New(cacheBlocks).ARC().Build(),
		writable: opts.Writable,
	}

	sys, err := btrfs.ParseSysChunkArray(fs.sb.SysChunkArray)
	if err != nil {
		return nil, fmt.Errorf("bootstrap chunks: %w", err)
	}
	for _, sc := range sys {
		fs.chunks.Insert(sc.Key.Offset, sc.Chunk)
	}
	if err := fs.loadChunkTree(ctx, fs.sb.ChunkRoot, fs.sb.ChunkRootLevel); err != nil {
		return nil, fmt.Errorf("load chunk tree: %w", err)
	}
	logger.Debug("opened volume", "devices", len(devs), "chunks", fs.chunks.Len(), "writable", fs.writable)
	return fs, nil
}

// loadChunkTree adds every CHUNK_ITEM below the node at logical.
func (fs *FS) loadChunkTree(ctx context.Context, logical uint64, level uint8) error {
	n, err := fs.ReadNode(ctx, logical)
	if err != nil {
		return err
	}
	if n.Level != level {
		return btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "chunk tree node %#x: level %d, expected %d", logical, n.Level, level)
	}
	if !n.IsLeaf() {
		for _, p := range n.Ptrs {
			if err := fs.loadChunkTree(ctx, p.BlockPtr, level-1); err != nil {
				return err
			}
		}
		return nil
	}
	for _, it := range n.Items {
		if it.Key.Type != btrfs.ChunkItemKey {
			continue
		}
		c, _, err := btrfs.ParseChunkItem(it.Data)
		if err != nil {
			return err
		}
		fs.chunks.Insert(it.Key.Offset, c)
	}
	return nil
}

// Volume returns the volume this FS was opened from.
func (fs *FS) Volume() *Volume { return fs.vol }

// UUID returns the filesystem uuid.
func (fs *FS) UUID() uuid.UUID { return fs.vol.UUID }

// Superblock returns the authoritative superblock.
func (fs *FS) Superblock() *btrfs.Superblock { return fs.sb }

// NodeSize returns the tree block size.
func (fs *FS) NodeSize() uint32 { return fs.sb.NodeSize }

// Writable reports whether tree blocks may be rewritten.
func (fs *FS) Writable() bool { return fs.writable }

// Chunks returns the chunk map.
func (fs *FS) Chunks() *ChunkMap { return fs.chunks }

// ReadNode returns the validated tree block at logical. Each copy is
// checked for checksum, bytenr and fsid; a bad copy falls through to the
// next one. Returned nodes are shared and must not be modified; use Clone.
func (fs *FS) ReadNode(ctx context.Context, logical uint64) (*btrfs.Node, error) {
	if v, err := fs.blocks.GetIFPresent(logical); err == nil {
		return v.(*btrfs.Node), nil
	}

	pieces, err := fs.chunks.Map(logical, uint64(fs.sb.NodeSize))
	if err != nil {
		return nil, err
	}
	if len(pieces) != 1 {
		return nil, btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "tree block %#x crosses a stripe boundary", logical)
	}

	var lastErr error
	for _, loc := range pieces[0].Copies {
		h, ok := fs.devs[loc.DevID]
		if !ok {
			lastErr = btrfs.Errorf(btrfs.ErrCodeIOFailure, "device %d is missing", loc.DevID)
			continue
		}
		buf := make([]byte, fs.sb.NodeSize)
		if _, err := h.ReadAt(ctx, buf, int64(loc.Offset)); err != nil {
			lastErr = err
			continue
		}
		n, err := fs.parseBlock(buf, logical)
		if err != nil {
			fs.logger.Warn("bad tree block copy", "logical", logical, "devid", loc.DevID, "offset", loc.Offset, "error", err)
			lastErr = err
			continue
		}
		fs.blocks.Set(logical, n)
		return n, nil
	}
	return nil, fmt.Errorf("read tree block %#x: %w", logical, lastErr)
}

func (fs *FS) parseBlock(buf []byte, logical uint64) (*btrfs.Node, error) {
	if err := btrfs.VerifyCsum(fs.sb.CsumType, buf); err != nil {
		return nil, err
	}
	n, err := btrfs.ParseNode(buf)
	if err != nil {
		return nil, err
	}
	if n.Bytenr != logical {
		return nil, btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "block at %#x records bytenr %#x", logical, n.Bytenr)
	}
	if n.FSID != fs.sb.TreeFSID() {
		return nil, btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "block at %#x belongs to filesystem %s", logical, n.FSID)
	}
	return n, nil
}

// WriteNode rewrites the tree block n.Bytenr in place on every copy,
// sealing a fresh checksum. Every copy must be reachable.
func (fs *FS) WriteNode(ctx context.Context, n *btrfs.Node) error {
	if !fs.writable {
		return btrfs.NewError(btrfs.ErrCodeReadOnly, "write tree block", fs.vol.Source(), nil)
	}
	c, ok := fs.chunks.Find(n.Bytenr)
	if !ok {
		return btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "tree block %#x is not covered by any chunk", n.Bytenr)
	}
	if c.Parity() {
		return btrfs.Errorf(btrfs.ErrCodeNotSupported, "writing to %s chunks", btrfs.BlockGroupProfileName(c.Type))
	}

	raw, err := n.Marshal(fs.sb.NodeSize, fs.sb.CsumType)
	if err != nil {
		return err
	}
	pieces, err := fs.chunks.Map(n.Bytenr, uint64(len(raw)))
	if err != nil {
		return err
	}
	if len(pieces) != 1 {
		return btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "tree block %#x crosses a stripe boundary", n.Bytenr)
	}
	for _, loc := range pieces[0].Copies {
		if _, ok := fs.devs[loc.DevID]; !ok {
			return btrfs.Errorf(btrfs.ErrCodeIOFailure, "device %d is missing, refusing a partial write", loc.DevID)
		}
	}

	fs.blocks.Remove(n.Bytenr)
	for _, loc := range pieces[0].Copies {
		if _, err := fs.devs[loc.DevID].WriteAt(ctx, raw, int64(loc.Offset)); err != nil {
			return err
		}
	}
	for _, h := range fs.devs {
		if s, ok := h.(interface{ Sync() error }); ok {
			if err := s.Sync(); err != nil {
				return err
			}
		}
	}
	fs.blocks.Remove(n.Bytenr)
	return nil
}

// ReadLogical fills p with the bytes at logical, trying each copy of a
// piece until one reads.
func (fs *FS) ReadLogical(ctx context.Context, logical uint64, p []byte) error {
	pieces, err := fs.chunks.Map(logical, uint64(len(p)))
	if err != nil {
		return err
	}
	pos := 0
	for _, piece := range pieces {
		dst := p[pos : pos+int(piece.Length)]
		var lastErr error
		done := false
		for _, loc := range piece.Copies {
			h, ok := fs.devs[loc.DevID]
			if !ok {
				lastErr = btrfs.Errorf(btrfs.ErrCodeIOFailure, "device %d is missing", loc.DevID)
				continue
			}
			if _, err := h.ReadAt(ctx, dst, int64(loc.Offset)); err != nil {
				lastErr = err
				continue
			}
			done = true
			break
		}
		if !done {
			return fmt.Errorf("read %#x+%d: %w", piece.Logical, piece.Length, lastErr)
		}
		pos += int(piece.Length)
	}
	return nil
}

// Close releases the device handles this FS opened itself.
func (fs *FS) Close() error {
	fs.blocks.Purge()
	return closeAll(fs.owned)
}

func closeAll(hs []blockdev.Handle) error {
	var errs []error
	for _, h := range hs {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
