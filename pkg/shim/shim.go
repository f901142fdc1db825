// Package shim turns tree reads into the callback surface a host
// filesystem driver calls: lookup, getattr, readdir, read, readlink and
// statfs. Every callback is admitted through the session's Gate.
package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/tree"
)

var errUnmounting = errors.New("session is unmounting")

func errInFlight(n int) error {
	return fmt.Errorf("%d callbacks still in flight", n)
}

const (
	DefaultVolumeName = "BTRFS Volume"
	FSName            = "btrfs"
	NameMax           = 255
)

// NodeID names an inode inside a subvolume. Lookups can leave the mounted
// subvolume through subvolume entries, so the tree id is part of it.
type NodeID struct {
	Tree uint64
	Ino  uint64
}

type Attr struct {
	Node   NodeID
	Mode   uint32
	Size   uint64
	Blocks uint64 // 512-byte units
	NLink  uint32
	UID    uint32
	GID    uint32
	Rdev   uint64
	ATime  time.Time
	MTime  time.Time
	CTime  time.Time
}

type DirEntry struct {
	Name string
	Node NodeID
	Mode uint32 // file type bits only
}

type StatFS struct {
	BlockSize uint32
	Blocks    uint64
	Free      uint64
	NameLen   uint32
}

// VolumeInfo answers the driver's volume information query.
type VolumeInfo struct {
	Name      string
	FSName    string
	UUID      uuid.UUID
	Label     string
	Subvolume uint64
	ReadOnly  bool
}

type Options struct {
	ReadOnly   bool
	VolumeName string
}

// FS serves one mounted subvolume.
type FS struct {
	logger   *slog.Logger
	gate     *Gate
	reader   *tree.Reader
	sb       *btrfs.Superblock
	uuid     uuid.UUID
	subvol   uint64
	readOnly bool
	volName  string

	mu    sync.Mutex
	trees map[uint64]*tree.FileTree
}

// New binds subvolume subvol of blocks. The subvolume's tree is opened
// right away so a missing subvolume fails here and not on first access.
func New(ctx context.Context, logger *slog.Logger, blocks tree.Blocks, fsid uuid.UUID, subvol uint64, opts Options) (*FS, error) {
	f := &FS{
		logger:   logger.With("component", "shim", "subvolume", subvol),
		gate:     NewGate(),
		reader:   tree.NewReader(blocks),
		sb:       blocks.Superblock(),
		uuid:     fsid,
		subvol:   subvol,
		readOnly: opts.ReadOnly,
		volName:  opts.VolumeName,
		trees:    make(map[uint64]*tree.FileTree),
	}
	if f.volName == "" {
		f.volName = DefaultVolumeName
	}
	if _, err := f.fileTree(ctx, subvol); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FS) Gate() *Gate { return f.gate }

func (f *FS) ReadOnly() bool { return f.readOnly }

// Root returns the top directory of the mounted subvolume.
func (f *FS) Root() NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return NodeID{Tree: f.subvol, Ino: f.trees[f.subvol].RootDir()}
}

// StableIno folds a NodeID into one inode number. Inodes of the mounted
// subvolume keep their own numbers.
func (f *FS) StableIno(n NodeID) uint64 {
	if n.Tree == f.subvol {
		return n.Ino
	}
	return n.Tree<<40 | n.Ino
}

func (f *FS) fileTree(ctx context.Context, id uint64) (*tree.FileTree, error) {
	f.mu.Lock()
	ft, ok := f.trees[id]
	f.mu.Unlock()
	if ok {
		return ft, nil
	}
	ft, err := f.reader.FSTree(ctx, id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.trees[id] = ft
	f.mu.Unlock()
	return ft, nil
}

// child resolves a directory entry to the node it names, stepping into
// nested subvolumes.
func (f *FS) child(ctx context.Context, treeID uint64, e btrfs.DirItem) (NodeID, error) {
	if e.Location.Type != btrfs.RootItemKey {
		return NodeID{Tree: treeID, Ino: e.Location.ObjectID}, nil
	}
	ft, err := f.fileTree(ctx, e.Location.ObjectID)
	if err != nil {
		return NodeID{}, err
	}
	return NodeID{Tree: ft.ID(), Ino: ft.RootDir()}, nil
}

func (f *FS) Lookup(ctx context.Context, parent NodeID, name string) (Attr, error) {
	release, err := f.gate.Enter()
	if err != nil {
		return Attr{}, err
	}
	defer release()

	ft, err := f.fileTree(ctx, parent.Tree)
	if err != nil {
		return Attr{}, err
	}
	e, err := ft.Lookup(ctx, parent.Ino, name)
	if err != nil {
		return Attr{}, err
	}
	n, err := f.child(ctx, parent.Tree, e)
	if err != nil {
		return Attr{}, err
	}
	return f.getAttr(ctx, n)
}

func (f *FS) GetAttr(ctx context.Context, n NodeID) (Attr, error) {
	release, err := f.gate.Enter()
	if err != nil {
		return Attr{}, err
	}
	defer release()
	return f.getAttr(ctx, n)
}

func (f *FS) getAttr(ctx context.Context, n NodeID) (Attr, error) {
	ft, err := f.fileTree(ctx, n.Tree)
	if err != nil {
		return Attr{}, err
	}
	in, err := ft.Inode(ctx, n.Ino)
	if err != nil {
		return Attr{}, err
	}
	return Attr{
		Node:   n,
		Mode:   in.Mode,
		Size:   in.Size,
		Blocks: in.NBytes / 512,
		NLink:  in.NLink,
		UID:    in.UID,
		GID:    in.GID,
		Rdev:   in.Rdev,
		ATime:  in.ATime,
		MTime:  in.MTime,
		CTime:  in.CTime,
	}, nil
}

var ftModes = map[uint8]uint32{
	btrfs.FtRegFile: syscall.S_IFREG,
	btrfs.FtDir:     syscall.S_IFDIR,
	btrfs.FtChrdev:  syscall.S_IFCHR,
	btrfs.FtBlkdev:  syscall.S_IFBLK,
	btrfs.FtFifo:    syscall.S_IFIFO,
	btrfs.FtSock:    syscall.S_IFSOCK,
	btrfs.FtSymlink: syscall.S_IFLNK,
}

func (f *FS) ReadDir(ctx context.Context, dir NodeID) ([]DirEntry, error) {
	release, err := f.gate.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	ft, err := f.fileTree(ctx, dir.Tree)
	if err != nil {
		return nil, err
	}
	items, err := ft.ReadDir(ctx, dir.Ino)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(items))
	for _, e := range items {
		n, err := f.child(ctx, dir.Tree, e)
		if btrfs.IsErrorCode(err, btrfs.ErrCodeSubvolumeNotFound) {
			f.logger.Debug("skipping entry of a missing subvolume", "name", e.Name, "subvolume", e.Location.ObjectID)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, DirEntry{Name: e.Name, Node: n, Mode: ftModes[e.Type]})
	}
	return out, nil
}

// Read reads file data. Reading at or past the end returns 0 bytes and no
// error.
func (f *FS) Read(ctx context.Context, n NodeID, p []byte, off int64) (int, error) {
	release, err := f.gate.Enter()
	if err != nil {
		return 0, err
	}
	defer release()

	ft, err := f.fileTree(ctx, n.Tree)
	if err != nil {
		return 0, err
	}
	got, err := ft.ReadAt(ctx, n.Ino, p, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return got, err
}

func (f *FS) Readlink(ctx context.Context, n NodeID) (string, error) {
	release, err := f.gate.Enter()
	if err != nil {
		return "", err
	}
	defer release()

	ft, err := f.fileTree(ctx, n.Tree)
	if err != nil {
		return "", err
	}
	return ft.Readlink(ctx, n.Ino)
}

func (f *FS) StatFS(ctx context.Context) (StatFS, error) {
	release, err := f.gate.Enter()
	if err != nil {
		return StatFS{}, err
	}
	defer release()

	bs := f.sb.SectorSize
	if bs == 0 {
		bs = btrfs.DefaultSectorSize
	}
	total := f.sb.TotalBytes / uint64(bs)
	used := f.sb.BytesUsed / uint64(bs)
	return StatFS{
		BlockSize: bs,
		Blocks:    total,
		Free:      total - min(used, total),
		NameLen:   NameMax,
	}, nil
}

func (f *FS) Info() (VolumeInfo, error) {
	release, err := f.gate.Enter()
	if err != nil {
		return VolumeInfo{}, err
	}
	defer release()

	return VolumeInfo{
		Name:      f.volName,
		FSName:    FSName,
		UUID:      f.uuid,
		Label:     f.sb.Label,
		Subvolume: f.subvol,
		ReadOnly:  f.readOnly,
	}, nil
}

// Mutate answers every write callback. Read-only sessions report
// ReadOnly, writable ones NotSupported, and a draining session
// NotMounted.
func (f *FS) Mutate(op string) error {
	release, err := f.gate.Enter()
	if err != nil {
		return err
	}
	defer release()

	if f.readOnly {
		return btrfs.NewError(btrfs.ErrCodeReadOnly, op, "", nil)
	}
	return btrfs.NewError(btrfs.ErrCodeNotSupported, op, "", nil)
}

// Errno maps an engine error to the errno a driver returns.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch btrfs.CodeOf(err) {
	case btrfs.ErrCodeNotFound, btrfs.ErrCodeSubvolumeNotFound, btrfs.ErrCodeVolumeNotFound:
		return syscall.ENOENT
	case btrfs.ErrCodeReadOnly:
		return syscall.EROFS
	case btrfs.ErrCodeNotSupported:
		return syscall.ENOTSUP
	case btrfs.ErrCodeNotMounted, btrfs.ErrCodeSessionBusy:
		return syscall.ESHUTDOWN
	case btrfs.ErrCodeInvalidArgument:
		return syscall.EINVAL
	case btrfs.ErrCodeNoSpace:
		return syscall.ENOSPC
	}
	return syscall.EIO
}
