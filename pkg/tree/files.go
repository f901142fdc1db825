package tree

import (
	"context"
	"fmt"
	"io"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

// FileTree reads the files of one subvolume.
type FileTree struct {
	blocks     Blocks
	id         uint64
	root       uint64
	level      uint8
	rootDir    uint64
	sectorSize uint32
}

// FSTree opens the filesystem tree of subvolume id.
func (r *Reader) FSTree(ctx context.Context, id uint64) (*FileTree, error) {
	ri, _, err := r.RootItem(ctx, id)
	if err != nil {
		return nil, err
	}
	rootDir := ri.RootDirID
	if rootDir == 0 {
		rootDir = btrfs.FirstFreeObjectID
	}
	return &FileTree{
		blocks:     r.blocks,
		id:         id,
		root:       ri.Bytenr,
		level:      ri.Level,
		rootDir:    rootDir,
		sectorSize: r.sb.SectorSize,
	}, nil
}

// ID returns the subvolume id.
func (t *FileTree) ID() uint64 { return t.id }

// RootDir returns the inode of the subvolume's top directory.
func (t *FileTree) RootDir() uint64 { return t.rootDir }

func (t *FileTree) search(ctx context.Context, k btrfs.Key) (btrfs.Item, bool, error) {
	return Search(ctx, t.blocks, t.root, t.level, k)
}

func (t *FileTree) notFound(op string, ino uint64) error {
	return btrfs.NewError(btrfs.ErrCodeNotFound, op, fmt.Sprintf("%d/%d", t.id, ino), nil)
}

// Inode returns the attributes of ino.
func (t *FileTree) Inode(ctx context.Context, ino uint64) (btrfs.InodeItem, error) {
	it, ok, err := t.search(ctx, btrfs.Key{ObjectID: ino, Type: btrfs.InodeItemKey})
	if err != nil {
		return btrfs.InodeItem{}, err
	}
	if !ok {
		return btrfs.InodeItem{}, t.notFound("stat", ino)
	}
	return btrfs.ParseInodeItem(it.Data)
}

// Lookup finds name in directory dir through the name-hash index.
func (t *FileTree) Lookup(ctx context.Context, dir uint64, name string) (btrfs.DirItem, error) {
	k := btrfs.Key{ObjectID: dir, Type: btrfs.DirItemKey, Offset: btrfs.NameHash([]byte(name))}
	it, ok, err := t.search(ctx, k)
	if err != nil {
		return btrfs.DirItem{}, err
	}
	if ok {
		entries, err := btrfs.ParseDirItems(it.Data)
		if err != nil {
			return btrfs.DirItem{}, err
		}
		for _, e := range entries {
			if e.Name == name {
				return e, nil
			}
		}
	}
	return btrfs.DirItem{}, btrfs.NewError(btrfs.ErrCodeNotFound, "lookup", fmt.Sprintf("%d/%d/%s", t.id, dir, name), nil)
}

// ReadDir lists dir in directory index order, without "." and "..".
func (t *FileTree) ReadDir(ctx context.Context, dir uint64) ([]btrfs.DirItem, error) {
	in, err := t.Inode(ctx, dir)
	if err != nil {
		return nil, err
	}
	if in.Mode&0o170000 != 0o040000 {
		return nil, btrfs.NewError(btrfs.ErrCodeInvalidArgument, "readdir", fmt.Sprintf("%d/%d", t.id, dir), fmt.Errorf("not a directory"))
	}
	var out []btrfs.DirItem
	lo, hi := keyRange(dir, btrfs.DirIndexKey)
	for it, err := range Items(ctx, t.blocks, t.root, t.level, lo, hi) {
		if err != nil {
			return nil, err
		}
		entries, err := btrfs.ParseDirItems(it.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", it.Key, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Readlink returns the target of symlink ino.
func (t *FileTree) Readlink(ctx context.Context, ino uint64) (string, error) {
	it, ok, err := t.search(ctx, btrfs.Key{ObjectID: ino, Type: btrfs.ExtentDataKey})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", t.notFound("readlink", ino)
	}
	fe, err := btrfs.ParseFileExtent(it.Data)
	if err != nil {
		return "", err
	}
	if fe.Type != btrfs.FileExtentInline {
		return "", btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "symlink %d has a %d extent", ino, fe.Type)
	}
	data, err := t.inlineData(fe)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *FileTree) inlineData(fe btrfs.FileExtent) ([]byte, error) {
	if fe.Compression == btrfs.CompressNone {
		return fe.Data, nil
	}
	return decompress(fe.Compression, fe.Data, int(fe.RAMBytes), t.sectorSize)
}

// ReadAt reads file ino at off. It follows io.ReaderAt: a short read at
// the end of the file returns io.EOF. Holes and preallocated ranges read
// as zeros.
func (t *FileTree) ReadAt(ctx context.Context, ino uint64, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, btrfs.Errorf(btrfs.ErrCodeInvalidArgument, "negative offset %d", off)
	}
	in, err := t.Inode(ctx, ino)
	if err != nil {
		return 0, err
	}
	size := int64(in.Size)
	if off >= size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), size)
	buf := p[:end-off]
	clear(buf)

	lo, hi := keyRange(ino, btrfs.ExtentDataKey)
	hi.Offset = uint64(end - 1)
	for it, err := range Items(ctx, t.blocks, t.root, t.level, lo, hi) {
		if err != nil {
			return 0, err
		}
		fe, err := btrfs.ParseFileExtent(it.Data)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", it.Key, err)
		}
		start := int64(it.Key.Offset)
		from, to := max(start, off), min(start+int64(fe.Length()), end)
		if from >= to {
			continue
		}
		if err := t.readExtent(ctx, fe, buf[from-off:to-off], uint64(from-start)); err != nil {
			return 0, fmt.Errorf("read inode %d at %d: %w", ino, from, err)
		}
	}

	n := len(buf)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// readExtent fills dst with extent bytes starting skip bytes into it.
func (t *FileTree) readExtent(ctx context.Context, fe btrfs.FileExtent, dst []byte, skip uint64) error {
	switch {
	case fe.Type == btrfs.FileExtentInline:
		data, err := t.inlineData(fe)
		if err != nil {
			return err
		}
		if skip < uint64(len(data)) {
			copy(dst, data[skip:])
		}
		return nil
	case fe.Type == btrfs.FileExtentPrealloc, fe.DiskBytenr == 0:
		return nil
	case fe.Compression == btrfs.CompressNone:
		return t.blocks.ReadLogical(ctx, fe.DiskBytenr+fe.Offset+skip, dst)
	}

	raw := make([]byte, fe.DiskNumBytes)
	if err := t.blocks.ReadLogical(ctx, fe.DiskBytenr, raw); err != nil {
		return err
	}
	data, err := decompress(fe.Compression, raw, int(fe.RAMBytes), t.sectorSize)
	if err != nil {
		return err
	}
	if at := fe.Offset + skip; at < uint64(len(data)) {
		copy(dst, data[at:])
	}
	return nil
}
