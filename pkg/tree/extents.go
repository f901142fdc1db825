package tree

import (
	"context"
	"fmt"
	"strings"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

// Extent is one EXTENT_DATA item of a file.
type Extent struct {
	FileOffset  uint64
	Length      uint64 // bytes of the file covered
	Type        uint8
	Compression uint8
	// DiskBytenr is the logical start of the extent on disk, zero for
	// inline extents and holes. DiskOffset is where this item's bytes
	// begin inside it.
	DiskBytenr   uint64
	DiskNumBytes uint64
	DiskOffset   uint64
}

func (e Extent) IsHole() bool {
	return e.Type != btrfs.FileExtentInline && e.DiskBytenr == 0
}

func (e Extent) IsInline() bool { return e.Type == btrfs.FileExtentInline }

// Extents lists the extent items of ino in file order.
func (t *FileTree) Extents(ctx context.Context, ino uint64) ([]Extent, error) {
	var out []Extent
	lo, hi := keyRange(ino, btrfs.ExtentDataKey)
	for it, err := range Items(ctx, t.blocks, t.root, t.level, lo, hi) {
		if err != nil {
			return nil, err
		}
		fe, err := btrfs.ParseFileExtent(it.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", it.Key, err)
		}
		e := Extent{
			FileOffset:  it.Key.Offset,
			Length:      fe.Length(),
			Type:        fe.Type,
			Compression: fe.Compression,
		}
		if fe.Type != btrfs.FileExtentInline && fe.DiskBytenr != 0 {
			e.DiskBytenr = fe.DiskBytenr
			e.DiskNumBytes = fe.DiskNumBytes
			e.DiskOffset = fe.DiskBytenr + fe.Offset
		}
		out = append(out, e)
	}
	return out, nil
}

// Walk resolves a slash separated path from the subvolume's top
// directory. Entries leading into another subvolume end the walk with
// NotSupported.
func (t *FileTree) Walk(ctx context.Context, path string) (uint64, error) {
	ino := t.rootDir
	for _, name := range strings.Split(path, "/") {
		if name == "" || name == "." {
			continue
		}
		e, err := t.Lookup(ctx, ino, name)
		if err != nil {
			return 0, err
		}
		if e.Location.Type == btrfs.RootItemKey {
			return 0, btrfs.NewError(btrfs.ErrCodeNotSupported, "walk", path, fmt.Errorf("%q is subvolume %d", name, e.Location.ObjectID))
		}
		ino = e.Location.ObjectID
	}
	return ino, nil
}
