// Package tree walks the B-trees of an opened volume: the root tree for
// the subvolume forest and the filesystem trees for file data.
package tree

import (
	"context"
	"iter"
	"sort"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

// BlockReader returns validated tree blocks by logical address.
type BlockReader interface {
	ReadNode(ctx context.Context, logical uint64) (*btrfs.Node, error)
}

// Blocks is the read surface of an opened volume.
type Blocks interface {
	BlockReader
	ReadLogical(ctx context.Context, logical uint64, p []byte) error
	Superblock() *btrfs.Superblock
}

// Items yields every leaf item of the tree rooted at root whose key lies
// in [lo, hi], in key order. Only the blocks that can hold such keys are
// read. A read or structure error is yielded once and ends the sequence.
func Items(ctx context.Context, r BlockReader, root uint64, level uint8, lo, hi btrfs.Key) iter.Seq2[btrfs.Item, error] {
	return func(yield func(btrfs.Item, error) bool) {
		walk(ctx, r, root, level, lo, hi, yield)
	}
}

// walk reports whether iteration should continue.
func walk(ctx context.Context, r BlockReader, logical uint64, level uint8, lo, hi btrfs.Key, yield func(btrfs.Item, error) bool) bool {
	n, err := r.ReadNode(ctx, logical)
	if err != nil {
		yield(btrfs.Item{}, err)
		return false
	}
	if n.Level != level {
		yield(btrfs.Item{}, btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "block %#x: level %d, expected %d", logical, n.Level, level))
		return false
	}

	if n.IsLeaf() {
		i := sort.Search(len(n.Items), func(i int) bool { return !n.Items[i].Key.Less(lo) })
		for ; i < len(n.Items); i++ {
			if hi.Less(n.Items[i].Key) {
				return false
			}
			if !yield(n.Items[i], nil) {
				return false
			}
		}
		return true
	}

	// Start at the last child whose first key is <= lo.
	i := sort.Search(len(n.Ptrs), func(i int) bool { return lo.Less(n.Ptrs[i].Key) }) - 1
	i = max(i, 0)
	for ; i < len(n.Ptrs); i++ {
		if hi.Less(n.Ptrs[i].Key) {
			return false
		}
		if !walk(ctx, r, n.Ptrs[i].BlockPtr, level-1, lo, hi, yield) {
			return false
		}
	}
	return true
}

// Search returns the item with exactly key k.
func Search(ctx context.Context, r BlockReader, root uint64, level uint8, k btrfs.Key) (btrfs.Item, bool, error) {
	for it, err := range Items(ctx, r, root, level, k, k) {
		if err != nil {
			return btrfs.Item{}, false, err
		}
		return it, true, nil
	}
	return btrfs.Item{}, false, nil
}

// keyRange returns the bounds covering every item of (objectID, typ).
func keyRange(objectID uint64, typ uint8) (btrfs.Key, btrfs.Key) {
	return btrfs.Key{ObjectID: objectID, Type: typ}, btrfs.Key{ObjectID: objectID, Type: typ, Offset: ^uint64(0)}
}
