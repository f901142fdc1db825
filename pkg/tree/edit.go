package tree

import (
	"context"
	"slices"
	"sort"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

// Writer is an opened volume that accepts in-place block rewrites.
type Writer interface {
	Blocks
	WriteNode(ctx context.Context, n *btrfs.Node) error
	NodeSize() uint32
}

type EditOp int

const (
	EditInsert EditOp = iota
	EditReplace
	EditDelete
)

// Edit is one item change applied by Apply.
type Edit struct {
	Op   EditOp
	Key  btrfs.Key
	Data []byte
}

func Insert(k btrfs.Key, data []byte) Edit  { return Edit{Op: EditInsert, Key: k, Data: data} }
func Replace(k btrfs.Key, data []byte) Edit { return Edit{Op: EditReplace, Key: k, Data: data} }
func Delete(k btrfs.Key) Edit               { return Edit{Op: EditDelete, Key: k} }

type pathStep struct {
	logical uint64
	slot    int
}

// editor holds the modified copies of every block touched so far.
type editor struct {
	w     Writer
	dirty map[uint64]*btrfs.Node
}

func (e *editor) node(ctx context.Context, logical uint64) (*btrfs.Node, error) {
	if n, ok := e.dirty[logical]; ok {
		return n, nil
	}
	return e.w.ReadNode(ctx, logical)
}

func (e *editor) modify(ctx context.Context, logical uint64) (*btrfs.Node, error) {
	if n, ok := e.dirty[logical]; ok {
		return n, nil
	}
	n, err := e.w.ReadNode(ctx, logical)
	if err != nil {
		return nil, err
	}
	n = n.Clone()
	e.dirty[logical] = n
	return n, nil
}

// descend returns the internal nodes on the way to the leaf that owns k,
// and the leaf address.
func (e *editor) descend(ctx context.Context, root uint64, level uint8, k btrfs.Key) ([]pathStep, uint64, error) {
	var path []pathStep
	cur := root
	for lvl := level; lvl > 0; lvl-- {
		n, err := e.node(ctx, cur)
		if err != nil {
			return nil, 0, err
		}
		if n.Level != lvl || len(n.Ptrs) == 0 {
			return nil, 0, btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "block %#x: level %d with %d pointers, expected level %d", cur, n.Level, len(n.Ptrs), lvl)
		}
		slot := max(sort.Search(len(n.Ptrs), func(i int) bool { return k.Less(n.Ptrs[i].Key) })-1, 0)
		path = append(path, pathStep{logical: cur, slot: slot})
		cur = n.Ptrs[slot].BlockPtr
	}
	return path, cur, nil
}

// Apply performs edits on the tree rooted at root by rewriting the leaves
// that hold the keys, in place. No block is allocated, so an insert into a
// full leaf fails with NoSpace. Every edit is checked before the first
// block is written; a failed batch leaves the disk untouched.
func Apply(ctx context.Context, w Writer, root uint64, level uint8, edits []Edit) error {
	e := &editor{w: w, dirty: make(map[uint64]*btrfs.Node)}
	nodeSize := w.NodeSize()

	for _, ed := range edits {
		path, leafAddr, err := e.descend(ctx, root, level, ed.Key)
		if err != nil {
			return err
		}
		leaf, err := e.modify(ctx, leafAddr)
		if err != nil {
			return err
		}
		if !leaf.IsLeaf() {
			return btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "block %#x: expected a leaf", leafAddr)
		}

		switch ed.Op {
		case EditInsert:
			if err := leaf.Insert(btrfs.Item{Key: ed.Key, Data: ed.Data}, nodeSize); err != nil {
				return err
			}
			// A new smallest key must be reflected in the parents.
			for i := len(path) - 1; i >= 0; i-- {
				p, err := e.node(ctx, path[i].logical)
				if err != nil {
					return err
				}
				if !ed.Key.Less(p.Ptrs[path[i].slot].Key) {
					break
				}
				p, err = e.modify(ctx, path[i].logical)
				if err != nil {
					return err
				}
				p.Ptrs[path[i].slot].Key = ed.Key
			}
		case EditReplace:
			if err := leaf.Replace(ed.Key, ed.Data, nodeSize); err != nil {
				return err
			}
		case EditDelete:
			if !leaf.Remove(ed.Key) {
				return btrfs.Errorf(btrfs.ErrCodeNotFound, "no item %s", ed.Key)
			}
		default:
			return btrfs.Errorf(btrfs.ErrCodeInvalidArgument, "unknown edit op %d", ed.Op)
		}
	}

	addrs := make([]uint64, 0, len(e.dirty))
	for a := range e.dirty {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	for _, a := range addrs {
		if err := w.WriteNode(ctx, e.dirty[a]); err != nil {
			return err
		}
	}
	return nil
}
