package tree

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

// Subvolume is one subvolume or snapshot as recorded in the root tree.
type Subvolume struct {
	ID         uint64
	ParentID   uint64 // 0 for the top level
	Name       string
	Path       string // empty for the top level and for orphans
	DirID      uint64 // directory inode in the parent holding the entry
	Generation uint64
	Flags      uint64

	UUID         uuid.UUID
	ParentUUID   uuid.UUID
	ReceivedUUID uuid.UUID
	CTransID     uint64
	OTransID     uint64
	CTime        time.Time
	OTime        time.Time

	// SourceID is the subvolume this one was snapshotted from, when that
	// source still exists.
	SourceID uint64

	// Orphan is set for root items that no reference points to.
	Orphan bool

	Root   btrfs.RootItem
	RefKey btrfs.Key // ROOT_REF key, zero for the top level and orphans
}

// IsReadOnly reports whether flag bit 0 is set.
func (s Subvolume) IsReadOnly() bool {
	return s.Flags&btrfs.RootSubvolReadonly != 0
}

// IsSnapshot reports whether the subvolume was created as a snapshot.
func (s Subvolume) IsSnapshot() bool {
	return s.ParentUUID != uuid.Nil
}

// Forest is the subvolume hierarchy of one volume, indexed by id. Parent
// links are ids, never pointers.
type Forest struct {
	byID map[uint64]*Subvolume
	ids  []uint64
}

type rootRef struct {
	parent uint64
	key    btrfs.Key
	ref    btrfs.RootRef
}

// Reader reads the trees of one opened volume.
type Reader struct {
	blocks Blocks
	sb     *btrfs.Superblock
}

func NewReader(blocks Blocks) *Reader {
	return &Reader{blocks: blocks, sb: blocks.Superblock()}
}

// rootItems yields root tree items in [lo, hi].
func (r *Reader) rootItems(ctx context.Context, lo, hi btrfs.Key) iter.Seq2[btrfs.Item, error] {
	return Items(ctx, r.blocks, r.sb.Root, r.sb.RootLevel, lo, hi)
}

// RootItem returns the newest ROOT_ITEM of tree id.
func (r *Reader) RootItem(ctx context.Context, id uint64) (btrfs.RootItem, btrfs.Key, error) {
	lo, hi := keyRange(id, btrfs.RootItemKey)
	var (
		last  btrfs.Item
		found bool
	)
	for it, err := range r.rootItems(ctx, lo, hi) {
		if err != nil {
			return btrfs.RootItem{}, btrfs.Key{}, err
		}
		last, found = it, true
	}
	if !found {
		return btrfs.RootItem{}, btrfs.Key{}, btrfs.NewError(btrfs.ErrCodeSubvolumeNotFound, "find root item", fmt.Sprint(id), nil)
	}
	ri, err := btrfs.ParseRootItem(last.Data)
	return ri, last.Key, err
}

// Forest reads the whole root tree and assembles the subvolume forest.
// Root items count as subvolumes when their id is in the subvolume range
// or something references them. References without a root item are
// dropped, root items without a reference become orphans. Structural
// problems fail the whole read.
func (r *Reader) Forest(ctx context.Context) (*Forest, error) {
	roots := make(map[uint64]btrfs.Item)
	refs := make(map[uint64]rootRef)
	backrefs := make(map[uint64]rootRef)

	for it, err := range r.rootItems(ctx, btrfs.Key{}, btrfs.MaxKey) {
		if err != nil {
			return nil, err
		}
		k := it.Key
		switch k.Type {
		case btrfs.RootItemKey:
			// Keys are ordered, so a later offset replaces an earlier one.
			roots[k.ObjectID] = it
		case btrfs.RootRefKey:
			ref, err := btrfs.ParseRootRef(it.Data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if _, dup := refs[k.Offset]; !dup {
				refs[k.Offset] = rootRef{parent: k.ObjectID, key: k, ref: ref}
			}
		case btrfs.RootBackrefKey:
			ref, err := btrfs.ParseRootRef(it.Data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if _, dup := backrefs[k.ObjectID]; !dup {
				backrefs[k.ObjectID] = rootRef{
					parent: k.Offset,
					key:    btrfs.Key{ObjectID: k.Offset, Type: btrfs.RootRefKey, Offset: k.ObjectID},
					ref:    ref,
				}
			}
		}
	}

	f := &Forest{byID: make(map[uint64]*Subvolume, len(roots))}
	byUUID := make(map[uuid.UUID]uint64, len(roots))
	for id, it := range roots {
		_, hasRef := refs[id]
		_, hasBackref := backrefs[id]
		if !btrfs.IsSubvolumeID(id) && !hasRef && !hasBackref {
			// internal trees
			continue
		}
		ri, err := btrfs.ParseRootItem(it.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", it.Key, err)
		}
		s := &Subvolume{
			ID:           id,
			Generation:   max(ri.Generation, ri.GenerationV2),
			Flags:        ri.Flags,
			UUID:         ri.UUID,
			ParentUUID:   ri.ParentUUID,
			ReceivedUUID: ri.ReceivedUUID,
			CTransID:     ri.CTransID,
			OTransID:     ri.OTransID,
			CTime:        ri.CTime,
			OTime:        ri.OTime,
			Root:         ri,
		}
		ref, ok := refs[id]
		if !ok {
			ref, ok = backrefs[id]
		}
		switch {
		case ok:
			s.ParentID = ref.parent
			s.Name = ref.ref.Name
			s.DirID = ref.ref.DirID
			s.RefKey = ref.key
		case id == btrfs.FSTreeObjectID:
			s.ParentID = 0
		default:
			s.Orphan = true
		}
		if ri.UUID != uuid.Nil {
			byUUID[ri.UUID] = id
		}
		f.byID[id] = s
		f.ids = append(f.ids, id)
	}
	slices.Sort(f.ids)

	for _, s := range f.byID {
		if s.ParentUUID == uuid.Nil {
			continue
		}
		if src, ok := byUUID[s.ParentUUID]; ok && src != s.ID {
			s.SourceID = src
		}
	}
	for _, id := range f.ids {
		p, err := f.ResolvePath(id)
		if err != nil {
			return nil, err
		}
		f.byID[id].Path = p
	}
	return f, nil
}

// Get returns the subvolume with id.
func (f *Forest) Get(id uint64) (Subvolume, bool) {
	s, ok := f.byID[id]
	if !ok {
		return Subvolume{}, false
	}
	return *s, true
}

// All returns every subvolume ordered by id.
func (f *Forest) All() []Subvolume {
	out := make([]Subvolume, 0, len(f.ids))
	for _, id := range f.ids {
		out = append(out, *f.byID[id])
	}
	return out
}

// MaxID returns the highest subvolume id present.
func (f *Forest) MaxID() uint64 {
	if len(f.ids) == 0 {
		return 0
	}
	return f.ids[len(f.ids)-1]
}

// Children returns the ids whose parent is id.
func (f *Forest) Children(id uint64) []uint64 {
	var out []uint64
	for _, cid := range f.ids {
		if s := f.byID[cid]; !s.Orphan && s.ParentID == id && cid != id {
			out = append(out, cid)
		}
	}
	return out
}

// ResolvePath joins the names from the top level down to id. Orphans, and
// anything below one, have no path and resolve to "". A cycle or a parent
// that is not in the forest is corruption.
func (f *Forest) ResolvePath(id uint64) (string, error) {
	if _, ok := f.byID[id]; !ok {
		return "", btrfs.NewError(btrfs.ErrCodeSubvolumeNotFound, "resolve path", fmt.Sprint(id), nil)
	}

	var names []string
	visited := make(map[uint64]bool)
	for cur := id; ; {
		s, ok := f.byID[cur]
		if !ok {
			return "", btrfs.NewError(btrfs.ErrCodeCorruptFilesystem, "resolve path", fmt.Sprint(id),
				fmt.Errorf("parent %d does not exist", cur))
		}
		if s.Orphan {
			return "", nil
		}
		visited[cur] = true
		if s.Name != "" {
			names = append(names, s.Name)
		}
		if s.ParentID == 0 {
			break
		}
		if visited[s.ParentID] {
			return "", btrfs.NewError(btrfs.ErrCodeCorruptFilesystem, "resolve path", fmt.Sprint(id),
				fmt.Errorf("cycle through subvolume %d", s.ParentID))
		}
		cur = s.ParentID
	}
	slices.Reverse(names)
	return strings.Join(names, "/"), nil
}

// ListSubvolumes returns every subvolume with its path resolved.
func (r *Reader) ListSubvolumes(ctx context.Context) ([]Subvolume, error) {
	f, err := r.Forest(ctx)
	if err != nil {
		return nil, err
	}
	return f.All(), nil
}

// ResolvePath returns the path of subvolume id.
func (r *Reader) ResolvePath(ctx context.Context, id uint64) (string, error) {
	f, err := r.Forest(ctx)
	if err != nil {
		return "", err
	}
	return f.ResolvePath(id)
}

// Subvolume returns one subvolume with its path resolved.
func (r *Reader) Subvolume(ctx context.Context, id uint64) (Subvolume, error) {
	f, err := r.Forest(ctx)
	if err != nil {
		return Subvolume{}, err
	}
	s, ok := f.Get(id)
	if !ok {
		return Subvolume{}, btrfs.NewError(btrfs.ErrCodeSubvolumeNotFound, "find subvolume", fmt.Sprint(id), nil)
	}
	return s, nil
}

// DefaultSubvolume returns the id named by the "default" entry of the
// root tree directory, or the top level when there is none.
func (r *Reader) DefaultSubvolume(ctx context.Context) (uint64, error) {
	name := []byte("default")
	k := btrfs.Key{ObjectID: btrfs.RootTreeDirObjectID, Type: btrfs.DirItemKey, Offset: btrfs.NameHash(name)}
	it, ok, err := Search(ctx, r.blocks, r.sb.Root, r.sb.RootLevel, k)
	if err != nil {
		return 0, err
	}
	if !ok {
		return btrfs.FSTreeObjectID, nil
	}
	entries, err := btrfs.ParseDirItems(it.Data)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.Name == "default" {
			return e.Location.ObjectID, nil
		}
	}
	return btrfs.FSTreeObjectID, nil
}
