// Package snapshot creates and deletes subvolume snapshots by editing the
// root tree of an opened volume.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/tree"
	"github.com/elee1766/btrmount/pkg/volume"
)

var Module = fx.Module("snapshot",
	fx.Provide(New),
)

// SessionChecker reports whether a live mount session uses a subvolume.
type SessionChecker interface {
	InUse(volume uuid.UUID, subvolume uint64) bool
}

// Volume is the writable view of an opened volume.
type Volume interface {
	tree.Writer
	UUID() uuid.UUID
	Writable() bool
}

type Manager struct {
	logger   *slog.Logger
	locks    *volume.Locks
	sessions SessionChecker
	now      func() time.Time
}

func New(logger *slog.Logger, locks *volume.Locks, sessions SessionChecker) *Manager {
	return &Manager{
		logger:   logger.With("component", "snapshot"),
		locks:    locks,
		sessions: sessions,
		now:      time.Now,
	}
}

// CreateRequest describes a new snapshot.
type CreateRequest struct {
	SourceID uint64
	Name     string
	ReadOnly bool
	// ParentID is the subvolume the snapshot is listed under, the top
	// level when zero.
	ParentID uint64
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid name %q", name)
	case len(name) > 255:
		return fmt.Errorf("name longer than 255 bytes")
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("name %q contains a separator", name)
	}
	return nil
}

// CreateSnapshot clones the root pointer of the source subvolume under a
// new id. Only the root tree is touched: the new ROOT_ITEM shares the
// source's filesystem tree.
func (m *Manager) CreateSnapshot(ctx context.Context, v Volume, req CreateRequest) (tree.Subvolume, error) {
	if err := validName(req.Name); err != nil {
		return tree.Subvolume{}, btrfs.NewError(btrfs.ErrCodeInvalidArgument, "create snapshot", req.Name, err)
	}
	if req.ParentID == 0 {
		req.ParentID = btrfs.FSTreeObjectID
	}

	unlock := m.locks.Lock(v.UUID())
	defer unlock()

	if !v.Writable() {
		return tree.Subvolume{}, btrfs.NewError(btrfs.ErrCodeReadOnly, "create snapshot", req.Name, errors.New("volume is opened read-only"))
	}

	r := tree.NewReader(v)
	forest, err := r.Forest(ctx)
	if err != nil {
		return tree.Subvolume{}, err
	}
	src, ok := forest.Get(req.SourceID)
	if !ok {
		return tree.Subvolume{}, btrfs.NewError(btrfs.ErrCodeSubvolumeNotFound, "create snapshot", fmt.Sprint(req.SourceID), nil)
	}
	parent, ok := forest.Get(req.ParentID)
	if !ok || parent.Orphan {
		return tree.Subvolume{}, btrfs.NewError(btrfs.ErrCodeSubvolumeNotFound, "create snapshot", fmt.Sprint(req.ParentID), errors.New("no such parent"))
	}
	for _, id := range forest.Children(req.ParentID) {
		if s, _ := forest.Get(id); s.Name == req.Name {
			return tree.Subvolume{}, btrfs.NewError(btrfs.ErrCodeInvalidArgument, "create snapshot", req.Name, fmt.Errorf("subvolume %d already has that name", id))
		}
	}

	sb := v.Superblock()
	newID, err := nextID(ctx, v)
	if err != nil {
		return tree.Subvolume{}, err
	}

	_, srcKey, err := r.RootItem(ctx, src.ID)
	if err != nil {
		return tree.Subvolume{}, err
	}
	srcItem := src.Root
	srcItem.LastSnapshot = sb.Generation

	now := m.now().UTC()
	ri := src.Root
	ri.UUID = uuid.New()
	ri.ParentUUID = src.UUID
	ri.ReceivedUUID = uuid.Nil
	ri.Flags = src.Flags &^ btrfs.RootSubvolReadonly
	if req.ReadOnly {
		ri.Flags |= btrfs.RootSubvolReadonly
	}
	ri.Refs = 1
	ri.LastSnapshot = 0
	ri.CTransID = sb.Generation
	ri.OTransID = sb.Generation
	ri.STransID, ri.RTransID = 0, 0
	ri.CTime, ri.OTime = now, now
	ri.STime, ri.RTime = time.Time{}, time.Time{}

	dirID := parent.Root.RootDirID
	if dirID == 0 {
		dirID = btrfs.FirstFreeObjectID
	}
	ref := btrfs.RootRef{DirID: dirID, Name: req.Name}.Marshal()
	edits := []tree.Edit{
		tree.Replace(srcKey, srcItem.Marshal()),
		tree.Insert(btrfs.Key{ObjectID: newID, Type: btrfs.RootItemKey, Offset: sb.Generation}, ri.Marshal()),
		tree.Insert(btrfs.Key{ObjectID: req.ParentID, Type: btrfs.RootRefKey, Offset: newID}, ref),
		tree.Insert(btrfs.Key{ObjectID: newID, Type: btrfs.RootBackrefKey, Offset: req.ParentID}, ref),
	}
	if err := tree.Apply(ctx, v, sb.Root, sb.RootLevel, edits); err != nil {
		return tree.Subvolume{}, fmt.Errorf("create snapshot %s: %w", req.Name, err)
	}

	m.logger.Info("created snapshot", "uuid", v.UUID(), "source", src.ID, "subvolume", newID, "name", req.Name, "read_only", req.ReadOnly)
	return r.Subvolume(ctx, newID)
}

// nextID returns one past the highest subvolume id named anywhere in the
// root tree, references included.
func nextID(ctx context.Context, v Volume) (uint64, error) {
	sb := v.Superblock()
	highest := btrfs.FirstFreeObjectID - 1
	for it, err := range tree.Items(ctx, v, sb.Root, sb.RootLevel, btrfs.Key{}, btrfs.MaxKey) {
		if err != nil {
			return 0, err
		}
		k := it.Key
		var id uint64
		switch k.Type {
		case btrfs.RootItemKey, btrfs.RootBackrefKey:
			id = k.ObjectID
		case btrfs.RootRefKey:
			id = k.Offset
		default:
			continue
		}
		if id <= btrfs.LastFreeObjectID {
			highest = max(highest, id)
		}
	}
	if highest >= btrfs.LastFreeObjectID {
		return 0, btrfs.Errorf(btrfs.ErrCodeNoSpace, "subvolume ids exhausted")
	}
	return highest + 1, nil
}

// DeleteSnapshot removes the root item and references of subvolume id.
// The blocks it used are left for the kernel's cleaner; nothing here
// frees extents.
func (m *Manager) DeleteSnapshot(ctx context.Context, v Volume, id uint64) error {
	if id == btrfs.FSTreeObjectID {
		return btrfs.NewError(btrfs.ErrCodeInvalidArgument, "delete snapshot", fmt.Sprint(id), errors.New("the top-level subvolume cannot be deleted"))
	}

	unlock := m.locks.Lock(v.UUID())
	defer unlock()

	if m.sessions != nil && m.sessions.InUse(v.UUID(), id) {
		return btrfs.NewError(btrfs.ErrCodeSubvolumeBusy, "delete snapshot", fmt.Sprint(id), errors.New("mounted"))
	}
	if !v.Writable() {
		return btrfs.NewError(btrfs.ErrCodeReadOnly, "delete snapshot", fmt.Sprint(id), errors.New("volume is opened read-only"))
	}

	r := tree.NewReader(v)
	forest, err := r.Forest(ctx)
	if err != nil {
		return err
	}
	s, ok := forest.Get(id)
	if !ok {
		return btrfs.NewError(btrfs.ErrCodeNotFound, "delete snapshot", fmt.Sprint(id), nil)
	}
	if kids := forest.Children(id); len(kids) > 0 {
		return btrfs.NewError(btrfs.ErrCodeSubvolumeBusy, "delete snapshot", s.Path, fmt.Errorf("contains subvolumes %v", kids))
	}
	def, err := r.DefaultSubvolume(ctx)
	if err != nil {
		return err
	}
	if def == id {
		return btrfs.NewError(btrfs.ErrCodeSubvolumeBusy, "delete snapshot", s.Path, errors.New("is the default subvolume"))
	}

	sb := v.Superblock()
	var edits []tree.Edit
	lo := btrfs.Key{ObjectID: id, Type: btrfs.RootItemKey}
	hi := btrfs.Key{ObjectID: id, Type: btrfs.RootItemKey, Offset: ^uint64(0)}
	for it, err := range tree.Items(ctx, v, sb.Root, sb.RootLevel, lo, hi) {
		if err != nil {
			return err
		}
		edits = append(edits, tree.Delete(it.Key))
	}
	if !s.Orphan && s.RefKey != (btrfs.Key{}) {
		for _, k := range []btrfs.Key{
			s.RefKey,
			{ObjectID: id, Type: btrfs.RootBackrefKey, Offset: s.ParentID},
		} {
			_, found, err := tree.Search(ctx, v, sb.Root, sb.RootLevel, k)
			if err != nil {
				return err
			}
			if found {
				edits = append(edits, tree.Delete(k))
			}
		}
	}
	if err := tree.Apply(ctx, v, sb.Root, sb.RootLevel, edits); err != nil {
		return fmt.Errorf("delete snapshot %d: %w", id, err)
	}
	m.logger.Info("deleted snapshot", "uuid", v.UUID(), "subvolume", id, "path", s.Path)
	return nil
}
