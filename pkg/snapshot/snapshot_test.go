package snapshot

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/btrfs/btrfstest"
	"github.com/elee1766/btrmount/pkg/tree"
	"github.com/elee1766/btrmount/pkg/volume"
)

type fakeSessions map[uint64]bool

func (f fakeSessions) InUse(_ uuid.UUID, id uint64) bool { return f[id] }

func openImage(t *testing.T, img btrfstest.Image, writable bool) *volume.FS {
	t.Helper()
	ctx := context.Background()
	m, _ := btrfstest.NewMem(t, img)
	sb, err := volume.ReadSuperblock(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	v := volume.Group([]volume.Member{{Path: m.Path(), Superblock: sb, Handle: m}}).Volumes()[0]
	fs, err := volume.Open(ctx, discardLogger(), v, volume.OpenOptions{Writable: writable})
	if err != nil {
		t.Fatalf("open volume: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(sessions fakeSessions) *Manager {
	m := New(discardLogger(), volume.NewLocks(), sessions)
	m.now = func() time.Time { return time.Unix(1800000000, 0) }
	return m
}

var testImage = btrfstest.Image{
	Generation: 42,
	Subvolumes: []btrfstest.Subvolume{
		{ID: 256, Name: "home", Flags: 1 << 33, Files: []btrfstest.File{{Path: "user/notes.txt", Data: []byte("remember")}}},
	},
}

func TestCreateAndDeleteSnapshot(t *testing.T) {
	fs := openImage(t, testImage, true)
	ctx := context.Background()
	m := newManager(fakeSessions{})

	snap, err := m.CreateSnapshot(ctx, fs, CreateRequest{SourceID: 256, Name: "home-snap", ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if snap.ID != 257 {
		t.Errorf("expected id 257, got %d", snap.ID)
	}
	if !snap.IsReadOnly() {
		t.Errorf("expected a read-only snapshot")
	}
	if snap.Flags&(1<<33) == 0 {
		t.Errorf("expected reserved flag bits carried over, got %#x", snap.Flags)
	}
	if snap.SourceID != 256 || !snap.IsSnapshot() {
		t.Errorf("expected source 256, got %d", snap.SourceID)
	}
	if snap.Path != "home-snap" || snap.ParentID != 5 {
		t.Errorf("expected home-snap under 5, got %q under %d", snap.Path, snap.ParentID)
	}
	if snap.OTransID != 42 || !snap.OTime.Equal(time.Unix(1800000000, 0)) {
		t.Errorf("expected otransid 42 and the fixed otime, got %d %v", snap.OTransID, snap.OTime)
	}

	r := tree.NewReader(fs)
	ft, err := r.FSTree(ctx, snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	user, err := ft.Lookup(ctx, ft.RootDir(), "user")
	if err != nil {
		t.Fatalf("expected the source's files in the snapshot, got %v", err)
	}
	if _, err := ft.Lookup(ctx, user.Location.ObjectID, "notes.txt"); err != nil {
		t.Errorf("expected notes.txt, got %v", err)
	}

	src, err := r.Subvolume(ctx, 256)
	if err != nil {
		t.Fatal(err)
	}
	if src.Root.LastSnapshot != 42 {
		t.Errorf("expected source last snapshot 42, got %d", src.Root.LastSnapshot)
	}

	second, err := m.CreateSnapshot(ctx, fs, CreateRequest{SourceID: 256, Name: "rw", ParentID: 256})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != 258 || second.IsReadOnly() || second.Path != "home/rw" {
		t.Errorf("expected writable 258 at home/rw, got %d ro=%v %q", second.ID, second.IsReadOnly(), second.Path)
	}

	if err := m.DeleteSnapshot(ctx, fs, snap.ID); err != nil {
		t.Fatal(err)
	}
	subs, err := r.ListSubvolumes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range subs {
		if s.ID == snap.ID {
			t.Errorf("expected %d to be gone after delete", snap.ID)
		}
	}
	if len(subs) != 3 {
		t.Errorf("expected 3 subvolumes left, got %d", len(subs))
	}

	err = m.DeleteSnapshot(ctx, fs, snap.ID)
	if !btrfs.IsErrorCode(err, btrfs.ErrCodeNotFound) {
		t.Errorf("expected NotFound on a second delete, got %v", err)
	}
}

func TestCreateSnapshotErrors(t *testing.T) {
	tests := []struct {
		name     string
		writable bool
		req      CreateRequest
		code     btrfs.ErrorCode
	}{
		{name: "read-only volume", req: CreateRequest{SourceID: 256, Name: "s"}, code: btrfs.ErrCodeReadOnly},
		{name: "missing source", writable: true, req: CreateRequest{SourceID: 999, Name: "s"}, code: btrfs.ErrCodeSubvolumeNotFound},
		{name: "missing parent", writable: true, req: CreateRequest{SourceID: 256, Name: "s", ParentID: 999}, code: btrfs.ErrCodeSubvolumeNotFound},
		{name: "name taken", writable: true, req: CreateRequest{SourceID: 256, Name: "home"}, code: btrfs.ErrCodeInvalidArgument},
		{name: "slash", writable: true, req: CreateRequest{SourceID: 256, Name: "a/b"}, code: btrfs.ErrCodeInvalidArgument},
		{name: "empty", writable: true, req: CreateRequest{SourceID: 256}, code: btrfs.ErrCodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := openImage(t, testImage, tt.writable)
			_, err := newManager(nil).CreateSnapshot(context.Background(), fs, tt.req)
			if !btrfs.IsErrorCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestDeleteSnapshotErrors(t *testing.T) {
	img := btrfstest.Image{
		DefaultSubvolume: 258,
		Subvolumes: []btrfstest.Subvolume{
			{ID: 256, Name: "a"},
			{ID: 257, ParentID: 256, Name: "b"},
			{ID: 258, Name: "default"},
			{ID: 259, Name: "mounted"},
		},
	}
	tests := []struct {
		name string
		id   uint64
		code btrfs.ErrorCode
	}{
		{name: "mounted", id: 259, code: btrfs.ErrCodeSubvolumeBusy},
		{name: "has children", id: 256, code: btrfs.ErrCodeSubvolumeBusy},
		{name: "default", id: 258, code: btrfs.ErrCodeSubvolumeBusy},
		{name: "top level", id: 5, code: btrfs.ErrCodeInvalidArgument},
		{name: "missing", id: 400, code: btrfs.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := openImage(t, img, true)
			err := newManager(fakeSessions{259: true}).DeleteSnapshot(context.Background(), fs, tt.id)
			if !btrfs.IsErrorCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestNextIDSkipsDanglingReferences(t *testing.T) {
	img := btrfstest.Image{Subvolumes: []btrfstest.Subvolume{
		{ID: 256, Name: "a"},
		{ID: 270, Name: "ghost", NoRootItem: true},
	}}
	fs := openImage(t, img, true)
	id, err := nextID(context.Background(), fs)
	if err != nil {
		t.Fatal(err)
	}
	if id != 271 {
		t.Errorf("expected 271, got %d", id)
	}
}
