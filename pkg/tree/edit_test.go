package tree

import (
	"bytes"
	"context"
	"testing"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/btrfs/btrfstest"
)

func manySubvolumes(n int) []btrfstest.Subvolume {
	subs := make([]btrfstest.Subvolume, n)
	for i := range subs {
		subs[i] = btrfstest.Subvolume{ID: uint64(256 + i), Name: string(rune('a'+i%26)) + string(rune('a'+i/26))}
	}
	return subs
}

func TestApplyInsertReplaceDelete(t *testing.T) {
	fs, _, l := openImage(t, btrfstest.Image{Subvolumes: manySubvolumes(12), LeafItems: 4}, true)
	ctx := context.Background()
	sb := fs.Superblock()
	if sb.RootLevel == 0 {
		t.Fatalf("expected a multi-level root tree")
	}

	added := btrfs.Key{ObjectID: 500, Type: btrfs.RootRefKey, Offset: 501}
	smallest := btrfs.Key{ObjectID: 2, Type: btrfs.RootItemKey}
	replaced := btrfs.Key{ObjectID: 260, Type: btrfs.RootBackrefKey, Offset: 5}
	deleted := btrfs.Key{ObjectID: 5, Type: btrfs.RootRefKey, Offset: 261}

	edits := []Edit{
		Insert(added, []byte("added")),
		Insert(smallest, []byte("first")),
		Replace(replaced, btrfs.RootRef{DirID: 256, Sequence: 9, Name: "renamed"}.Marshal()),
		Delete(deleted),
	}
	if err := Apply(ctx, fs, l.RootTree, sb.RootLevel, edits); err != nil {
		t.Fatal(err)
	}

	it, ok, err := Search(ctx, fs, l.RootTree, sb.RootLevel, added)
	if err != nil || !ok || !bytes.Equal(it.Data, []byte("added")) {
		t.Errorf("expected inserted item, got ok=%v err=%v data=%q", ok, err, it.Data)
	}
	it, ok, err = Search(ctx, fs, l.RootTree, sb.RootLevel, replaced)
	if err != nil || !ok {
		t.Fatalf("expected replaced item, got ok=%v err=%v", ok, err)
	}
	if ref, _ := btrfs.ParseRootRef(it.Data); ref.Name != "renamed" {
		t.Errorf("expected name renamed, got %q", ref.Name)
	}
	if _, ok, _ := Search(ctx, fs, l.RootTree, sb.RootLevel, deleted); ok {
		t.Errorf("expected %s to be deleted", deleted)
	}

	root, err := fs.ReadNode(ctx, l.RootTree)
	if err != nil {
		t.Fatal(err)
	}
	if root.Ptrs[0].Key != smallest {
		t.Errorf("expected root's first key %s, got %s", smallest, root.Ptrs[0].Key)
	}
	for it, err := range Items(ctx, fs, l.RootTree, sb.RootLevel, btrfs.Key{}, btrfs.MaxKey) {
		if err != nil {
			t.Fatal(err)
		}
		if it.Key != smallest {
			t.Errorf("expected first item %s, got %s", smallest, it.Key)
		}
		break
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	fs, _, l := openImage(t, btrfstest.Image{}, true)
	ctx := context.Background()
	sb := fs.Superblock()

	fits := btrfs.Key{ObjectID: 400, Type: btrfs.RootRefKey, Offset: 401}
	edits := []Edit{
		Insert(fits, []byte("ok")),
		Insert(btrfs.Key{ObjectID: 402, Type: btrfs.RootRefKey}, make([]byte, int(sb.NodeSize))),
	}
	err := Apply(ctx, fs, l.RootTree, sb.RootLevel, edits)
	if !btrfs.IsErrorCode(err, btrfs.ErrCodeNoSpace) {
		t.Fatalf("expected NoSpace, got %v", err)
	}
	if _, ok, _ := Search(ctx, fs, l.RootTree, sb.RootLevel, fits); ok {
		t.Errorf("expected no partial write")
	}

	err = Apply(ctx, fs, l.RootTree, sb.RootLevel, []Edit{Delete(btrfs.Key{ObjectID: 12345})})
	if !btrfs.IsErrorCode(err, btrfs.ErrCodeNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestApplyReadOnly(t *testing.T) {
	fs, _, l := openImage(t, btrfstest.Image{}, false)
	sb := fs.Superblock()
	err := Apply(context.Background(), fs, l.RootTree, sb.RootLevel,
		[]Edit{Insert(btrfs.Key{ObjectID: 400, Type: btrfs.RootRefKey}, nil)})
	if !btrfs.IsErrorCode(err, btrfs.ErrCodeReadOnly) {
		t.Errorf("expected ReadOnly, got %v", err)
	}
}
