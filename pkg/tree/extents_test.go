package tree

import (
	"bytes"
	"context"
	"testing"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/btrfs/btrfstest"
)

func TestExtentsAndWalk(t *testing.T) {
	img := btrfstest.Image{
		TopLevel: []btrfstest.File{
			{Path: "docs/small", Data: []byte("tiny")},
			{Path: "docs/big", Data: bytes.Repeat([]byte("x"), 10000), Offset: 8192},
		},
		Subvolumes: []btrfstest.Subvolume{{ID: 256, Name: "nested"}},
	}
	fs, _, l := openImage(t, img, false)
	ctx := context.Background()
	ft, err := NewReader(fs).FSTree(ctx, btrfs.FSTreeObjectID)
	if err != nil {
		t.Fatal(err)
	}

	ino, err := ft.Walk(ctx, "/docs/big")
	if err != nil {
		t.Fatal(err)
	}
	if want := l.Inodes[btrfs.FSTreeObjectID]["docs/big"]; ino != want {
		t.Errorf("expected inode %d, got %d", want, ino)
	}
	exts, err := ft.Extents(ctx, ino)
	if err != nil {
		t.Fatal(err)
	}
	if len(exts) != 1 {
		t.Fatalf("expected one data extent after the implicit hole, got %+v", exts)
	}
	if exts[0].IsHole() || exts[0].FileOffset != 8192 || exts[0].Length != 12288 || exts[0].DiskOffset != l.Extents["5/docs/big"] {
		t.Errorf("unexpected data extent %+v", exts[0])
	}

	small, err := ft.Walk(ctx, "docs/small")
	if err != nil {
		t.Fatal(err)
	}
	exts, err = ft.Extents(ctx, small)
	if err != nil {
		t.Fatal(err)
	}
	if len(exts) != 1 || !exts[0].IsInline() || exts[0].DiskBytenr != 0 {
		t.Errorf("expected one inline extent, got %+v", exts)
	}

	if _, err := ft.Walk(ctx, "nested/x"); !btrfs.IsErrorCode(err, btrfs.ErrCodeNotSupported) {
		t.Errorf("expected NotSupported walking into a subvolume, got %v", err)
	}
	if _, err := ft.Walk(ctx, "docs/missing"); !btrfs.IsErrorCode(err, btrfs.ErrCodeNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}
