package volume

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/elee1766/btrmount/pkg/blockdev"
	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/btrfs/btrfstest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openImage builds img in memory and opens it as a one-member volume.
func openImage(t *testing.T, img btrfstest.Image, opts OpenOptions) (*FS, *blockdev.Mem, *btrfstest.Layout) {
	t.Helper()
	ctx := context.Background()
	m, l := btrfstest.NewMem(t, img)
	sb, err := ReadSuperblock(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	v := Group([]Member{{Path: m.Path(), Superblock: sb, Handle: m}}).Volumes()[0]
	fs, err := Open(ctx, discardLogger(), v, opts)
	if err != nil {
		t.Fatalf("open volume: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs, m, l
}

func TestOpenLoadsChunkTree(t *testing.T) {
	fs, _, l := openImage(t, btrfstest.Image{}, OpenOptions{})
	if fs.Chunks().Len() != 1 {
		t.Fatalf("expected 1 chunk, got %d", fs.Chunks().Len())
	}
	c, ok := fs.Chunks().Find(l.RootTree)
	if !ok || c.Logical != btrfstest.ChunkStart {
		t.Errorf("expected root tree inside the chunk, got %+v", c)
	}

	n, err := fs.ReadNode(context.Background(), l.RootTree)
	if err != nil {
		t.Fatal(err)
	}
	if n.Owner != btrfs.RootTreeObjectID {
		t.Errorf("expected root tree owner, got %d", n.Owner)
	}
}

func TestReadNodeRejectsCorruptBlock(t *testing.T) {
	fs, m, l := openImage(t, btrfstest.Image{}, OpenOptions{})
	btrfstest.Corrupt(t, m, l, l.FSTrees[btrfs.FSTreeObjectID])

	_, err := fs.ReadNode(context.Background(), l.FSTrees[btrfs.FSTreeObjectID])
	if !btrfs.IsErrorCode(err, btrfs.ErrCodeCorruptFilesystem) {
		t.Errorf("expected CorruptFilesystem, got %v", err)
	}
}

func TestReadNodeWrongAddress(t *testing.T) {
	fs, m, l := openImage(t, btrfstest.Image{}, OpenOptions{})
	ctx := context.Background()

	// Copy a valid block to another address; its recorded bytenr no
	// longer matches.
	src := l.FSTrees[btrfs.FSTreeObjectID]
	buf := make([]byte, fs.NodeSize())
	if _, err := m.ReadAt(ctx, buf, int64(src)); err != nil {
		t.Fatal(err)
	}
	dst := uint64(btrfstest.ChunkStart + 4<<20)
	if _, err := m.WriteAt(ctx, buf, int64(dst)); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.ReadNode(ctx, dst); !btrfs.IsErrorCode(err, btrfs.ErrCodeCorruptFilesystem) {
		t.Errorf("expected CorruptFilesystem, got %v", err)
	}
}

func TestReadNodeFallsBackToSecondCopy(t *testing.T) {
	fs, m, l := openImage(t, btrfstest.Image{Dup: true}, OpenOptions{})
	ctx := context.Background()
	root := l.FSTrees[btrfs.FSTreeObjectID]

	btrfstest.Corrupt(t, m, l, root, 0)
	n, err := fs.ReadNode(ctx, root)
	if err != nil {
		t.Fatalf("expected second copy to be used, got %v", err)
	}
	if n.Bytenr != root {
		t.Errorf("expected bytenr %#x, got %#x", root, n.Bytenr)
	}
}

func TestReadNodeCaches(t *testing.T) {
	fs, m, l := openImage(t, btrfstest.Image{}, OpenOptions{})
	ctx := context.Background()
	root := l.FSTrees[btrfs.FSTreeObjectID]

	first, err := fs.ReadNode(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	m.FailReads = true
	second, err := fs.ReadNode(ctx, root)
	if err != nil {
		t.Fatalf("expected cached block, got %v", err)
	}
	if first != second {
		t.Error("expected the cached node to be returned")
	}
}

func TestWriteNode(t *testing.T) {
	ctx := context.Background()

	t.Run("read-only", func(t *testing.T) {
		fs, _, l := openImage(t, btrfstest.Image{}, OpenOptions{})
		n, err := fs.ReadNode(ctx, l.RootTree)
		if err != nil {
			t.Fatal(err)
		}
		if err := fs.WriteNode(ctx, n.Clone()); !btrfs.IsErrorCode(err, btrfs.ErrCodeReadOnly) {
			t.Errorf("expected ReadOnly, got %v", err)
		}
	})

	t.Run("all copies", func(t *testing.T) {
		fs, m, l := openImage(t, btrfstest.Image{Dup: true}, OpenOptions{Writable: true})
		n, err := fs.ReadNode(ctx, l.RootTree)
		if err != nil {
			t.Fatal(err)
		}
		edit := n.Clone()
		k := btrfs.Key{ObjectID: 9999, Type: btrfs.RootItemKey}
		if err := edit.Insert(btrfs.Item{Key: k, Data: []byte("x")}, fs.NodeSize()); err != nil {
			t.Fatal(err)
		}
		if err := fs.WriteNode(ctx, edit); err != nil {
			t.Fatal(err)
		}

		for i, off := range l.Physical(l.RootTree) {
			buf := make([]byte, fs.NodeSize())
			if _, err := m.ReadAt(ctx, buf, off); err != nil {
				t.Fatal(err)
			}
			if err := btrfs.VerifyCsum(btrfs.CsumTypeCRC32, buf); err != nil {
				t.Errorf("copy %d: %v", i, err)
			}
		}

		got, err := fs.ReadNode(ctx, l.RootTree)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Items) != len(n.Items)+1 {
			t.Errorf("expected %d items after write, got %d", len(n.Items)+1, len(got.Items))
		}
	})
}

func TestReadLogical(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 512)
	fs, _, l := openImage(t, btrfstest.Image{
		TopLevel: []btrfstest.File{{Path: "big.bin", Data: data, Extent: btrfstest.ExtentRegular}},
	}, OpenOptions{})

	at := l.Extents["5/big.bin"]
	got := make([]byte, len(data))
	if err := fs.ReadLogical(context.Background(), at, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("extent bytes differ from what was written")
	}
}

func TestLocks(t *testing.T) {
	l := NewLocks()
	fs, _, _ := openImage(t, btrfstest.Image{}, OpenOptions{})
	unlock := l.Lock(fs.UUID())

	acquired := make(chan struct{})
	go func() {
		defer l.Lock(fs.UUID())()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("expected the second Lock to wait")
	default:
	}
	unlock()
	<-acquired
}
