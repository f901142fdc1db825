package blockdev

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

func TestFileReadWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.img")
	writeImage(t, path, 64*1024, false)

	ro, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	if ro.Size() != 64*1024 {
		t.Errorf("expected size 65536, got %d", ro.Size())
	}
	if _, err := ro.WriteAt(ctx, []byte("x"), 0); !btrfs.IsErrorCode(err, btrfs.ErrCodeReadOnly) {
		t.Errorf("expected ReadOnly, got %v", err)
	}

	rw, err := Open(path, Writable())
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()
	if _, err := rw.WriteAt(ctx, []byte("hello"), 4096); err != nil {
		t.Fatal(err)
	}
	if err := rw.Sync(); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 5)
	if _, err := ro.ReadAt(ctx, buf, 4096); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Errorf("expected hello, got %q", buf)
	}

	if _, err := ro.ReadAt(ctx, make([]byte, 16), 64*1024-8); !btrfs.IsErrorCode(err, btrfs.ErrCodeIOFailure) {
		t.Errorf("expected IoFailure on short read, got %v", err)
	}
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	if !btrfs.IsErrorCode(err, btrfs.ErrCodeIOFailure) {
		t.Errorf("expected IoFailure, got %v", err)
	}
}

func TestMemSparse(t *testing.T) {
	ctx := context.Background()
	m := NewMem("mem", 3*memPageSize)
	data := bytes.Repeat([]byte{0xab}, memPageSize)
	if _, err := m.WriteAt(ctx, data, memPageSize/2); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 3*memPageSize)
	if _, err := m.ReadAt(ctx, got, 0); err != nil {
		t.Fatal(err)
	}
	for i, b := range got {
		want := byte(0)
		if i >= memPageSize/2 && i < memPageSize/2+memPageSize {
			want = 0xab
		}
		if b != want {
			t.Fatalf("byte %d: expected %#x, got %#x", i, want, b)
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := m.ReadAt(cctx, got[:1], 0); !btrfs.IsErrorCode(err, btrfs.ErrCodeIOFailure) {
		t.Errorf("expected IoFailure on cancelled context, got %v", err)
	}
}
