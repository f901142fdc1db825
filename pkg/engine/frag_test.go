package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"slices"
	"testing"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/btrfs/btrfstest"
)

func TestFragmentation(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.img")
	btrfstest.WriteFile(t, img, btrfstest.Image{
		TopLevel: []btrfstest.File{
			{Path: "docs/a", Data: bytes.Repeat([]byte("a"), 10000)},
			{Path: "docs/sub/b", Data: bytes.Repeat([]byte("b"), 5000)},
			{Path: "c", Data: []byte("inline")},
			{Path: "link", Symlink: "c"},
		},
	})
	e := newEngine(t, dir)
	ctx := context.Background()

	paths := func(req FragRequest) []string {
		t.Helper()
		files, err := e.Fragmentation(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		var out []string
		for _, f := range files {
			if f.DoF != 1 {
				t.Errorf("expected %s to be unfragmented, got DoF %v", f.Path, f.DoF)
			}
			out = append(out, f.Path)
		}
		slices.Sort(out)
		return out
	}

	tests := []struct {
		name     string
		req      FragRequest
		expected []string
	}{
		{"single file", FragRequest{Source: img, Path: "docs/a"}, []string{"/docs/a"}},
		{"directory", FragRequest{Source: img, Path: "docs"}, []string{"/docs/a"}},
		{"recursive", FragRequest{Source: img, Path: "docs", Recurse: true}, []string{"/docs/a", "/docs/sub/b"}},
		{"whole subvolume", FragRequest{Source: img, Recurse: true}, []string{"/c", "/docs/a", "/docs/sub/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := paths(tt.req); !slices.Equal(got, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}

	if _, err := e.Fragmentation(ctx, FragRequest{Source: img, Path: "docs/missing"}); !btrfs.IsErrorCode(err, btrfs.ErrCodeNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	missing := uint64(999)
	if _, err := e.Fragmentation(ctx, FragRequest{Source: img, SubvolumeID: &missing}); !btrfs.IsErrorCode(err, btrfs.ErrCodeSubvolumeNotFound) {
		t.Errorf("expected SubvolumeNotFound, got %v", err)
	}
}
