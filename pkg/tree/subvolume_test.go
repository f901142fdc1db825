package tree

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/btrfs/btrfstest"
)

func TestResolvePathEndToEnd(t *testing.T) {
	img := btrfstest.Image{Subvolumes: []btrfstest.Subvolume{
		{ID: 5, Name: "home"},
		{ID: 8, ParentID: 5, Name: "snap1", Flags: 1},
	}}
	fs, _, _ := openImage(t, img, false)
	r := NewReader(fs)
	ctx := context.Background()

	p, err := r.ResolvePath(ctx, 8)
	if err != nil {
		t.Fatal(err)
	}
	if p != "home/snap1" {
		t.Errorf("expected path home/snap1, got %q", p)
	}
	s, err := r.Subvolume(ctx, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsReadOnly() {
		t.Errorf("expected subvolume 8 to be read-only, flags %#x", s.Flags)
	}
	if s.ParentID != 5 || s.Name != "snap1" {
		t.Errorf("expected parent 5 name snap1, got parent %d name %q", s.ParentID, s.Name)
	}

	top, err := r.Subvolume(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if top.ParentID != 0 || top.Path != "home" {
		t.Errorf("expected top level with parent 0 and path home, got parent %d path %q", top.ParentID, top.Path)
	}
}

func TestListSubvolumes(t *testing.T) {
	src := uuid.New()
	img := btrfstest.Image{
		TopLevel: []btrfstest.File{{Path: "vols", Dir: true}},
		Subvolumes: []btrfstest.Subvolume{
			{ID: 256, Name: "data", Dir: "vols", UUID: src, Generation: 7},
			{ID: 257, ParentID: 256, Name: "nested"},
			{ID: 258, Name: "data-snap", ParentUUID: src, Flags: 1 | 1<<40},
			{ID: 300, NoRef: true},
			{ID: 301, Name: "ghost", NoRootItem: true},
		},
	}
	fs, _, _ := openImage(t, img, false)
	subs, err := NewReader(fs).ListSubvolumes(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		id       uint64
		parent   uint64
		path     string
		orphan   bool
		readOnly bool
		source   uint64
	}{
		{id: 5, parent: 0, path: ""},
		{id: 256, parent: 5, path: "data"},
		{id: 257, parent: 256, path: "data/nested"},
		{id: 258, parent: 5, path: "data-snap", readOnly: true, source: 256},
		{id: 300, orphan: true},
	}
	if len(subs) != len(tests) {
		t.Fatalf("expected %d subvolumes, got %d: %+v", len(tests), len(subs), subs)
	}
	for i, tt := range tests {
		s := subs[i]
		if s.ID != tt.id {
			t.Fatalf("entry %d: expected id %d, got %d", i, tt.id, s.ID)
		}
		if s.ParentID != tt.parent {
			t.Errorf("subvolume %d: expected parent %d, got %d", tt.id, tt.parent, s.ParentID)
		}
		if s.Path != tt.path {
			t.Errorf("subvolume %d: expected path %q, got %q", tt.id, tt.path, s.Path)
		}
		if s.Orphan != tt.orphan {
			t.Errorf("subvolume %d: expected orphan %v, got %v", tt.id, tt.orphan, s.Orphan)
		}
		if s.IsReadOnly() != tt.readOnly {
			t.Errorf("subvolume %d: expected read-only %v, got %v", tt.id, tt.readOnly, s.IsReadOnly())
		}
		if s.SourceID != tt.source {
			t.Errorf("subvolume %d: expected source %d, got %d", tt.id, tt.source, s.SourceID)
		}
	}

	if subs[1].Generation != 7 || subs[1].UUID != src {
		t.Errorf("expected generation 7 and uuid %s, got %d and %s", src, subs[1].Generation, subs[1].UUID)
	}
	if subs[3].Flags != 1|1<<40 {
		t.Errorf("expected reserved flag bits preserved, got %#x", subs[3].Flags)
	}
	if !subs[3].IsSnapshot() || subs[1].IsSnapshot() {
		t.Errorf("expected only 258 to be a snapshot")
	}
	if subs[1].DirID == btrfs.FirstFreeObjectID {
		t.Errorf("expected data to live in the vols directory, got dir %d", subs[1].DirID)
	}
}

func TestResolvePathCorruption(t *testing.T) {
	tests := []struct {
		name  string
		subvs []btrfstest.Subvolume
	}{
		{
			name: "cycle",
			subvs: []btrfstest.Subvolume{
				{ID: 256, ParentID: 257, Name: "a"},
				{ID: 257, ParentID: 256, Name: "b"},
			},
		},
		{
			name: "missing parent",
			subvs: []btrfstest.Subvolume{
				{ID: 300, ParentID: 299, Name: "lost"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, _, _ := openImage(t, btrfstest.Image{Subvolumes: tt.subvs}, false)
			_, err := NewReader(fs).ListSubvolumes(context.Background())
			if !btrfs.IsErrorCode(err, btrfs.ErrCodeCorruptFilesystem) {
				t.Errorf("expected CorruptFilesystem, got %v", err)
			}
		})
	}
}

func TestForestResolvePath(t *testing.T) {
	f := &Forest{byID: map[uint64]*Subvolume{
		5:   {ID: 5},
		256: {ID: 256, ParentID: 5, Name: "a"},
		257: {ID: 257, ParentID: 256, Name: "b"},
		258: {ID: 258, Orphan: true},
		259: {ID: 259, ParentID: 258, Name: "under-orphan"},
	}, ids: []uint64{5, 256, 257, 258, 259}}

	tests := []struct {
		id   uint64
		want string
		code btrfs.ErrorCode
	}{
		{id: 5, want: ""},
		{id: 257, want: "a/b"},
		{id: 258, want: ""},
		{id: 259, want: ""},
		{id: 999, code: btrfs.ErrCodeSubvolumeNotFound},
	}
	for _, tt := range tests {
		got, err := f.ResolvePath(tt.id)
		if tt.code != btrfs.ErrCodeUnknown {
			if !btrfs.IsErrorCode(err, tt.code) {
				t.Errorf("id %d: expected %s, got %v", tt.id, tt.code, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("id %d: unexpected error %v", tt.id, err)
			continue
		}
		if got != tt.want {
			t.Errorf("id %d: expected %q, got %q", tt.id, tt.want, got)
		}
	}

	if kids := f.Children(5); len(kids) != 1 || kids[0] != 256 {
		t.Errorf("expected children [256], got %v", kids)
	}
	if f.MaxID() != 259 {
		t.Errorf("expected max id 259, got %d", f.MaxID())
	}
}

func TestDefaultSubvolume(t *testing.T) {
	tests := []struct {
		name string
		img  btrfstest.Image
		want uint64
	}{
		{name: "top level", img: btrfstest.Image{}, want: 5},
		{
			name: "subvolume",
			img: btrfstest.Image{
				DefaultSubvolume: 256,
				Subvolumes:       []btrfstest.Subvolume{{ID: 256, Name: "root"}},
			},
			want: 256,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, _, _ := openImage(t, tt.img, false)
			got, err := NewReader(fs).DefaultSubvolume(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("expected default %d, got %d", tt.want, got)
			}
		})
	}
}

func TestRootItemMissing(t *testing.T) {
	fs, _, _ := openImage(t, btrfstest.Image{}, false)
	_, _, err := NewReader(fs).RootItem(context.Background(), 4242)
	if !btrfs.IsErrorCode(err, btrfs.ErrCodeSubvolumeNotFound) {
		t.Errorf("expected SubvolumeNotFound, got %v", err)
	}
}
