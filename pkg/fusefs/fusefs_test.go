package fusefs

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/btrfs/btrfstest"
	"github.com/elee1766/btrmount/pkg/shim"
	"github.com/elee1766/btrmount/pkg/volume"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testImage = btrfstest.Image{
	Label:      "media",
	TotalBytes: 1 << 30,
	BytesUsed:  1 << 20,
	TopLevel: []btrfstest.File{
		{Path: "music/song.txt", Data: []byte("la la la")},
		{Path: "latest", Symlink: "music/song.txt"},
	},
}

// rootNode returns the root of a node tree that is wired to a bridge
// without a kernel mount.
func rootNode(t *testing.T, readOnly bool) *node {
	t.Helper()
	ctx := context.Background()
	m, _ := btrfstest.NewMem(t, testImage)
	sb, err := volume.ReadSuperblock(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	v := volume.Group([]volume.Member{{Path: m.Path(), Superblock: sb, Handle: m}}).Volumes()[0]
	vfs, err := volume.Open(ctx, discardLogger(), v, volume.OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { vfs.Close() })
	sh, err := shim.New(ctx, discardLogger(), vfs, vfs.UUID(), btrfs.FSTreeObjectID, shim.Options{ReadOnly: readOnly})
	if err != nil {
		t.Fatal(err)
	}
	root := &node{fsys: sh, id: sh.Root()}
	fs.NewNodeFS(root, &fs.Options{})
	return root
}

func TestNodeReads(t *testing.T) {
	ctx := context.Background()
	root := rootNode(t, true)

	var attr fuse.AttrOut
	if errno := root.Getattr(ctx, nil, &attr); errno != 0 {
		t.Fatalf("getattr: %v", errno)
	}
	if attr.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		t.Errorf("expected a directory root, got mode %o", attr.Mode)
	}

	stream, errno := root.Readdir(ctx)
	if errno != 0 {
		t.Fatalf("readdir: %v", errno)
	}
	names := map[string]uint32{}
	for stream.HasNext() {
		e, errno := stream.Next()
		if errno != 0 {
			t.Fatal(errno)
		}
		names[e.Name] = e.Mode
	}
	if names["music"] != syscall.S_IFDIR || names["latest"] != syscall.S_IFLNK {
		t.Errorf("unexpected entries %v", names)
	}

	var out fuse.EntryOut
	dir, errno := root.Lookup(ctx, "music", &out)
	if errno != 0 {
		t.Fatalf("lookup music: %v", errno)
	}
	music := dir.Operations().(*node)
	file, errno := music.Lookup(ctx, "song.txt", &out)
	if errno != 0 {
		t.Fatalf("lookup song.txt: %v", errno)
	}
	if out.Attr.Size != 8 {
		t.Errorf("expected size 8, got %d", out.Attr.Size)
	}
	song := file.Operations().(*node)
	buf := make([]byte, 64)
	res, errno := song.Read(ctx, nil, buf, 3)
	if errno != 0 {
		t.Fatalf("read: %v", errno)
	}
	got, _ := res.Bytes(nil)
	if string(got) != "la la" {
		t.Errorf("expected %q, got %q", "la la", got)
	}

	link, errno := root.Lookup(ctx, "latest", &out)
	if errno != 0 {
		t.Fatal(errno)
	}
	target, errno := link.Operations().(*node).Readlink(ctx)
	if errno != 0 || string(target) != "music/song.txt" {
		t.Errorf("expected link target, got %q (%v)", target, errno)
	}

	if _, errno := root.Lookup(ctx, "missing", &out); errno != syscall.ENOENT {
		t.Errorf("expected ENOENT, got %v", errno)
	}

	var st fuse.StatfsOut
	if errno := root.Statfs(ctx, &st); errno != 0 {
		t.Fatal(errno)
	}
	if st.Bsize != 4096 || st.Blocks != (1<<30)/4096 || st.Bfree != st.Blocks-(1<<20)/4096 {
		t.Errorf("unexpected statfs %+v", st)
	}
}

func TestNodeMutations(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		readOnly bool
		want     syscall.Errno
	}{
		{name: "read-only session", readOnly: true, want: syscall.EROFS},
		{name: "writable session", readOnly: false, want: syscall.ENOTSUP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := rootNode(t, tt.readOnly)
			var out fuse.EntryOut
			if _, errno := root.Mkdir(ctx, "x", 0o755, &out); errno != tt.want {
				t.Errorf("mkdir: expected %v, got %v", tt.want, errno)
			}
			if errno := root.Unlink(ctx, "latest"); errno != tt.want {
				t.Errorf("unlink: expected %v, got %v", tt.want, errno)
			}
			if _, _, errno := root.Open(ctx, syscall.O_RDWR); errno != tt.want {
				t.Errorf("open rw: expected %v, got %v", tt.want, errno)
			}
			if _, _, errno := root.Open(ctx, syscall.O_RDONLY); errno != 0 {
				t.Errorf("open ro: expected success, got %v", errno)
			}
		})
	}
}

func TestAvailable(t *testing.T) {
	d := New(discardLogger(), Config{Device: filepath.Join(t.TempDir(), "fuse")})
	if err := d.Available(); !btrfs.IsErrorCode(err, btrfs.ErrCodeDriverUnavailable) {
		t.Errorf("expected DriverUnavailable, got %v", err)
	}
	if _, err := d.Mount(context.Background(), t.TempDir(), nil); !btrfs.IsErrorCode(err, btrfs.ErrCodeDriverUnavailable) {
		t.Errorf("expected DriverUnavailable from Mount, got %v", err)
	}
}

func TestOptions(t *testing.T) {
	root := rootNode(t, true)
	d := New(discardLogger(), Config{AllowOther: true})
	opts, err := d.options(root.fsys)
	if err != nil {
		t.Fatal(err)
	}
	if opts.MountOptions.FsName != shim.DefaultVolumeName || opts.MountOptions.Name != shim.FSName {
		t.Errorf("unexpected names %q %q", opts.MountOptions.FsName, opts.MountOptions.Name)
	}
	if len(opts.MountOptions.Options) != 1 || opts.MountOptions.Options[0] != "ro" {
		t.Errorf("expected ro mount option, got %v", opts.MountOptions.Options)
	}
	if !opts.MountOptions.AllowOther || *opts.AttrTimeout == 0 {
		t.Errorf("unexpected options %+v", opts)
	}
}
