package fusefs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/elee1766/btrmount/pkg/shim"
)

// node is one inode of a mounted subvolume. The tree is immutable for
// the life of a session so nodes carry no state beyond their id.
type node struct {
	fs.Inode
	fsys *shim.FS
	id   shim.NodeID
}

var (
	_ fs.NodeLookuper   = (*node)(nil)
	_ fs.NodeGetattrer  = (*node)(nil)
	_ fs.NodeReaddirer  = (*node)(nil)
	_ fs.NodeOpener     = (*node)(nil)
	_ fs.NodeReader     = (*node)(nil)
	_ fs.NodeReadlinker = (*node)(nil)
	_ fs.NodeStatfser   = (*node)(nil)
	_ fs.NodeSetattrer  = (*node)(nil)
	_ fs.NodeCreater    = (*node)(nil)
	_ fs.NodeMkdirer    = (*node)(nil)
	_ fs.NodeUnlinker   = (*node)(nil)
	_ fs.NodeRmdirer    = (*node)(nil)
	_ fs.NodeRenamer    = (*node)(nil)
	_ fs.NodeSymlinker  = (*node)(nil)
	_ fs.NodeLinker     = (*node)(nil)
	_ fs.NodeWriter     = (*node)(nil)
)

func (n *node) fill(a shim.Attr, out *fuse.Attr) {
	out.Ino = n.fsys.StableIno(a.Node)
	out.Mode = a.Mode
	out.Size = a.Size
	out.Blocks = a.Blocks
	out.Nlink = a.NLink
	out.Uid = a.UID
	out.Gid = a.GID
	out.Rdev = uint32(a.Rdev)
	out.Blksize = 4096
	out.SetTimes(&a.ATime, &a.MTime, &a.CTime)
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, err := n.fsys.Lookup(ctx, n.id, name)
	if err != nil {
		return nil, shim.Errno(err)
	}
	n.fill(a, &out.Attr)
	child := &node{fsys: n.fsys, id: a.Node}
	stable := fs.StableAttr{Mode: a.Mode & syscall.S_IFMT, Ino: out.Attr.Ino}
	return n.NewInode(ctx, child, stable), 0
}

func (n *node) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, err := n.fsys.GetAttr(ctx, n.id)
	if err != nil {
		return shim.Errno(err)
	}
	n.fill(a, &out.Attr)
	return 0
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.ReadDir(ctx, n.id)
	if err != nil {
		return nil, shim.Errno(err)
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, fuse.DirEntry{
			Name: e.Name,
			Mode: e.Mode,
			Ino:  n.fsys.StableIno(e.Node),
		})
	}
	return fs.NewListDirStream(list), 0
}

const writeFlags = syscall.O_WRONLY | syscall.O_RDWR | syscall.O_TRUNC | syscall.O_APPEND

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&writeFlags != 0 {
		return nil, 0, shim.Errno(n.fsys.Mutate("open"))
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Read(ctx context.Context, _ fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	k, err := n.fsys.Read(ctx, n.id, dest, off)
	if err != nil {
		return nil, shim.Errno(err)
	}
	return fuse.ReadResultData(dest[:k]), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.Readlink(ctx, n.id)
	if err != nil {
		return nil, shim.Errno(err)
	}
	return []byte(target), 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.StatFS(ctx)
	if err != nil {
		return shim.Errno(err)
	}
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = st.Blocks
	out.Bfree = st.Free
	out.Bavail = st.Free
	out.NameLen = st.NameLen
	return 0
}

// Every mutation is refused; the error tells read-only sessions apart
// from writable ones whose writes are not implemented.

func (n *node) Setattr(ctx context.Context, _ fs.FileHandle, _ *fuse.SetAttrIn, _ *fuse.AttrOut) syscall.Errno {
	return shim.Errno(n.fsys.Mutate("setattr"))
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, shim.Errno(n.fsys.Mutate("create"))
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, shim.Errno(n.fsys.Mutate("mkdir"))
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return shim.Errno(n.fsys.Mutate("unlink"))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return shim.Errno(n.fsys.Mutate("rmdir"))
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return shim.Errno(n.fsys.Mutate("rename"))
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, shim.Errno(n.fsys.Mutate("symlink"))
}

func (n *node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, shim.Errno(n.fsys.Mutate("link"))
}

func (n *node) Write(ctx context.Context, _ fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	return 0, shim.Errno(n.fsys.Mutate("write"))
}
