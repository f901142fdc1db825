// Package btrfstest builds small, valid BTRFS images for tests.
//
// An Image describes a single-device filesystem with one mixed
// system/metadata/data chunk. Build lays out the chunk tree, the root tree
// and one filesystem tree per subvolume with correct checksums, and writes
// them to a blockdev.Handle.
package btrfstest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/elee1766/btrmount/pkg/blockdev"
	"github.com/elee1766/btrmount/pkg/btrfs"
)

// ChunkStart is the logical (and first physical) address of the chunk.
const ChunkStart = 0x100000

// Epoch is the timestamp stamped on every inode and root item.
var Epoch = time.Unix(1700000000, 0).UTC()

// ExtentKind selects how a file's data is stored.
type ExtentKind int

const (
	// ExtentAuto stores small files inline and larger ones in a regular
	// extent.
	ExtentAuto ExtentKind = iota
	ExtentInline
	ExtentRegular
	ExtentPrealloc
)

// File is one entry of a filesystem tree. Parent directories are created
// implicitly. With ExtentPrealloc, Data only sets the length and the
// range reads as zeros.
type File struct {
	Path        string
	Data        []byte
	Dir         bool
	Symlink     string
	Mode        uint32 // permission bits, defaults to 0644 or 0755
	Extent      ExtentKind
	Compression uint8
	Offset      uint64 // leading hole before Data
}

// Subvolume is a subvolume or snapshot of the image.
type Subvolume struct {
	ID         uint64
	ParentID   uint64 // defaults to 5 for ids other than 5
	Name       string
	Dir        string // directory inside the parent holding the entry
	Flags      uint64
	Generation uint64
	UUID       uuid.UUID
	ParentUUID uuid.UUID
	Files      []File

	NoRef      bool // root item without ROOT_REF/ROOT_BACKREF
	NoRootItem bool // references without a root item
}

// Image describes the filesystem to build. Zero fields take the defaults
// documented on each field.
type Image struct {
	FSID             uuid.UUID // random
	Label            string
	Generation       uint64 // 10
	TotalBytes       uint64 // device size
	BytesUsed        uint64 // bytes allocated in the chunk
	NumDevices       uint64 // 1
	DevID            uint64 // 1
	DevUUID          uuid.UUID
	DeviceSize       int64  // 32 MiB
	ChunkLength      uint64 // 8 MiB
	NodeSize         uint32 // 16 KiB
	SectorSize       uint32 // 4 KiB
	CsumType         uint16
	Dup              bool   // two copies of the chunk on the device
	LeafItems        int    // caps items per leaf to force multi-level trees
	Mirrors          bool   // write superblock mirrors that fit
	DefaultSubvolume uint64 // 5

	// TopLevel is the content of the top-level subvolume unless
	// Subvolumes carries an entry for id 5.
	TopLevel   []File
	Subvolumes []Subvolume
}

// Layout reports where Build placed things.
type Layout struct {
	Superblock *btrfs.Superblock
	Chunk      btrfs.ChunkItem
	RootTree   uint64
	ChunkTree  uint64
	FSTrees    map[uint64]uint64            // subvolume id to tree root
	Inodes     map[uint64]map[string]uint64 // subvolume id to path to inode
	Extents    map[string]uint64            // "<subvol>/<path>" to disk bytenr
}

// Physical returns the device offsets of every copy of logical.
func (l *Layout) Physical(logical uint64) []int64 {
	out := make([]int64, 0, len(l.Chunk.Stripes))
	for _, s := range l.Chunk.Stripes {
		out = append(out, int64(s.Offset+logical-ChunkStart))
	}
	return out
}

type builder struct {
	img    Image
	ctx    context.Context
	h      blockdev.Handle
	chunk  btrfs.ChunkItem
	next   uint64
	layout *Layout
}

func (img *Image) defaults() {
	if img.FSID == uuid.Nil {
		img.FSID = uuid.New()
	}
	if img.DevUUID == uuid.Nil {
		img.DevUUID = uuid.New()
	}
	if img.Generation == 0 {
		img.Generation = 10
	}
	if img.NumDevices == 0 {
		img.NumDevices = 1
	}
	if img.DevID == 0 {
		img.DevID = 1
	}
	if img.DeviceSize == 0 {
		img.DeviceSize = 32 << 20
	}
	if img.ChunkLength == 0 {
		img.ChunkLength = 8 << 20
	}
	if img.NodeSize == 0 {
		img.NodeSize = btrfs.DefaultNodeSize
	}
	if img.SectorSize == 0 {
		img.SectorSize = btrfs.DefaultSectorSize
	}
	if img.TotalBytes == 0 {
		img.TotalBytes = uint64(img.DeviceSize)
	}
	if img.DefaultSubvolume == 0 {
		img.DefaultSubvolume = btrfs.FSTreeObjectID
	}
}

// Build writes the image to h.
func (img Image) Build(ctx context.Context, h blockdev.Handle) (*Layout, error) {
	img.defaults()
	b := &builder{
		img:  img,
		ctx:  ctx,
		h:    h,
		next: ChunkStart,
		layout: &Layout{
			FSTrees: make(map[uint64]uint64),
			Inodes:  make(map[uint64]map[string]uint64),
			Extents: make(map[string]uint64),
		},
	}

	profile := uint64(0)
	stripes := []btrfs.Stripe{{DevID: img.DevID, Offset: ChunkStart, DevUUID: img.DevUUID}}
	if img.Dup {
		profile = btrfs.BlockGroupDup
		stripes = append(stripes, btrfs.Stripe{DevID: img.DevID, Offset: ChunkStart + img.ChunkLength, DevUUID: img.DevUUID})
	}
	b.chunk = btrfs.ChunkItem{
		Length:     img.ChunkLength,
		Owner:      btrfs.ExtentTreeObjectID,
		StripeLen:  0x10000,
		Type:       btrfs.BlockGroupSystem | btrfs.BlockGroupMetadata | btrfs.BlockGroupData | profile,
		IOAlign:    img.SectorSize,
		IOWidth:    img.SectorSize,
		SectorSize: img.SectorSize,
		SubStripes: 1,
		Stripes:    stripes,
	}
	b.layout.Chunk = b.chunk
	if end := int64(stripes[len(stripes)-1].Offset + img.ChunkLength); end > img.DeviceSize {
		return nil, fmt.Errorf("chunk ends at %d, beyond device size %d", end, img.DeviceSize)
	}

	subvols, err := b.subvolumes()
	if err != nil {
		return nil, err
	}

	// Filesystem trees first so the root items can point at them.
	trees := make(map[uint64]rootInfo)
	for _, sv := range subvols {
		if sv.NoRootItem {
			continue
		}
		children := childEntries(subvols, sv.ID)
		info, err := b.buildFSTree(sv, children)
		if err != nil {
			return nil, fmt.Errorf("subvolume %d: %w", sv.ID, err)
		}
		trees[sv.ID] = info
		b.layout.FSTrees[sv.ID] = info.bytenr
	}

	rootTree, rootLevel, err := b.buildTree(btrfs.RootTreeObjectID, b.rootTreeItems(subvols, trees))
	if err != nil {
		return nil, fmt.Errorf("root tree: %w", err)
	}
	chunkTree, chunkLevel, err := b.buildTree(btrfs.ChunkTreeObjectID, b.chunkTreeItems())
	if err != nil {
		return nil, fmt.Errorf("chunk tree: %w", err)
	}
	b.layout.RootTree = rootTree
	b.layout.ChunkTree = chunkTree

	used := img.BytesUsed
	if used == 0 {
		used = b.next - ChunkStart
	}
	sb := &btrfs.Superblock{
		FSID:                img.FSID,
		Generation:          img.Generation,
		Root:                rootTree,
		ChunkRoot:           chunkTree,
		TotalBytes:          img.TotalBytes,
		BytesUsed:           used,
		RootDirObjectID:     btrfs.RootTreeDirObjectID,
		NumDevices:          img.NumDevices,
		SectorSize:          img.SectorSize,
		NodeSize:            img.NodeSize,
		LeafSize:            img.NodeSize,
		StripeSize:          img.SectorSize,
		ChunkRootGeneration: img.Generation,
		CsumType:            img.CsumType,
		RootLevel:           rootLevel,
		ChunkRootLevel:      chunkLevel,
		Label:               img.Label,
		DevItem:             b.devItem(),
		SysChunkArray: btrfs.MarshalSysChunkArray([]btrfs.SysChunk{{
			Key:   btrfs.Key{ObjectID: btrfs.FirstChunkTreeObject, Type: btrfs.ChunkItemKey, Offset: ChunkStart},
			Chunk: b.chunk,
		}}),
	}
	offsets := btrfs.SuperblockOffsets[:1]
	if img.Mirrors {
		offsets = btrfs.SuperblockOffsets
	}
	for _, off := range offsets {
		if off+btrfs.SuperblockSize > img.DeviceSize {
			break
		}
		sb.Bytenr = uint64(off)
		raw, err := sb.Marshal()
		if err != nil {
			return nil, err
		}
		if _, err := h.WriteAt(ctx, raw, off); err != nil {
			return nil, err
		}
	}
	sb.Bytenr = btrfs.SuperblockOffset
	b.layout.Superblock = sb
	return b.layout, nil
}

// subvolumes returns the subvolume list with the top level included and
// defaults applied, sorted by id.
func (b *builder) subvolumes() ([]Subvolume, error) {
	out := slices.Clone(b.img.Subvolumes)
	hasTop := false
	for i := range out {
		sv := &out[i]
		if sv.ID == 0 {
			return nil, fmt.Errorf("subvolume %q has no id", sv.Name)
		}
		if sv.ID == btrfs.FSTreeObjectID {
			hasTop = true
		} else if sv.ParentID == 0 && sv.Name != "" && !sv.NoRef {
			sv.ParentID = btrfs.FSTreeObjectID
		}
		if sv.Generation == 0 {
			sv.Generation = b.img.Generation
		}
		if sv.UUID == uuid.Nil {
			sv.UUID = uuid.New()
		}
	}
	if !hasTop {
		out = append(out, Subvolume{
			ID:         btrfs.FSTreeObjectID,
			Generation: b.img.Generation,
			UUID:       uuid.New(),
			Files:      b.img.TopLevel,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func childEntries(all []Subvolume, parent uint64) []Subvolume {
	var out []Subvolume
	for _, sv := range all {
		if sv.ParentID == parent && sv.ID != parent && sv.Name != "" && !sv.NoRef {
			out = append(out, sv)
		}
	}
	return out
}

type rootInfo struct {
	bytenr uint64
	level  uint8
	// dirs maps directory paths to inode numbers, and refs holds the
	// directory index given to each child subvolume entry.
	dirs map[string]uint64
	refs map[uint64]uint64
}

func (b *builder) rootTreeItems(subvols []Subvolume, trees map[uint64]rootInfo) []btrfs.Item {
	var items []btrfs.Item
	add := func(k btrfs.Key, data []byte) {
		items = append(items, btrfs.Item{Key: k, Data: data})
	}

	dirInode := btrfs.InodeItem{
		Generation: 1,
		TransID:    b.img.Generation,
		Size:       3,
		NBytes:     uint64(b.img.NodeSize),
		NLink:      1,
		Mode:       0o40755,
		ATime:      Epoch,
		CTime:      Epoch,
		MTime:      Epoch,
		OTime:      Epoch,
	}

	byID := make(map[uint64]Subvolume)
	for _, sv := range subvols {
		byID[sv.ID] = sv
	}

	for _, sv := range subvols {
		if !sv.NoRootItem {
			t := trees[sv.ID]
			ri := btrfs.RootItem{
				Inode:        dirInode,
				Generation:   sv.Generation,
				RootDirID:    btrfs.FirstFreeObjectID,
				Bytenr:       t.bytenr,
				Flags:        sv.Flags,
				Refs:         1,
				Level:        t.level,
				GenerationV2: sv.Generation,
				UUID:         sv.UUID,
				ParentUUID:   sv.ParentUUID,
				CTransID:     sv.Generation,
				OTransID:     sv.Generation,
				CTime:        Epoch,
				OTime:        Epoch,
			}
			add(btrfs.Key{ObjectID: sv.ID, Type: btrfs.RootItemKey}, ri.Marshal())
		}
		if sv.NoRef || (sv.ID == btrfs.FSTreeObjectID && sv.Name == "") {
			continue
		}
		dirID := uint64(btrfs.FirstFreeObjectID)
		seq := uint64(0)
		if parent, ok := trees[sv.ParentID]; ok {
			if ino, ok := parent.dirs[sv.Dir]; ok {
				dirID = ino
			}
			seq = parent.refs[sv.ID]
		}
		ref := btrfs.RootRef{DirID: dirID, Sequence: seq, Name: sv.Name}.Marshal()
		add(btrfs.Key{ObjectID: sv.ParentID, Type: btrfs.RootRefKey, Offset: sv.ID}, ref)
		add(btrfs.Key{ObjectID: sv.ID, Type: btrfs.RootBackrefKey, Offset: sv.ParentID}, ref)
	}

	// The root tree directory holds the "default" entry.
	add(btrfs.Key{ObjectID: btrfs.RootTreeDirObjectID, Type: btrfs.InodeItemKey}, dirInode.Marshal())
	add(btrfs.Key{ObjectID: btrfs.RootTreeDirObjectID, Type: btrfs.InodeRefKey, Offset: btrfs.RootTreeDirObjectID},
		btrfs.InodeRef{Name: ".."}.Marshal())
	def := btrfs.DirItem{
		Location: btrfs.Key{ObjectID: b.img.DefaultSubvolume, Type: btrfs.RootItemKey, Offset: ^uint64(0)},
		TransID:  b.img.Generation,
		Type:     btrfs.FtDir,
		Name:     "default",
	}
	add(btrfs.Key{ObjectID: btrfs.RootTreeDirObjectID, Type: btrfs.DirItemKey, Offset: btrfs.NameHash([]byte("default"))}, def.Marshal())
	return items
}

func (b *builder) devItem() btrfs.DevItem {
	return btrfs.DevItem{
		DevID:      b.img.DevID,
		TotalBytes: uint64(b.img.DeviceSize),
		BytesUsed:  b.img.ChunkLength * uint64(len(b.chunk.Stripes)),
		IOAlign:    b.img.SectorSize,
		IOWidth:    b.img.SectorSize,
		SectorSize: b.img.SectorSize,
		Generation: 0,
		UUID:       b.img.DevUUID,
		FSID:       b.img.FSID,
	}
}

func (b *builder) chunkTreeItems() []btrfs.Item {
	dev := make([]byte, btrfs.DevItemSize)
	b.devItem().Put(dev)
	return []btrfs.Item{
		{Key: btrfs.Key{ObjectID: btrfs.DevItemsObjectID, Type: btrfs.DevItemKey, Offset: b.img.DevID}, Data: dev},
		{Key: btrfs.Key{ObjectID: btrfs.FirstChunkTreeObject, Type: btrfs.ChunkItemKey, Offset: ChunkStart}, Data: b.chunk.Marshal()},
	}
}

// alloc reserves size bytes of logical space aligned to align.
func (b *builder) alloc(size, align uint64) (uint64, error) {
	at := (b.next + align - 1) / align * align
	if at+size > ChunkStart+b.img.ChunkLength {
		return 0, fmt.Errorf("chunk full: need %d bytes at %#x", size, at)
	}
	b.next = at + size
	return at, nil
}

// write stores data at a logical address on every stripe copy.
func (b *builder) write(logical uint64, data []byte) error {
	for _, s := range b.chunk.Stripes {
		if _, err := b.h.WriteAt(b.ctx, data, int64(s.Offset+logical-ChunkStart)); err != nil {
			return err
		}
	}
	return nil
}

// buildTree packs items into leaves and stacks internal nodes above them
// until a single root remains.
func (b *builder) buildTree(owner uint64, items []btrfs.Item) (uint64, uint8, error) {
	sort.Slice(items, func(i, j int) bool { return items[i].Key.Less(items[j].Key) })
	for i := 1; i < len(items); i++ {
		if items[i].Key == items[i-1].Key {
			return 0, 0, fmt.Errorf("duplicate key %s", items[i].Key)
		}
	}

	var leaves [][]btrfs.Item
	var cur []btrfs.Item
	room := int(b.img.NodeSize) - btrfs.HeaderSize
	for _, it := range items {
		need := btrfs.ItemHeaderSize + len(it.Data)
		if need > int(b.img.NodeSize)-btrfs.HeaderSize {
			return 0, 0, fmt.Errorf("item %s too large for a leaf", it.Key)
		}
		if len(cur) > 0 && (need > room || (b.img.LeafItems > 0 && len(cur) >= b.img.LeafItems)) {
			leaves = append(leaves, cur)
			cur = nil
			room = int(b.img.NodeSize) - btrfs.HeaderSize
		}
		cur = append(cur, it)
		room -= need
	}
	leaves = append(leaves, cur)

	var ptrs []btrfs.KeyPtr
	for _, leafItems := range leaves {
		n := &btrfs.Node{Items: leafItems}
		at, err := b.writeNode(owner, 0, n)
		if err != nil {
			return 0, 0, err
		}
		first := btrfs.Key{}
		if len(leafItems) > 0 {
			first = leafItems[0].Key
		}
		ptrs = append(ptrs, btrfs.KeyPtr{Key: first, BlockPtr: at, Generation: b.img.Generation})
	}

	fanout := (int(b.img.NodeSize) - btrfs.HeaderSize) / btrfs.KeyPtrSize
	if b.img.LeafItems > 1 && b.img.LeafItems < fanout {
		fanout = b.img.LeafItems
	}
	level := uint8(0)
	for len(ptrs) > 1 {
		level++
		var up []btrfs.KeyPtr
		for start := 0; start < len(ptrs); start += fanout {
			group := ptrs[start:min(start+fanout, len(ptrs))]
			at, err := b.writeNode(owner, level, &btrfs.Node{Ptrs: group})
			if err != nil {
				return 0, 0, err
			}
			up = append(up, btrfs.KeyPtr{Key: group[0].Key, BlockPtr: at, Generation: b.img.Generation})
		}
		ptrs = up
	}
	return ptrs[0].BlockPtr, level, nil
}

func (b *builder) writeNode(owner uint64, level uint8, n *btrfs.Node) (uint64, error) {
	at, err := b.alloc(uint64(b.img.NodeSize), uint64(b.img.NodeSize))
	if err != nil {
		return 0, err
	}
	n.Header = btrfs.Header{
		FSID:       b.img.FSID,
		Bytenr:     at,
		Flags:      1,
		BackrefRev: 1,
		Generation: b.img.Generation,
		Owner:      owner,
		Level:      level,
	}
	raw, err := n.Marshal(b.img.NodeSize, b.img.CsumType)
	if err != nil {
		return 0, err
	}
	return at, b.write(at, raw)
}

// dirState accumulates the entries of one directory.
type dirState struct {
	ino       uint64
	nextIndex uint64
	size      uint64
}

func (b *builder) buildFSTree(sv Subvolume, children []Subvolume) (rootInfo, error) {
	var items []btrfs.Item
	dirItems := make(map[btrfs.Key][]byte)
	add := func(k btrfs.Key, data []byte) {
		items = append(items, btrfs.Item{Key: k, Data: data})
	}
	inodes := map[string]uint64{"": btrfs.FirstFreeObjectID}
	dirs := map[string]*dirState{"": {ino: btrfs.FirstFreeObjectID, nextIndex: 2}}
	dirInodes := map[uint64]*btrfs.InodeItem{}
	nextIno := uint64(btrfs.FirstFreeObjectID + 1)
	info := rootInfo{dirs: map[string]uint64{"": btrfs.FirstFreeObjectID}, refs: map[uint64]uint64{}}

	baseInode := func(mode uint32, size uint64) btrfs.InodeItem {
		return btrfs.InodeItem{
			Generation: sv.Generation,
			TransID:    sv.Generation,
			Size:       size,
			NLink:      1,
			Mode:       mode,
			ATime:      Epoch,
			CTime:      Epoch,
			MTime:      Epoch,
			OTime:      Epoch,
		}
	}
	root := baseInode(0o40755, 0)
	dirInodes[btrfs.FirstFreeObjectID] = &root
	add(btrfs.Key{ObjectID: btrfs.FirstFreeObjectID, Type: btrfs.InodeRefKey, Offset: btrfs.FirstFreeObjectID},
		btrfs.InodeRef{Name: ".."}.Marshal())

	// link adds the directory entries for name inside parentPath.
	link := func(parentPath, name string, loc btrfs.Key, ft uint8) uint64 {
		parent := dirs[parentPath]
		idx := parent.nextIndex
		parent.nextIndex++
		parent.size += 2 * uint64(len(name))
		entry := btrfs.DirItem{Location: loc, TransID: sv.Generation, Type: ft, Name: name}.Marshal()
		hashKey := btrfs.Key{ObjectID: parent.ino, Type: btrfs.DirItemKey, Offset: btrfs.NameHash([]byte(name))}
		dirItems[hashKey] = append(dirItems[hashKey], entry...)
		add(btrfs.Key{ObjectID: parent.ino, Type: btrfs.DirIndexKey, Offset: idx}, entry)
		if loc.Type == btrfs.InodeItemKey {
			add(btrfs.Key{ObjectID: loc.ObjectID, Type: btrfs.InodeRefKey, Offset: parent.ino},
				btrfs.InodeRef{Index: idx, Name: name}.Marshal())
		}
		return idx
	}

	var mkdirAll func(p string) (string, error)
	mkdirAll = func(p string) (string, error) {
		p = strings.Trim(p, "/")
		if _, ok := dirs[p]; ok {
			return p, nil
		}
		if _, ok := inodes[p]; ok {
			return "", fmt.Errorf("%s is not a directory", p)
		}
		parent, err := mkdirAll(path.Dir("/" + p)[1:])
		if err != nil {
			return "", err
		}
		ino := nextIno
		nextIno++
		inodes[p] = ino
		dirs[p] = &dirState{ino: ino, nextIndex: 2}
		info.dirs[p] = ino
		in := baseInode(0o40755, 0)
		dirInodes[ino] = &in
		link(parent, path.Base(p), btrfs.Key{ObjectID: ino, Type: btrfs.InodeItemKey}, btrfs.FtDir)
		return p, nil
	}

	for _, f := range sv.Files {
		p := strings.Trim(f.Path, "/")
		if p == "" {
			return info, fmt.Errorf("file with empty path")
		}
		if f.Dir {
			dirPath, err := mkdirAll(p)
			if err != nil {
				return info, err
			}
			if f.Mode != 0 {
				dirInodes[dirs[dirPath].ino].Mode = 0o40000 | f.Mode
			}
			continue
		}
		parent, err := mkdirAll(path.Dir("/" + p)[1:])
		if err != nil {
			return info, err
		}
		if _, ok := inodes[p]; ok {
			return info, fmt.Errorf("duplicate path %s", p)
		}
		ino := nextIno
		nextIno++
		inodes[p] = ino

		if f.Symlink != "" {
			in := baseInode(0o120777, uint64(len(f.Symlink)))
			add(btrfs.Key{ObjectID: ino, Type: btrfs.InodeItemKey}, in.Marshal())
			ext := btrfs.FileExtent{Generation: sv.Generation, RAMBytes: uint64(len(f.Symlink)), Type: btrfs.FileExtentInline, Data: []byte(f.Symlink)}
			add(btrfs.Key{ObjectID: ino, Type: btrfs.ExtentDataKey}, ext.Marshal())
			link(parent, path.Base(p), btrfs.Key{ObjectID: ino, Type: btrfs.InodeItemKey}, btrfs.FtSymlink)
			continue
		}

		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		size := f.Offset + uint64(len(f.Data))
		in := baseInode(0o100000|mode, size)
		extItems, nbytes, err := b.fileExtents(sv, p, f)
		if err != nil {
			return info, fmt.Errorf("%s: %w", p, err)
		}
		in.NBytes = nbytes
		add(btrfs.Key{ObjectID: ino, Type: btrfs.InodeItemKey}, in.Marshal())
		for _, e := range extItems {
			e.Key.ObjectID = ino
			items = append(items, e)
		}
		link(parent, path.Base(p), btrfs.Key{ObjectID: ino, Type: btrfs.InodeItemKey}, btrfs.FtRegFile)
	}

	for _, child := range children {
		dir := strings.Trim(child.Dir, "/")
		if _, ok := dirs[dir]; !ok {
			return info, fmt.Errorf("subvolume %d: no directory %q", child.ID, dir)
		}
		idx := link(dir, child.Name, btrfs.Key{ObjectID: child.ID, Type: btrfs.RootItemKey, Offset: ^uint64(0)}, btrfs.FtDir)
		info.refs[child.ID] = idx
	}

	for _, d := range dirs {
		in := dirInodes[d.ino]
		in.Size = d.size
		add(btrfs.Key{ObjectID: d.ino, Type: btrfs.InodeItemKey}, in.Marshal())
	}
	for k, v := range dirItems {
		add(k, v)
	}

	b.layout.Inodes[sv.ID] = inodes
	bytenr, level, err := b.buildTree(sv.ID, items)
	info.bytenr, info.level = bytenr, level
	return info, err
}

// fileExtents returns the EXTENT_DATA items for f with a zero objectid,
// writing any out-of-line data, and the inode's nbytes.
func (b *builder) fileExtents(sv Subvolume, p string, f File) ([]btrfs.Item, uint64, error) {
	kind := f.Extent
	if kind == ExtentAuto {
		kind = ExtentRegular
		if f.Offset == 0 && len(f.Data) <= 2048 {
			kind = ExtentInline
		}
	}
	if len(f.Data) == 0 && kind != ExtentPrealloc {
		return nil, 0, nil
	}

	payload, err := Compress(f.Compression, f.Data, b.img.SectorSize)
	if err != nil {
		return nil, 0, err
	}
	key := btrfs.Key{Type: btrfs.ExtentDataKey, Offset: f.Offset}

	if kind == ExtentInline {
		if f.Offset != 0 {
			return nil, 0, fmt.Errorf("inline extent must start at offset 0")
		}
		ext := btrfs.FileExtent{
			Generation:  sv.Generation,
			RAMBytes:    uint64(len(f.Data)),
			Compression: f.Compression,
			Type:        btrfs.FileExtentInline,
			Data:        payload,
		}
		return []btrfs.Item{{Key: key, Data: ext.Marshal()}}, uint64(len(f.Data)), nil
	}

	sector := uint64(b.img.SectorSize)
	ram := (uint64(len(f.Data)) + sector - 1) / sector * sector
	disk := (uint64(len(payload)) + sector - 1) / sector * sector
	if f.Compression == btrfs.CompressNone {
		disk = ram
	}
	at, err := b.alloc(disk, sector)
	if err != nil {
		return nil, 0, err
	}
	typ := btrfs.FileExtentReg
	if kind == ExtentPrealloc {
		typ = btrfs.FileExtentPrealloc
	} else if err := b.write(at, payload); err != nil {
		return nil, 0, err
	}
	b.layout.Extents[fmt.Sprintf("%d/%s", sv.ID, p)] = at

	ext := btrfs.FileExtent{
		Generation:   sv.Generation,
		RAMBytes:     ram,
		Compression:  f.Compression,
		Type:         typ,
		DiskBytenr:   at,
		DiskNumBytes: disk,
		NumBytes:     ram,
	}
	return []btrfs.Item{{Key: key, Data: ext.Marshal()}}, ram, nil
}

// Compress encodes data the way the kernel stores compressed extents.
// LZO output uses literal-only segments, so LZO input is limited to 238
// bytes.
func Compress(alg uint8, data []byte, sectorSize uint32) ([]byte, error) {
	switch alg {
	case btrfs.CompressNone:
		return data, nil
	case btrfs.CompressZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case btrfs.CompressZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case btrfs.CompressLZO:
		seg, err := LZOLiteral(data)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 8, 8+len(seg))
		binary.LittleEndian.PutUint32(out[0:], uint32(8+len(seg)))
		binary.LittleEndian.PutUint32(out[4:], uint32(len(seg)))
		return append(out, seg...), nil
	}
	return nil, fmt.Errorf("unknown compression %d", alg)
}

// LZOLiteral returns an LZO1X stream that stores data as one literal run.
func LZOLiteral(data []byte) ([]byte, error) {
	if len(data) < 4 || len(data) > 238 {
		return nil, fmt.Errorf("literal run of %d bytes outside [4,238]", len(data))
	}
	out := make([]byte, 0, len(data)+4)
	out = append(out, byte(len(data)+17))
	out = append(out, data...)
	return append(out, 0x11, 0x00, 0x00), nil
}

// NewMem builds img onto a fresh in-memory device.
func NewMem(tb testing.TB, img Image) (*blockdev.Mem, *Layout) {
	tb.Helper()
	img.defaults()
	m := blockdev.NewMem("mem:"+img.FSID.String(), img.DeviceSize)
	l, err := img.Build(context.Background(), m)
	if err != nil {
		tb.Fatalf("build image: %v", err)
	}
	return m, l
}

// WriteFile builds img into a sparse file at path.
func WriteFile(tb testing.TB, path string, img Image) *Layout {
	tb.Helper()
	img.defaults()
	f, err := os.Create(path)
	if err != nil {
		tb.Fatal(err)
	}
	if err := f.Truncate(img.DeviceSize); err != nil {
		tb.Fatal(err)
	}
	f.Close()

	h, err := blockdev.Open(path, blockdev.Writable())
	if err != nil {
		tb.Fatal(err)
	}
	defer h.Close()
	l, err := img.Build(context.Background(), h)
	if err != nil {
		tb.Fatalf("build image: %v", err)
	}
	return l
}

// Corrupt flips one byte of every copy of the tree block at logical.
func Corrupt(tb testing.TB, h blockdev.Handle, l *Layout, logical uint64, copies ...int) {
	tb.Helper()
	ctx := context.Background()
	phys := l.Physical(logical)
	if len(copies) == 0 {
		copies = make([]int, len(phys))
		for i := range copies {
			copies[i] = i
		}
	}
	for _, c := range copies {
		buf := make([]byte, 1)
		off := phys[c] + btrfs.HeaderSize + 1
		if _, err := h.ReadAt(ctx, buf, off); err != nil {
			tb.Fatal(err)
		}
		buf[0] ^= 0xff
		if _, err := h.WriteAt(ctx, buf, off); err != nil {
			tb.Fatal(err)
		}
	}
}
