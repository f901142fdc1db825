// Package btrfs decodes and encodes the BTRFS on-disk structures: the
// superblock, tree node headers, keys and the item payloads the engine
// needs to list subvolumes, map chunks and read files.
//
// Everything here is pure byte manipulation. Device access lives in
// blockdev and volume.
package btrfs

import "fmt"

// Superblock geometry
const (
	SuperblockSize    = 0x1000
	SuperblockOffset  = 0x10000
	CsumSize          = 32
	LabelSize         = 256
	SysChunkArrayMax  = 0x800
	HeaderSize        = 0x65
	KeySize           = 0x11
	KeyPtrSize        = 0x21
	ItemHeaderSize    = 0x19
	MaxLevel          = 8
	DefaultNodeSize   = 16384
	DefaultSectorSize = 4096
)

// Magic is the signature stored at offset 0x40 of every superblock copy.
var Magic = [8]byte{'_', 'B', 'H', 'R', 'f', 'S', '_', 'M'}

// SuperblockOffsets lists the primary superblock and its mirrors in
// ascending order.
var SuperblockOffsets = []int64{0x10000, 0x4000000, 0x4000000000}

// Tree and special object IDs
const (
	RootTreeObjectID      uint64 = 1
	ExtentTreeObjectID    uint64 = 2
	ChunkTreeObjectID     uint64 = 3
	DevTreeObjectID       uint64 = 4
	FSTreeObjectID        uint64 = 5
	RootTreeDirObjectID   uint64 = 6
	CsumTreeObjectID      uint64 = 7
	QuotaTreeObjectID     uint64 = 8
	UUIDTreeObjectID      uint64 = 9
	FreeSpaceTreeObjectID uint64 = 10
	DevItemsObjectID      uint64 = 1
	FirstChunkTreeObject  uint64 = 256
	FirstFreeObjectID     uint64 = 256
	LastFreeObjectID      uint64 = ^uint64(0) - 255
)

// Item key types
const (
	InodeItemKey      uint8 = 0x01
	InodeRefKey       uint8 = 0x0c
	XattrItemKey      uint8 = 0x18
	DirItemKey        uint8 = 0x54
	DirIndexKey       uint8 = 0x60
	ExtentDataKey     uint8 = 0x6c
	RootItemKey       uint8 = 0x84
	RootBackrefKey    uint8 = 0x90
	RootRefKey        uint8 = 0x9c
	BlockGroupItemKey uint8 = 0xc0
	DevExtentKey      uint8 = 0xcc
	DevItemKey        uint8 = 0xd8
	ChunkItemKey      uint8 = 0xe4
)

// Root item flags. Only the read-only bit is interpreted; the remaining
// bits are carried through unchanged.
const (
	RootSubvolReadonly uint64 = 1 << 0
	RootSubvolDead     uint64 = 1 << 48
)

// IncompatMetadataUUID means tree blocks carry MetadataUUID instead of
// the user-visible FSID.
const IncompatMetadataUUID uint64 = 1 << 10

// Block group flags
const (
	BlockGroupData     uint64 = 1 << 0
	BlockGroupSystem   uint64 = 1 << 1
	BlockGroupMetadata uint64 = 1 << 2
	BlockGroupRaid0    uint64 = 1 << 3
	BlockGroupRaid1    uint64 = 1 << 4
	BlockGroupDup      uint64 = 1 << 5
	BlockGroupRaid10   uint64 = 1 << 6
	BlockGroupRaid5    uint64 = 1 << 7
	BlockGroupRaid6    uint64 = 1 << 8
	BlockGroupRaid1C3  uint64 = 1 << 9
	BlockGroupRaid1C4  uint64 = 1 << 10

	BlockGroupTypeMask    = BlockGroupData | BlockGroupSystem | BlockGroupMetadata
	BlockGroupProfileMask = BlockGroupRaid0 | BlockGroupRaid1 | BlockGroupDup | BlockGroupRaid10 |
		BlockGroupRaid5 | BlockGroupRaid6 | BlockGroupRaid1C3 | BlockGroupRaid1C4
)

// Directory entry file types
const (
	FtUnknown uint8 = iota
	FtRegFile
	FtDir
	FtChrdev
	FtBlkdev
	FtFifo
	FtSock
	FtSymlink
	FtXattr
)

// Extent data types
const (
	FileExtentInline   uint8 = 0
	FileExtentReg      uint8 = 1
	FileExtentPrealloc uint8 = 2
)

// Compression types
const (
	CompressNone uint8 = 0
	CompressZlib uint8 = 1
	CompressLZO  uint8 = 2
	CompressZstd uint8 = 3
)

// IsSubvolumeID reports whether a root tree objectid names a subvolume
// (the top-level FS tree or a user-created subvolume/snapshot).
func IsSubvolumeID(id uint64) bool {
	return id == FSTreeObjectID || (id >= FirstFreeObjectID && id <= LastFreeObjectID)
}

// BlockGroupTypeName returns the allocation type of a chunk.
func BlockGroupTypeName(flags uint64) string {
	switch {
	case flags&BlockGroupData != 0 && flags&BlockGroupMetadata != 0:
		return "Data+Metadata"
	case flags&BlockGroupData != 0:
		return "Data"
	case flags&BlockGroupMetadata != 0:
		return "Metadata"
	case flags&BlockGroupSystem != 0:
		return "System"
	}
	return "unknown"
}

// BlockGroupProfileName returns the replication profile of a chunk.
func BlockGroupProfileName(flags uint64) string {
	switch {
	case flags&BlockGroupRaid1C4 != 0:
		return "RAID1C4"
	case flags&BlockGroupRaid1C3 != 0:
		return "RAID1C3"
	case flags&BlockGroupRaid6 != 0:
		return "RAID6"
	case flags&BlockGroupRaid5 != 0:
		return "RAID5"
	case flags&BlockGroupRaid10 != 0:
		return "RAID10"
	case flags&BlockGroupRaid1 != 0:
		return "RAID1"
	case flags&BlockGroupRaid0 != 0:
		return "RAID0"
	case flags&BlockGroupDup != 0:
		return "DUP"
	default:
		return "single"
	}
}

// CompressionName returns the name of an extent compression type.
func CompressionName(c uint8) string {
	switch c {
	case CompressNone:
		return "none"
	case CompressZlib:
		return "zlib"
	case CompressLZO:
		return "lzo"
	case CompressZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", c)
}
