package btrfs

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// Encoded item sizes
const (
	InodeItemSize      = 160
	RootItemSize       = 439
	rootItemV1Size     = 239
	RootRefHeaderSize  = 18
	InodeRefHeaderSize = 10
	DirItemHeaderSize  = 30
	FileExtentInlineAt = 21
	FileExtentRegSize  = 53
	timespecSize       = 12
)

func parseTimespec(b []byte) time.Time {
	sec := int64(binary.LittleEndian.Uint64(b[0:8]))
	nsec := int64(binary.LittleEndian.Uint32(b[8:12]))
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, nsec).UTC()
}

func putTimespec(b []byte, t time.Time) {
	if t.IsZero() {
		clear(b[:timespecSize])
		return
	}
	binary.LittleEndian.PutUint64(b[0:8], uint64(t.Unix()))
	binary.LittleEndian.PutUint32(b[8:12], uint32(t.Nanosecond()))
}

// InodeItem holds the attributes of a file, directory or symlink.
type InodeItem struct {
	Generation uint64
	TransID    uint64
	Size       uint64
	NBytes     uint64
	BlockGroup uint64
	NLink      uint32
	UID        uint32
	GID        uint32
	Mode       uint32
	Rdev       uint64
	Flags      uint64
	Sequence   uint64
	ATime      time.Time
	CTime      time.Time
	MTime      time.Time
	OTime      time.Time
}

// ParseInodeItem decodes an INODE_ITEM payload.
func ParseInodeItem(b []byte) (InodeItem, error) {
	if len(b) < InodeItemSize {
		return InodeItem{}, Errorf(ErrCodeCorruptFilesystem, "inode item too short: %d bytes", len(b))
	}
	return InodeItem{
		Generation: binary.LittleEndian.Uint64(b[0:]),
		TransID:    binary.LittleEndian.Uint64(b[8:]),
		Size:       binary.LittleEndian.Uint64(b[16:]),
		NBytes:     binary.LittleEndian.Uint64(b[24:]),
		BlockGroup: binary.LittleEndian.Uint64(b[32:]),
		NLink:      binary.LittleEndian.Uint32(b[40:]),
		UID:        binary.LittleEndian.Uint32(b[44:]),
		GID:        binary.LittleEndian.Uint32(b[48:]),
		Mode:       binary.LittleEndian.Uint32(b[52:]),
		Rdev:       binary.LittleEndian.Uint64(b[56:]),
		Flags:      binary.LittleEndian.Uint64(b[64:]),
		Sequence:   binary.LittleEndian.Uint64(b[72:]),
		ATime:      parseTimespec(b[112:]),
		CTime:      parseTimespec(b[124:]),
		MTime:      parseTimespec(b[136:]),
		OTime:      parseTimespec(b[148:]),
	}, nil
}

// Put encodes the inode into the first InodeItemSize bytes of b.
func (in InodeItem) Put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], in.Generation)
	binary.LittleEndian.PutUint64(b[8:], in.TransID)
	binary.LittleEndian.PutUint64(b[16:], in.Size)
	binary.LittleEndian.PutUint64(b[24:], in.NBytes)
	binary.LittleEndian.PutUint64(b[32:], in.BlockGroup)
	binary.LittleEndian.PutUint32(b[40:], in.NLink)
	binary.LittleEndian.PutUint32(b[44:], in.UID)
	binary.LittleEndian.PutUint32(b[48:], in.GID)
	binary.LittleEndian.PutUint32(b[52:], in.Mode)
	binary.LittleEndian.PutUint64(b[56:], in.Rdev)
	binary.LittleEndian.PutUint64(b[64:], in.Flags)
	binary.LittleEndian.PutUint64(b[72:], in.Sequence)
	clear(b[80:112])
	putTimespec(b[112:], in.ATime)
	putTimespec(b[124:], in.CTime)
	putTimespec(b[136:], in.MTime)
	putTimespec(b[148:], in.OTime)
}

// Marshal encodes the inode as an INODE_ITEM payload.
func (in InodeItem) Marshal() []byte {
	b := make([]byte, InodeItemSize)
	in.Put(b)
	return b
}

// RootItem describes the root of one tree; for subvolumes it also carries
// identity and provenance.
type RootItem struct {
	Inode        InodeItem
	Generation   uint64
	RootDirID    uint64
	Bytenr       uint64
	ByteLimit    uint64
	BytesUsed    uint64
	LastSnapshot uint64
	Flags        uint64
	Refs         uint32
	DropProgress Key
	DropLevel    uint8
	Level        uint8
	GenerationV2 uint64
	UUID         uuid.UUID
	ParentUUID   uuid.UUID
	ReceivedUUID uuid.UUID
	CTransID     uint64
	OTransID     uint64
	STransID     uint64
	RTransID     uint64
	CTime        time.Time
	OTime        time.Time
	STime        time.Time
	RTime        time.Time
}

// ParseRootItem decodes a ROOT_ITEM payload. Items written by old kernels
// stop after the level byte; the extended fields are then left zero.
func ParseRootItem(b []byte) (RootItem, error) {
	if len(b) < rootItemV1Size {
		return RootItem{}, Errorf(ErrCodeCorruptFilesystem, "root item too short: %d bytes", len(b))
	}
	inode, err := ParseInodeItem(b)
	if err != nil {
		return RootItem{}, err
	}
	ri := RootItem{
		Inode:        inode,
		Generation:   binary.LittleEndian.Uint64(b[160:]),
		RootDirID:    binary.LittleEndian.Uint64(b[168:]),
		Bytenr:       binary.LittleEndian.Uint64(b[176:]),
		ByteLimit:    binary.LittleEndian.Uint64(b[184:]),
		BytesUsed:    binary.LittleEndian.Uint64(b[192:]),
		LastSnapshot: binary.LittleEndian.Uint64(b[200:]),
		Flags:        binary.LittleEndian.Uint64(b[208:]),
		Refs:         binary.LittleEndian.Uint32(b[216:]),
		DropProgress: ParseKey(b[220:]),
		DropLevel:    b[237],
		Level:        b[238],
	}
	if len(b) < RootItemSize {
		return ri, nil
	}
	ri.GenerationV2 = binary.LittleEndian.Uint64(b[239:])
	copy(ri.UUID[:], b[247:263])
	copy(ri.ParentUUID[:], b[263:279])
	copy(ri.ReceivedUUID[:], b[279:295])
	ri.CTransID = binary.LittleEndian.Uint64(b[295:])
	ri.OTransID = binary.LittleEndian.Uint64(b[303:])
	ri.STransID = binary.LittleEndian.Uint64(b[311:])
	ri.RTransID = binary.LittleEndian.Uint64(b[319:])
	ri.CTime = parseTimespec(b[327:])
	ri.OTime = parseTimespec(b[339:])
	ri.STime = parseTimespec(b[351:])
	ri.RTime = parseTimespec(b[363:])
	return ri, nil
}

// Marshal encodes a full-size ROOT_ITEM payload.
func (ri RootItem) Marshal() []byte {
	b := make([]byte, RootItemSize)
	ri.Inode.Put(b)
	binary.LittleEndian.PutUint64(b[160:], ri.Generation)
	binary.LittleEndian.PutUint64(b[168:], ri.RootDirID)
	binary.LittleEndian.PutUint64(b[176:], ri.Bytenr)
	binary.LittleEndian.PutUint64(b[184:], ri.ByteLimit)
	binary.LittleEndian.PutUint64(b[192:], ri.BytesUsed)
	binary.LittleEndian.PutUint64(b[200:], ri.LastSnapshot)
	binary.LittleEndian.PutUint64(b[208:], ri.Flags)
	binary.LittleEndian.PutUint32(b[216:], ri.Refs)
	ri.DropProgress.Put(b[220:])
	b[237] = ri.DropLevel
	b[238] = ri.Level
	binary.LittleEndian.PutUint64(b[239:], ri.GenerationV2)
	copy(b[247:263], ri.UUID[:])
	copy(b[263:279], ri.ParentUUID[:])
	copy(b[279:295], ri.ReceivedUUID[:])
	binary.LittleEndian.PutUint64(b[295:], ri.CTransID)
	binary.LittleEndian.PutUint64(b[303:], ri.OTransID)
	binary.LittleEndian.PutUint64(b[311:], ri.STransID)
	binary.LittleEndian.PutUint64(b[319:], ri.RTransID)
	putTimespec(b[327:], ri.CTime)
	putTimespec(b[339:], ri.OTime)
	putTimespec(b[351:], ri.STime)
	putTimespec(b[363:], ri.RTime)
	return b
}

// IsReadonly reports whether the read-only flag bit is set.
func (ri RootItem) IsReadonly() bool {
	return ri.Flags&RootSubvolReadonly != 0
}

// RootRef is the payload of ROOT_REF (parent, 0x9c, child) and
// ROOT_BACKREF (child, 0x90, parent) items.
type RootRef struct {
	DirID    uint64
	Sequence uint64
	Name     string
}

// ParseRootRef decodes a ROOT_REF or ROOT_BACKREF payload.
func ParseRootRef(b []byte) (RootRef, error) {
	if len(b) < RootRefHeaderSize {
		return RootRef{}, Errorf(ErrCodeCorruptFilesystem, "root ref too short: %d bytes", len(b))
	}
	nameLen := int(binary.LittleEndian.Uint16(b[16:]))
	if len(b) < RootRefHeaderSize+nameLen {
		return RootRef{}, Errorf(ErrCodeCorruptFilesystem, "root ref name overflows item: %d > %d", nameLen, len(b)-RootRefHeaderSize)
	}
	return RootRef{
		DirID:    binary.LittleEndian.Uint64(b[0:]),
		Sequence: binary.LittleEndian.Uint64(b[8:]),
		Name:     string(b[RootRefHeaderSize : RootRefHeaderSize+nameLen]),
	}, nil
}

// Marshal encodes the reference payload.
func (r RootRef) Marshal() []byte {
	b := make([]byte, RootRefHeaderSize+len(r.Name))
	binary.LittleEndian.PutUint64(b[0:], r.DirID)
	binary.LittleEndian.PutUint64(b[8:], r.Sequence)
	binary.LittleEndian.PutUint16(b[16:], uint16(len(r.Name)))
	copy(b[RootRefHeaderSize:], r.Name)
	return b
}

// InodeRef links an inode to a name in its parent directory. The item key
// is (inode, INODE_REF, parent).
type InodeRef struct {
	Index uint64
	Name  string
}

// ParseInodeRefs decodes every name packed into one INODE_REF payload.
// Hard links in the same directory share an item.
func ParseInodeRefs(b []byte) ([]InodeRef, error) {
	var out []InodeRef
	for len(b) > 0 {
		if len(b) < InodeRefHeaderSize {
			return nil, Errorf(ErrCodeCorruptFilesystem, "inode ref truncated: %d bytes", len(b))
		}
		nameLen := int(binary.LittleEndian.Uint16(b[8:]))
		end := InodeRefHeaderSize + nameLen
		if len(b) < end {
			return nil, Errorf(ErrCodeCorruptFilesystem, "inode ref name overflows item: %d > %d", end, len(b))
		}
		out = append(out, InodeRef{
			Index: binary.LittleEndian.Uint64(b[0:]),
			Name:  string(b[InodeRefHeaderSize:end]),
		})
		b = b[end:]
	}
	return out, nil
}

// Marshal encodes a single reference.
func (r InodeRef) Marshal() []byte {
	b := make([]byte, InodeRefHeaderSize+len(r.Name))
	binary.LittleEndian.PutUint64(b[0:], r.Index)
	binary.LittleEndian.PutUint16(b[8:], uint16(len(r.Name)))
	copy(b[InodeRefHeaderSize:], r.Name)
	return b
}

// DirItem is one entry of a DIR_ITEM, DIR_INDEX or XATTR_ITEM payload.
type DirItem struct {
	Location Key
	TransID  uint64
	Type     uint8
	Name     string
	Data     []byte
}

// ParseDirItems decodes every entry packed into one item payload. Hash
// collisions put several entries into the same DIR_ITEM.
func ParseDirItems(b []byte) ([]DirItem, error) {
	var out []DirItem
	for len(b) > 0 {
		if len(b) < DirItemHeaderSize {
			return nil, Errorf(ErrCodeCorruptFilesystem, "dir item header truncated: %d bytes", len(b))
		}
		dataLen := int(binary.LittleEndian.Uint16(b[25:]))
		nameLen := int(binary.LittleEndian.Uint16(b[27:]))
		end := DirItemHeaderSize + nameLen + dataLen
		if len(b) < end {
			return nil, Errorf(ErrCodeCorruptFilesystem, "dir item overflows payload: %d > %d", end, len(b))
		}
		out = append(out, DirItem{
			Location: ParseKey(b),
			TransID:  binary.LittleEndian.Uint64(b[17:]),
			Type:     b[29],
			Name:     string(b[DirItemHeaderSize : DirItemHeaderSize+nameLen]),
			Data:     b[DirItemHeaderSize+nameLen : end],
		})
		b = b[end:]
	}
	return out, nil
}

// Marshal encodes a single directory entry.
func (d DirItem) Marshal() []byte {
	b := make([]byte, DirItemHeaderSize+len(d.Name)+len(d.Data))
	d.Location.Put(b)
	binary.LittleEndian.PutUint64(b[17:], d.TransID)
	binary.LittleEndian.PutUint16(b[25:], uint16(len(d.Data)))
	binary.LittleEndian.PutUint16(b[27:], uint16(len(d.Name)))
	b[29] = d.Type
	copy(b[DirItemHeaderSize:], d.Name)
	copy(b[DirItemHeaderSize+len(d.Name):], d.Data)
	return b
}

// FileExtent is an EXTENT_DATA payload. Inline extents carry Data; regular
// and preallocated extents reference a logical disk range.
type FileExtent struct {
	Generation    uint64
	RAMBytes      uint64
	Compression   uint8
	Encryption    uint8
	OtherEncoding uint16
	Type          uint8

	Data []byte

	DiskBytenr   uint64
	DiskNumBytes uint64
	Offset       uint64
	NumBytes     uint64
}

// ParseFileExtent decodes an EXTENT_DATA payload.
func ParseFileExtent(b []byte) (FileExtent, error) {
	if len(b) < FileExtentInlineAt {
		return FileExtent{}, Errorf(ErrCodeCorruptFilesystem, "extent data too short: %d bytes", len(b))
	}
	fe := FileExtent{
		Generation:    binary.LittleEndian.Uint64(b[0:]),
		RAMBytes:      binary.LittleEndian.Uint64(b[8:]),
		Compression:   b[16],
		Encryption:    b[17],
		OtherEncoding: binary.LittleEndian.Uint16(b[18:]),
		Type:          b[20],
	}
	switch fe.Type {
	case FileExtentInline:
		fe.Data = b[FileExtentInlineAt:]
	case FileExtentReg, FileExtentPrealloc:
		if len(b) < FileExtentRegSize {
			return FileExtent{}, Errorf(ErrCodeCorruptFilesystem, "regular extent too short: %d bytes", len(b))
		}
		fe.DiskBytenr = binary.LittleEndian.Uint64(b[21:])
		fe.DiskNumBytes = binary.LittleEndian.Uint64(b[29:])
		fe.Offset = binary.LittleEndian.Uint64(b[37:])
		fe.NumBytes = binary.LittleEndian.Uint64(b[45:])
	default:
		return FileExtent{}, Errorf(ErrCodeCorruptFilesystem, "unknown extent type %d", fe.Type)
	}
	return fe, nil
}

// Marshal encodes the extent payload.
func (fe FileExtent) Marshal() []byte {
	size := FileExtentRegSize
	if fe.Type == FileExtentInline {
		size = FileExtentInlineAt + len(fe.Data)
	}
	b := make([]byte, size)
	binary.LittleEndian.PutUint64(b[0:], fe.Generation)
	binary.LittleEndian.PutUint64(b[8:], fe.RAMBytes)
	b[16] = fe.Compression
	b[17] = fe.Encryption
	binary.LittleEndian.PutUint16(b[18:], fe.OtherEncoding)
	b[20] = fe.Type
	if fe.Type == FileExtentInline {
		copy(b[FileExtentInlineAt:], fe.Data)
		return b
	}
	binary.LittleEndian.PutUint64(b[21:], fe.DiskBytenr)
	binary.LittleEndian.PutUint64(b[29:], fe.DiskNumBytes)
	binary.LittleEndian.PutUint64(b[37:], fe.Offset)
	binary.LittleEndian.PutUint64(b[45:], fe.NumBytes)
	return b
}

// Length returns the number of file bytes the extent covers.
func (fe FileExtent) Length() uint64 {
	if fe.Type == FileExtentInline {
		return fe.RAMBytes
	}
	return fe.NumBytes
}
