package btrfs

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Chunk item layout sizes
const (
	ChunkHeaderSize = 0x30
	StripeSize      = 0x20
)

// Stripe places one copy (or one stripe) of a chunk on a device.
type Stripe struct {
	DevID   uint64
	Offset  uint64
	DevUUID uuid.UUID
}

// ChunkItem maps a logical range onto device stripes.
type ChunkItem struct {
	Length     uint64
	Owner      uint64
	StripeLen  uint64
	Type       uint64
	IOAlign    uint32
	IOWidth    uint32
	SectorSize uint32
	SubStripes uint16
	Stripes    []Stripe
}

// EncodedSize returns the payload size of the chunk.
func (c ChunkItem) EncodedSize() int {
	return ChunkHeaderSize + len(c.Stripes)*StripeSize
}

// ParseChunkItem decodes a CHUNK_ITEM payload and returns the bytes it
// consumed.
func ParseChunkItem(b []byte) (ChunkItem, int, error) {
	if len(b) < ChunkHeaderSize {
		return ChunkItem{}, 0, Errorf(ErrCodeCorruptFilesystem, "chunk item too short: %d bytes", len(b))
	}
	numStripes := int(binary.LittleEndian.Uint16(b[44:]))
	if numStripes == 0 {
		return ChunkItem{}, 0, Errorf(ErrCodeCorruptFilesystem, "chunk item with zero stripes")
	}
	size := ChunkHeaderSize + numStripes*StripeSize
	if len(b) < size {
		return ChunkItem{}, 0, Errorf(ErrCodeCorruptFilesystem, "chunk item stripes overflow: need %d bytes, have %d", size, len(b))
	}
	c := ChunkItem{
		Length:     binary.LittleEndian.Uint64(b[0:]),
		Owner:      binary.LittleEndian.Uint64(b[8:]),
		StripeLen:  binary.LittleEndian.Uint64(b[16:]),
		Type:       binary.LittleEndian.Uint64(b[24:]),
		IOAlign:    binary.LittleEndian.Uint32(b[32:]),
		IOWidth:    binary.LittleEndian.Uint32(b[36:]),
		SectorSize: binary.LittleEndian.Uint32(b[40:]),
		SubStripes: binary.LittleEndian.Uint16(b[46:]),
		Stripes:    make([]Stripe, numStripes),
	}
	for i := range c.Stripes {
		s := b[ChunkHeaderSize+i*StripeSize:]
		c.Stripes[i].DevID = binary.LittleEndian.Uint64(s[0:])
		c.Stripes[i].Offset = binary.LittleEndian.Uint64(s[8:])
		copy(c.Stripes[i].DevUUID[:], s[16:32])
	}
	return c, size, nil
}

// Marshal encodes the chunk payload.
func (c ChunkItem) Marshal() []byte {
	b := make([]byte, c.EncodedSize())
	binary.LittleEndian.PutUint64(b[0:], c.Length)
	binary.LittleEndian.PutUint64(b[8:], c.Owner)
	binary.LittleEndian.PutUint64(b[16:], c.StripeLen)
	binary.LittleEndian.PutUint64(b[24:], c.Type)
	binary.LittleEndian.PutUint32(b[32:], c.IOAlign)
	binary.LittleEndian.PutUint32(b[36:], c.IOWidth)
	binary.LittleEndian.PutUint32(b[40:], c.SectorSize)
	binary.LittleEndian.PutUint16(b[44:], uint16(len(c.Stripes)))
	binary.LittleEndian.PutUint16(b[46:], c.SubStripes)
	for i, st := range c.Stripes {
		s := b[ChunkHeaderSize+i*StripeSize:]
		binary.LittleEndian.PutUint64(s[0:], st.DevID)
		binary.LittleEndian.PutUint64(s[8:], st.Offset)
		copy(s[16:32], st.DevUUID[:])
	}
	return b
}

// SysChunk is one entry of the superblock's bootstrap chunk array.
type SysChunk struct {
	Key   Key
	Chunk ChunkItem
}

// ParseSysChunkArray decodes the (key, chunk) pairs embedded in the
// superblock.
func ParseSysChunkArray(b []byte) ([]SysChunk, error) {
	var out []SysChunk
	for len(b) > 0 {
		if len(b) < KeySize {
			return nil, Errorf(ErrCodeCorruptFilesystem, "sys chunk array key truncated: %d bytes", len(b))
		}
		k := ParseKey(b)
		if k.Type != ChunkItemKey {
			return nil, Errorf(ErrCodeCorruptFilesystem, "sys chunk array holds %s, want CHUNK_ITEM", k)
		}
		c, n, err := ParseChunkItem(b[KeySize:])
		if err != nil {
			return nil, err
		}
		out = append(out, SysChunk{Key: k, Chunk: c})
		b = b[KeySize+n:]
	}
	return out, nil
}

// MarshalSysChunkArray encodes entries for the superblock.
func MarshalSysChunkArray(chunks []SysChunk) []byte {
	var b []byte
	for _, sc := range chunks {
		kb := make([]byte, KeySize)
		sc.Key.Put(kb)
		b = append(b, kb...)
		b = append(b, sc.Chunk.Marshal()...)
	}
	return b
}
