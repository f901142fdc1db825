package btrfs

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

// DevItemSize is the encoded size of a DEV_ITEM.
const DevItemSize = 0x62

// DevItem describes one member device. A copy is embedded in every
// superblock; the device tree holds one per member.
type DevItem struct {
	DevID       uint64
	TotalBytes  uint64
	BytesUsed   uint64
	IOAlign     uint32
	IOWidth     uint32
	SectorSize  uint32
	Type        uint64
	Generation  uint64
	StartOffset uint64
	DevGroup    uint32
	SeekSpeed   uint8
	Bandwidth   uint8
	UUID        uuid.UUID
	FSID        uuid.UUID
}

// ParseDevItem decodes a DEV_ITEM payload.
func ParseDevItem(b []byte) (DevItem, error) {
	if len(b) < DevItemSize {
		return DevItem{}, Errorf(ErrCodeCorruptFilesystem, "dev item too short: %d bytes", len(b))
	}
	d := DevItem{
		DevID:       binary.LittleEndian.Uint64(b[0x00:]),
		TotalBytes:  binary.LittleEndian.Uint64(b[0x08:]),
		BytesUsed:   binary.LittleEndian.Uint64(b[0x10:]),
		IOAlign:     binary.LittleEndian.Uint32(b[0x18:]),
		IOWidth:     binary.LittleEndian.Uint32(b[0x1c:]),
		SectorSize:  binary.LittleEndian.Uint32(b[0x20:]),
		Type:        binary.LittleEndian.Uint64(b[0x24:]),
		Generation:  binary.LittleEndian.Uint64(b[0x2c:]),
		StartOffset: binary.LittleEndian.Uint64(b[0x34:]),
		DevGroup:    binary.LittleEndian.Uint32(b[0x3c:]),
		SeekSpeed:   b[0x40],
		Bandwidth:   b[0x41],
	}
	copy(d.UUID[:], b[0x42:0x52])
	copy(d.FSID[:], b[0x52:0x62])
	return d, nil
}

// Put encodes d into the first DevItemSize bytes of b.
func (d DevItem) Put(b []byte) {
	binary.LittleEndian.PutUint64(b[0x00:], d.DevID)
	binary.LittleEndian.PutUint64(b[0x08:], d.TotalBytes)
	binary.LittleEndian.PutUint64(b[0x10:], d.BytesUsed)
	binary.LittleEndian.PutUint32(b[0x18:], d.IOAlign)
	binary.LittleEndian.PutUint32(b[0x1c:], d.IOWidth)
	binary.LittleEndian.PutUint32(b[0x20:], d.SectorSize)
	binary.LittleEndian.PutUint64(b[0x24:], d.Type)
	binary.LittleEndian.PutUint64(b[0x2c:], d.Generation)
	binary.LittleEndian.PutUint64(b[0x34:], d.StartOffset)
	binary.LittleEndian.PutUint32(b[0x3c:], d.DevGroup)
	b[0x40] = d.SeekSpeed
	b[0x41] = d.Bandwidth
	copy(b[0x42:0x52], d.UUID[:])
	copy(b[0x52:0x62], d.FSID[:])
}

// Superblock is one decoded superblock copy.
type Superblock struct {
	Csum                [CsumSize]byte
	FSID                uuid.UUID
	Bytenr              uint64
	Flags               uint64
	Magic               [8]byte
	Generation          uint64
	Root                uint64
	ChunkRoot           uint64
	LogRoot             uint64
	LogRootTransID      uint64
	TotalBytes          uint64
	BytesUsed           uint64
	RootDirObjectID     uint64
	NumDevices          uint64
	SectorSize          uint32
	NodeSize            uint32
	LeafSize            uint32
	StripeSize          uint32
	SysChunkArraySize   uint32
	ChunkRootGeneration uint64
	CompatFlags         uint64
	CompatROFlags       uint64
	IncompatFlags       uint64
	CsumType            uint16
	RootLevel           uint8
	ChunkRootLevel      uint8
	LogRootLevel        uint8
	DevItem             DevItem
	Label               string
	CacheGeneration     uint64
	UUIDTreeGeneration  uint64
	MetadataUUID        uuid.UUID
	SysChunkArray       []byte

	// raw keeps the bytes this superblock was decoded from so that
	// Marshal preserves reserved and backup-root areas.
	raw []byte
}

// ParseSuperblock decodes and validates a superblock copy. A missing magic
// is ErrCodeNotBtrfs; a bad checksum or impossible geometry is
// ErrCodeCorruptFilesystem.
func ParseSuperblock(b []byte) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, Errorf(ErrCodeNotBtrfs, "short superblock read: %d bytes", len(b))
	}
	b = b[:SuperblockSize]
	if !bytes.Equal(b[0x40:0x48], Magic[:]) {
		return nil, Errorf(ErrCodeNotBtrfs, "magic mismatch: %q", b[0x40:0x48])
	}

	csumType := binary.LittleEndian.Uint16(b[0xc4:])
	if err := VerifyCsum(csumType, b); err != nil {
		return nil, err
	}

	sb := &Superblock{
		Bytenr:              binary.LittleEndian.Uint64(b[0x30:]),
		Flags:               binary.LittleEndian.Uint64(b[0x38:]),
		Generation:          binary.LittleEndian.Uint64(b[0x48:]),
		Root:                binary.LittleEndian.Uint64(b[0x50:]),
		ChunkRoot:           binary.LittleEndian.Uint64(b[0x58:]),
		LogRoot:             binary.LittleEndian.Uint64(b[0x60:]),
		LogRootTransID:      binary.LittleEndian.Uint64(b[0x68:]),
		TotalBytes:          binary.LittleEndian.Uint64(b[0x70:]),
		BytesUsed:           binary.LittleEndian.Uint64(b[0x78:]),
		RootDirObjectID:     binary.LittleEndian.Uint64(b[0x80:]),
		NumDevices:          binary.LittleEndian.Uint64(b[0x88:]),
		SectorSize:          binary.LittleEndian.Uint32(b[0x90:]),
		NodeSize:            binary.LittleEndian.Uint32(b[0x94:]),
		LeafSize:            binary.LittleEndian.Uint32(b[0x98:]),
		StripeSize:          binary.LittleEndian.Uint32(b[0x9c:]),
		SysChunkArraySize:   binary.LittleEndian.Uint32(b[0xa0:]),
		ChunkRootGeneration: binary.LittleEndian.Uint64(b[0xa4:]),
		CompatFlags:         binary.LittleEndian.Uint64(b[0xac:]),
		CompatROFlags:       binary.LittleEndian.Uint64(b[0xb4:]),
		IncompatFlags:       binary.LittleEndian.Uint64(b[0xbc:]),
		CsumType:            csumType,
		RootLevel:           b[0xc6],
		ChunkRootLevel:      b[0xc7],
		LogRootLevel:        b[0xc8],
		CacheGeneration:     binary.LittleEndian.Uint64(b[0x22b:]),
		UUIDTreeGeneration:  binary.LittleEndian.Uint64(b[0x233:]),
		raw:                 append([]byte(nil), b...),
	}
	copy(sb.Csum[:], b[0x00:0x20])
	copy(sb.FSID[:], b[0x20:0x30])
	copy(sb.Magic[:], b[0x40:0x48])
	copy(sb.MetadataUUID[:], b[0x23b:0x24b])
	sb.Label = string(bytes.TrimRight(b[0x12b:0x12b+LabelSize], "\x00"))

	dev, err := ParseDevItem(b[0xc9 : 0xc9+DevItemSize])
	if err != nil {
		return nil, err
	}
	sb.DevItem = dev

	if sb.SysChunkArraySize > SysChunkArrayMax {
		return nil, Errorf(ErrCodeCorruptFilesystem, "sys_chunk_array_size %d exceeds %d", sb.SysChunkArraySize, SysChunkArrayMax)
	}
	sb.SysChunkArray = append([]byte(nil), b[0x32b:0x32b+sb.SysChunkArraySize]...)

	if sb.NodeSize < HeaderSize+ItemHeaderSize || sb.NodeSize > 64*1024 || sb.SectorSize == 0 {
		return nil, Errorf(ErrCodeCorruptFilesystem, "implausible geometry: nodesize %d sectorsize %d", sb.NodeSize, sb.SectorSize)
	}
	return sb, nil
}

// Marshal encodes the superblock and seals its checksum. Fields not
// modelled by Superblock are taken from the bytes it was parsed from.
func (sb *Superblock) Marshal() ([]byte, error) {
	b := make([]byte, SuperblockSize)
	copy(b, sb.raw)

	copy(b[0x20:0x30], sb.FSID[:])
	binary.LittleEndian.PutUint64(b[0x30:], sb.Bytenr)
	binary.LittleEndian.PutUint64(b[0x38:], sb.Flags)
	copy(b[0x40:0x48], Magic[:])
	binary.LittleEndian.PutUint64(b[0x48:], sb.Generation)
	binary.LittleEndian.PutUint64(b[0x50:], sb.Root)
	binary.LittleEndian.PutUint64(b[0x58:], sb.ChunkRoot)
	binary.LittleEndian.PutUint64(b[0x60:], sb.LogRoot)
	binary.LittleEndian.PutUint64(b[0x68:], sb.LogRootTransID)
	binary.LittleEndian.PutUint64(b[0x70:], sb.TotalBytes)
	binary.LittleEndian.PutUint64(b[0x78:], sb.BytesUsed)
	binary.LittleEndian.PutUint64(b[0x80:], sb.RootDirObjectID)
	binary.LittleEndian.PutUint64(b[0x88:], sb.NumDevices)
	binary.LittleEndian.PutUint32(b[0x90:], sb.SectorSize)
	binary.LittleEndian.PutUint32(b[0x94:], sb.NodeSize)
	binary.LittleEndian.PutUint32(b[0x98:], sb.LeafSize)
	binary.LittleEndian.PutUint32(b[0x9c:], sb.StripeSize)
	binary.LittleEndian.PutUint32(b[0xa0:], uint32(len(sb.SysChunkArray)))
	binary.LittleEndian.PutUint64(b[0xa4:], sb.ChunkRootGeneration)
	binary.LittleEndian.PutUint64(b[0xac:], sb.CompatFlags)
	binary.LittleEndian.PutUint64(b[0xb4:], sb.CompatROFlags)
	binary.LittleEndian.PutUint64(b[0xbc:], sb.IncompatFlags)
	binary.LittleEndian.PutUint16(b[0xc4:], sb.CsumType)
	b[0xc6] = sb.RootLevel
	b[0xc7] = sb.ChunkRootLevel
	b[0xc8] = sb.LogRootLevel
	sb.DevItem.Put(b[0xc9 : 0xc9+DevItemSize])

	if len(sb.Label) >= LabelSize {
		return nil, Errorf(ErrCodeInvalidArgument, "label longer than %d bytes", LabelSize-1)
	}
	clear(b[0x12b : 0x12b+LabelSize])
	copy(b[0x12b:], sb.Label)

	binary.LittleEndian.PutUint64(b[0x22b:], sb.CacheGeneration)
	binary.LittleEndian.PutUint64(b[0x233:], sb.UUIDTreeGeneration)
	copy(b[0x23b:0x24b], sb.MetadataUUID[:])

	if len(sb.SysChunkArray) > SysChunkArrayMax {
		return nil, Errorf(ErrCodeInvalidArgument, "sys_chunk_array longer than %d bytes", SysChunkArrayMax)
	}
	clear(b[0x32b : 0x32b+SysChunkArrayMax])
	copy(b[0x32b:], sb.SysChunkArray)

	if err := SealCsum(sb.CsumType, b); err != nil {
		return nil, err
	}
	copy(sb.Csum[:], b[:CsumSize])
	return b, nil
}

// ChecksumValue returns the stored checksum bytes that are meaningful for
// the superblock's algorithm.
func (sb *Superblock) ChecksumValue() []byte {
	return sb.Csum[:csumLen(sb.CsumType)]
}

// TreeFSID returns the uuid stamped into tree block headers.
func (sb *Superblock) TreeFSID() uuid.UUID {
	if sb.IncompatFlags&IncompatMetadataUUID != 0 {
		return sb.MetadataUUID
	}
	return sb.FSID
}
