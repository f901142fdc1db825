package btrfs

import (
	"encoding/binary"
	"slices"

	"github.com/google/uuid"
)

// Header is the common prefix of every tree block.
type Header struct {
	Csum          [CsumSize]byte
	FSID          uuid.UUID
	Bytenr        uint64
	Flags         uint64 // low 56 bits on disk
	BackrefRev    uint8
	ChunkTreeUUID uuid.UUID
	Generation    uint64
	Owner         uint64
	NrItems       uint32
	Level         uint8
}

// KeyPtr is one child reference in an internal node.
type KeyPtr struct {
	Key        Key
	BlockPtr   uint64
	Generation uint64
}

// Item is one record in a leaf. Data aliases the node buffer.
type Item struct {
	Key  Key
	Data []byte
}

// Node is a decoded tree block. Internal nodes carry Ptrs, leaves carry
// Items.
type Node struct {
	Header
	Ptrs  []KeyPtr
	Items []Item
}

// IsLeaf reports whether the node is a leaf.
func (n *Node) IsLeaf() bool {
	return n.Level == 0
}

// ParseHeader decodes the node header without validating it.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, Errorf(ErrCodeCorruptFilesystem, "node shorter than header: %d bytes", len(b))
	}
	var h Header
	copy(h.Csum[:], b[0x00:0x20])
	copy(h.FSID[:], b[0x20:0x30])
	h.Bytenr = binary.LittleEndian.Uint64(b[0x30:])
	h.Flags = binary.LittleEndian.Uint64(b[0x38:]) & (1<<56 - 1)
	h.BackrefRev = b[0x3f]
	copy(h.ChunkTreeUUID[:], b[0x40:0x50])
	h.Generation = binary.LittleEndian.Uint64(b[0x50:])
	h.Owner = binary.LittleEndian.Uint64(b[0x58:])
	h.NrItems = binary.LittleEndian.Uint32(b[0x60:])
	h.Level = b[0x64]
	return h, nil
}

// ParseNode decodes a full tree block. The checksum is not verified here;
// callers that read from disk use VerifyCsum first.
func ParseNode(b []byte) (*Node, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Level >= MaxLevel {
		return nil, Errorf(ErrCodeCorruptFilesystem, "node %d: level %d out of range", h.Bytenr, h.Level)
	}
	n := &Node{Header: h}
	body := b[HeaderSize:]

	if h.Level > 0 {
		if int(h.NrItems)*KeyPtrSize > len(body) {
			return nil, Errorf(ErrCodeCorruptFilesystem, "node %d: %d key pointers overflow block", h.Bytenr, h.NrItems)
		}
		n.Ptrs = make([]KeyPtr, h.NrItems)
		for i := range n.Ptrs {
			p := body[i*KeyPtrSize:]
			n.Ptrs[i] = KeyPtr{
				Key:        ParseKey(p),
				BlockPtr:   binary.LittleEndian.Uint64(p[17:]),
				Generation: binary.LittleEndian.Uint64(p[25:]),
			}
			if i > 0 && !n.Ptrs[i-1].Key.Less(n.Ptrs[i].Key) {
				return nil, Errorf(ErrCodeCorruptFilesystem, "node %d: keys out of order at slot %d", h.Bytenr, i)
			}
		}
		return n, nil
	}

	if int(h.NrItems)*ItemHeaderSize > len(body) {
		return nil, Errorf(ErrCodeCorruptFilesystem, "leaf %d: %d items overflow block", h.Bytenr, h.NrItems)
	}
	n.Items = make([]Item, h.NrItems)
	for i := range n.Items {
		p := body[i*ItemHeaderSize:]
		off := binary.LittleEndian.Uint32(p[17:])
		size := binary.LittleEndian.Uint32(p[21:])
		if uint64(off)+uint64(size) > uint64(len(body)) {
			return nil, Errorf(ErrCodeCorruptFilesystem, "leaf %d: item %d data [%d,+%d) outside block", h.Bytenr, i, off, size)
		}
		n.Items[i] = Item{
			Key:  ParseKey(p),
			Data: body[off : off+size],
		}
		if i > 0 && !n.Items[i-1].Key.Less(n.Items[i].Key) {
			return nil, Errorf(ErrCodeCorruptFilesystem, "leaf %d: keys out of order at slot %d", h.Bytenr, i)
		}
	}
	return n, nil
}

// LeafFreeSpace returns the unused bytes left in a leaf of nodeSize.
func (n *Node) LeafFreeSpace(nodeSize uint32) int {
	used := 0
	for _, it := range n.Items {
		used += ItemHeaderSize + len(it.Data)
	}
	return int(nodeSize) - HeaderSize - used
}

// Insert places item at its key position in a leaf. It fails with
// ErrCodeInvalidArgument on a duplicate key and ErrCodeNoSpace when the
// leaf of nodeSize cannot hold it.
func (n *Node) Insert(item Item, nodeSize uint32) error {
	if !n.IsLeaf() {
		return Errorf(ErrCodeInvalidArgument, "insert into internal node %d", n.Bytenr)
	}
	i, found := slices.BinarySearchFunc(n.Items, item.Key, func(it Item, k Key) int {
		return it.Key.Compare(k)
	})
	if found {
		return Errorf(ErrCodeInvalidArgument, "leaf %d already holds key %s", n.Bytenr, item.Key)
	}
	if n.LeafFreeSpace(nodeSize) < ItemHeaderSize+len(item.Data) {
		return Errorf(ErrCodeNoSpace, "leaf %d has no room for %s", n.Bytenr, item.Key)
	}
	n.Items = slices.Insert(n.Items, i, Item{Key: item.Key, Data: slices.Clone(item.Data)})
	n.NrItems = uint32(len(n.Items))
	return nil
}

// Remove deletes the item with key k from a leaf and reports whether it
// was present.
func (n *Node) Remove(k Key) bool {
	i, found := slices.BinarySearchFunc(n.Items, k, func(it Item, k Key) int {
		return it.Key.Compare(k)
	})
	if !found {
		return false
	}
	n.Items = slices.Delete(n.Items, i, i+1)
	n.NrItems = uint32(len(n.Items))
	return true
}

// Replace swaps the payload of the item with key k. The new payload must
// fit in the leaf.
func (n *Node) Replace(k Key, data []byte, nodeSize uint32) error {
	i, found := slices.BinarySearchFunc(n.Items, k, func(it Item, k Key) int {
		return it.Key.Compare(k)
	})
	if !found {
		return Errorf(ErrCodeNotFound, "leaf %d has no key %s", n.Bytenr, k)
	}
	if n.LeafFreeSpace(nodeSize)+len(n.Items[i].Data) < len(data) {
		return Errorf(ErrCodeNoSpace, "leaf %d has no room to grow %s", n.Bytenr, k)
	}
	n.Items[i].Data = slices.Clone(data)
	return nil
}

// Marshal encodes the node into a block of nodeSize bytes and seals the
// checksum. Leaf payloads are packed from the end of the block in slot
// order, the layout the kernel produces.
func (n *Node) Marshal(nodeSize uint32, csumType uint16) ([]byte, error) {
	b := make([]byte, nodeSize)
	copy(b[0x20:0x30], n.FSID[:])
	binary.LittleEndian.PutUint64(b[0x30:], n.Bytenr)
	binary.LittleEndian.PutUint64(b[0x38:], n.Flags&(1<<56-1))
	b[0x3f] = n.BackrefRev
	copy(b[0x40:0x50], n.ChunkTreeUUID[:])
	binary.LittleEndian.PutUint64(b[0x50:], n.Generation)
	binary.LittleEndian.PutUint64(b[0x58:], n.Owner)
	b[0x64] = n.Level
	body := b[HeaderSize:]

	if n.Level > 0 {
		if len(n.Ptrs)*KeyPtrSize > len(body) {
			return nil, Errorf(ErrCodeNoSpace, "node %d: %d key pointers do not fit", n.Bytenr, len(n.Ptrs))
		}
		binary.LittleEndian.PutUint32(b[0x60:], uint32(len(n.Ptrs)))
		for i, p := range n.Ptrs {
			s := body[i*KeyPtrSize:]
			p.Key.Put(s)
			binary.LittleEndian.PutUint64(s[17:], p.BlockPtr)
			binary.LittleEndian.PutUint64(s[25:], p.Generation)
		}
	} else {
		if n.LeafFreeSpace(nodeSize) < 0 {
			return nil, Errorf(ErrCodeNoSpace, "leaf %d: items do not fit in %d bytes", n.Bytenr, nodeSize)
		}
		binary.LittleEndian.PutUint32(b[0x60:], uint32(len(n.Items)))
		end := len(body)
		for i, it := range n.Items {
			end -= len(it.Data)
			copy(body[end:], it.Data)
			s := body[i*ItemHeaderSize:]
			it.Key.Put(s)
			binary.LittleEndian.PutUint32(s[17:], uint32(end))
			binary.LittleEndian.PutUint32(s[21:], uint32(len(it.Data)))
		}
	}

	if err := SealCsum(csumType, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Clone returns a deep copy of n whose payloads no longer alias the
// buffer it was parsed from.
func (n *Node) Clone() *Node {
	c := &Node{Header: n.Header, Ptrs: slices.Clone(n.Ptrs)}
	if n.Items != nil {
		c.Items = make([]Item, len(n.Items))
		for i, it := range n.Items {
			c.Items[i] = Item{Key: it.Key, Data: slices.Clone(it.Data)}
		}
	}
	return c
}
