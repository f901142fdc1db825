package btrfs

import (
	"cmp"
	"encoding/binary"
	"fmt"
)

// Key addresses an item in a tree. Keys sort by objectid, then type, then
// offset.
type Key struct {
	ObjectID uint64
	Type     uint8
	Offset   uint64
}

// MaxKey sorts after every other key.
var MaxKey = Key{ObjectID: ^uint64(0), Type: 0xff, Offset: ^uint64(0)}

// Compare returns -1, 0 or +1.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.ObjectID, o.ObjectID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Type, o.Type); c != 0 {
		return c
	}
	return cmp.Compare(k.Offset, o.Offset)
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

var keyTypeNames = map[uint8]string{
	InodeItemKey:      "INODE_ITEM",
	InodeRefKey:       "INODE_REF",
	XattrItemKey:      "XATTR_ITEM",
	DirItemKey:        "DIR_ITEM",
	DirIndexKey:       "DIR_INDEX",
	ExtentDataKey:     "EXTENT_DATA",
	RootItemKey:       "ROOT_ITEM",
	RootBackrefKey:    "ROOT_BACKREF",
	RootRefKey:        "ROOT_REF",
	BlockGroupItemKey: "BLOCK_GROUP_ITEM",
	DevExtentKey:      "DEV_EXTENT",
	DevItemKey:        "DEV_ITEM",
	ChunkItemKey:      "CHUNK_ITEM",
}

func (k Key) String() string {
	name, ok := keyTypeNames[k.Type]
	if !ok {
		name = fmt.Sprintf("%d", k.Type)
	}
	return fmt.Sprintf("(%d %s %d)", k.ObjectID, name, k.Offset)
}

// ParseKey decodes a 17-byte disk key.
func ParseKey(b []byte) Key {
	return Key{
		ObjectID: binary.LittleEndian.Uint64(b[0:8]),
		Type:     b[8],
		Offset:   binary.LittleEndian.Uint64(b[9:17]),
	}
}

// Put encodes k into the first 17 bytes of b.
func (k Key) Put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], k.ObjectID)
	b[8] = k.Type
	binary.LittleEndian.PutUint64(b[9:17], k.Offset)
}
