package btrfs

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRootItemFlagsRoundTrip(t *testing.T) {
	// Bit 0 is read-only; every other bit is carried through untouched.
	for _, flags := range []uint64{0, RootSubvolReadonly, RootSubvolDead | RootSubvolReadonly, 1<<63 | 1<<5} {
		ri := RootItem{
			Generation: 9,
			Bytenr:     0x1d4000,
			Flags:      flags,
			Refs:       1,
			UUID:       uuid.New(),
			ParentUUID: uuid.New(),
			OTransID:   8,
			OTime:      time.Unix(1700000000, 123).UTC(),
		}
		got, err := ParseRootItem(ri.Marshal())
		if err != nil {
			t.Fatal(err)
		}
		if got.Flags != flags {
			t.Errorf("expected flags %#x, got %#x", flags, got.Flags)
		}
		if got.IsReadonly() != (flags&1 != 0) {
			t.Errorf("flags %#x: unexpected IsReadonly %v", flags, got.IsReadonly())
		}
		if got.UUID != ri.UUID || got.ParentUUID != ri.ParentUUID || got.OTransID != 8 || !got.OTime.Equal(ri.OTime) {
			t.Errorf("unexpected provenance: %+v", got)
		}
	}
}

func TestParseRootItemV1(t *testing.T) {
	b := RootItem{Generation: 3, Bytenr: 0x4000, Level: 2}.Marshal()[:rootItemV1Size]
	got, err := ParseRootItem(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Generation != 3 || got.Bytenr != 0x4000 || got.Level != 2 {
		t.Errorf("unexpected v1 root item: %+v", got)
	}
	if got.UUID != uuid.Nil {
		t.Errorf("expected nil uuid for v1 item, got %s", got.UUID)
	}
	if _, err := ParseRootItem(b[:100]); !IsErrorCode(err, ErrCodeCorruptFilesystem) {
		t.Errorf("expected CorruptFilesystem, got %v", err)
	}
}

func TestParseRootRefOverflow(t *testing.T) {
	b := RootRef{DirID: 256, Name: "snap1"}.Marshal()
	if _, err := ParseRootRef(b[:len(b)-1]); !IsErrorCode(err, ErrCodeCorruptFilesystem) {
		t.Errorf("expected CorruptFilesystem, got %v", err)
	}
}

func TestParseDirItemsCollision(t *testing.T) {
	a := DirItem{Location: Key{ObjectID: 257, Type: InodeItemKey}, Type: FtRegFile, Name: "a"}
	b := DirItem{Location: Key{ObjectID: 258, Type: InodeItemKey}, Type: FtDir, Name: "bb"}
	got, err := ParseDirItems(append(a.Marshal(), b.Marshal()...))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "bb" || got[1].Location.ObjectID != 258 {
		t.Errorf("unexpected entries: %+v", got)
	}
}

func TestParseFileExtent(t *testing.T) {
	inline := FileExtent{RAMBytes: 5, Type: FileExtentInline, Data: []byte("hello")}
	got, err := ParseFileExtent(inline.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "hello" || got.Length() != 5 {
		t.Errorf("unexpected inline extent: %+v", got)
	}

	reg := FileExtent{Type: FileExtentReg, DiskBytenr: 0x300000, DiskNumBytes: 8192, Offset: 4096, NumBytes: 4096, RAMBytes: 8192}
	got, err = ParseFileExtent(reg.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.DiskBytenr != 0x300000 || got.Offset != 4096 || got.Length() != 4096 {
		t.Errorf("unexpected regular extent: %+v", got)
	}

	bad := reg.Marshal()
	bad[20] = 9
	if _, err := ParseFileExtent(bad); !IsErrorCode(err, ErrCodeCorruptFilesystem) {
		t.Errorf("expected CorruptFilesystem, got %v", err)
	}
}

func TestBlockGroupNames(t *testing.T) {
	tests := []struct {
		flags   uint64
		typ     string
		profile string
	}{
		{BlockGroupData, "Data", "single"},
		{BlockGroupMetadata | BlockGroupDup, "Metadata", "DUP"},
		{BlockGroupSystem | BlockGroupRaid1, "System", "RAID1"},
		{BlockGroupData | BlockGroupMetadata | BlockGroupRaid10, "Data+Metadata", "RAID10"},
		{BlockGroupData | BlockGroupRaid6, "Data", "RAID6"},
	}
	for _, tt := range tests {
		if got := BlockGroupTypeName(tt.flags); got != tt.typ {
			t.Errorf("flags %#x: expected type %s, got %s", tt.flags, tt.typ, got)
		}
		if got := BlockGroupProfileName(tt.flags); got != tt.profile {
			t.Errorf("flags %#x: expected profile %s, got %s", tt.flags, tt.profile, got)
		}
	}
}
