package volume

import (
	"context"
	"testing"

	"github.com/elee1766/btrmount/pkg/blockdev"
	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/btrfs/btrfstest"
)

const mirrorDeviceSize = 0x4000000 + 0x10000

func TestReadSuperblockVolumeInfo(t *testing.T) {
	m, _ := btrfstest.NewMem(t, btrfstest.Image{
		Label:      "data",
		Generation: 42,
		TotalBytes: 10_737_418_240,
		BytesUsed:  2_147_483_648,
		NumDevices: 1,
	})

	sb, err := ReadSuperblock(context.Background(), m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sb.TotalBytes != 10_737_418_240 {
		t.Errorf("expected total 10737418240, got %d", sb.TotalBytes)
	}
	if sb.BytesUsed != 2_147_483_648 {
		t.Errorf("expected used 2147483648, got %d", sb.BytesUsed)
	}
	if sb.Generation != 42 {
		t.Errorf("expected generation 42, got %d", sb.Generation)
	}
	if sb.NumDevices != 1 {
		t.Errorf("expected 1 device, got %d", sb.NumDevices)
	}
	if sb.Label != "data" {
		t.Errorf("expected label data, got %q", sb.Label)
	}
}

func corruptPrimary(t *testing.T, h blockdev.Handle, off int64) {
	t.Helper()
	ctx := context.Background()
	b := make([]byte, 1)
	if _, err := h.ReadAt(ctx, b, off+0x48); err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0xff
	if _, err := h.WriteAt(ctx, b, off+0x48); err != nil {
		t.Fatal(err)
	}
}

func TestReadSuperblockMirrorFallback(t *testing.T) {
	ctx := context.Background()
	m, l := btrfstest.NewMem(t, btrfstest.Image{DeviceSize: mirrorDeviceSize, Mirrors: true, Generation: 7})

	corruptPrimary(t, m, btrfs.SuperblockOffsets[0])
	sb, err := ReadSuperblock(ctx, m)
	if err != nil {
		t.Fatalf("expected mirror to be used, got %v", err)
	}
	if sb.Bytenr != uint64(btrfs.SuperblockOffsets[1]) {
		t.Errorf("expected copy at %#x, got %#x", btrfs.SuperblockOffsets[1], sb.Bytenr)
	}
	if sb.FSID != l.Superblock.FSID || sb.Generation != 7 {
		t.Errorf("unexpected mirror contents: fsid=%s gen=%d", sb.FSID, sb.Generation)
	}

	corruptPrimary(t, m, btrfs.SuperblockOffsets[1])
	_, err = ReadSuperblock(ctx, m)
	if !btrfs.IsErrorCode(err, btrfs.ErrCodeCorruptFilesystem) {
		t.Errorf("expected CorruptFilesystem when every copy is bad, got %v", err)
	}
}

func TestReadSuperblockErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("blank device", func(t *testing.T) {
		_, err := ReadSuperblock(ctx, blockdev.NewMem("blank", 1<<20))
		if !btrfs.IsErrorCode(err, btrfs.ErrCodeNotBtrfs) {
			t.Errorf("expected NotBtrfs, got %v", err)
		}
	})

	t.Run("too small", func(t *testing.T) {
		_, err := ReadSuperblock(ctx, blockdev.NewMem("tiny", 4096))
		if !btrfs.IsErrorCode(err, btrfs.ErrCodeNotBtrfs) {
			t.Errorf("expected NotBtrfs, got %v", err)
		}
	})

	t.Run("unreadable", func(t *testing.T) {
		m, _ := btrfstest.NewMem(t, btrfstest.Image{})
		m.FailReads = true
		_, err := ReadSuperblock(ctx, m)
		if !btrfs.IsErrorCode(err, btrfs.ErrCodeIOFailure) {
			t.Errorf("expected IoFailure, got %v", err)
		}
	})

	t.Run("bad checksum without mirrors", func(t *testing.T) {
		m, _ := btrfstest.NewMem(t, btrfstest.Image{})
		corruptPrimary(t, m, btrfs.SuperblockOffset)
		_, err := ReadSuperblock(ctx, m)
		if !btrfs.IsErrorCode(err, btrfs.ErrCodeCorruptFilesystem) {
			t.Errorf("expected CorruptFilesystem, got %v", err)
		}
	})
}
