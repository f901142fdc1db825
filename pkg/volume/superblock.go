// Package volume reads superblocks, groups member devices into volumes and
// gives the tree reader block-level access to an opened volume.
package volume

import (
	"context"
	"fmt"

	"github.com/elee1766/btrmount/pkg/blockdev"
	"github.com/elee1766/btrmount/pkg/btrfs"
)

// ReadSuperblock reads and validates the superblock of h.
//
// The primary copy decides whether the device is btrfs at all: an
// unreadable primary is an IoFailure and a primary without the magic is
// NotBtrfs. When the primary fails its checksum the mirrors are tried in
// ascending offset order and the first valid one wins. If no copy is
// valid the device is corrupt.
func ReadSuperblock(ctx context.Context, h blockdev.Handle) (*btrfs.Superblock, error) {
	var primaryErr error
	for i, off := range btrfs.SuperblockOffsets {
		if off+btrfs.SuperblockSize > h.Size() {
			if i == 0 {
				return nil, btrfs.NewError(btrfs.ErrCodeNotBtrfs, "read superblock", h.Path(),
					fmt.Errorf("device of %d bytes is too small", h.Size()))
			}
			break
		}

		buf := make([]byte, btrfs.SuperblockSize)
		if _, err := h.ReadAt(ctx, buf, off); err != nil {
			if i == 0 {
				return nil, btrfs.NewError(btrfs.ErrCodeIOFailure, "read superblock", h.Path(), err)
			}
			continue
		}

		sb, err := btrfs.ParseSuperblock(buf)
		if err == nil && sb.Bytenr != uint64(off) {
			err = btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "copy at %#x records bytenr %#x", off, sb.Bytenr)
		}
		if err == nil {
			return sb, nil
		}
		if i == 0 {
			if btrfs.IsErrorCode(err, btrfs.ErrCodeNotBtrfs) {
				return nil, btrfs.NewError(btrfs.ErrCodeNotBtrfs, "read superblock", h.Path(), err)
			}
			primaryErr = err
		}
	}
	return nil, btrfs.NewError(btrfs.ErrCodeCorruptFilesystem, "read superblock", h.Path(),
		fmt.Errorf("no valid copy: %w", primaryErr))
}
