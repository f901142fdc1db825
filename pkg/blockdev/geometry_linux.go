//go:build linux

package blockdev

import (
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
	"golang.org/x/sys/unix"
)

// BLKGETSIZE64 is _IOR(0x12, 114, size_t).
var ioctlBlkGetSize64 = ioctl.IOR(0x12, 114, unsafe.Sizeof(uint64(0)))

// deviceGeometry returns the byte size and logical sector size of a block
// device node.
func deviceGeometry(f *os.File) (uint64, uint32, error) {
	var size uint64
	if err := ioctl.Do(f, ioctlBlkGetSize64, &size); err != nil {
		return 0, 0, err
	}
	sector, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return size, 0, nil
	}
	return size, uint32(sector), nil
}
