//go:build !linux

package blockdev

import (
	"errors"
	"os"
)

func deviceGeometry(f *os.File) (uint64, uint32, error) {
	return 0, 0, errors.New("block device geometry is only available on linux")
}
