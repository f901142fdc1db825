// Package blockdev enumerates block devices and image files and provides
// bounded-timeout access to them.
package blockdev

import "fmt"

// Kind tells where a scanned device came from.
type Kind string

const (
	KindDisk      Kind = "disk"
	KindPartition Kind = "partition"
	KindImage     Kind = "image"
)

// Device is an immutable snapshot of one scan result. A rescan produces
// new values; Devices are never updated in place.
type Device struct {
	Path       string
	Size       uint64
	SectorSize uint32
	Model      string // empty when unknown
	Kind       Kind
	IsBtrfs    bool
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", d.Path, d.Kind, d.Size)
}
