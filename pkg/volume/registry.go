package volume

import (
	"slices"

	"github.com/google/uuid"

	"github.com/elee1766/btrmount/pkg/blockdev"
	"github.com/elee1766/btrmount/pkg/btrfs"
)

// Member is one device carrying a superblock.
type Member struct {
	Path       string
	Superblock *btrfs.Superblock

	// Handle, when set, is used instead of opening Path.
	Handle blockdev.Handle
}

// DevID returns the member's device id within its filesystem.
func (m Member) DevID() uint64 {
	return m.Superblock.DevItem.DevID
}

// Volume is one filesystem assembled from its member devices. Derived
// fields come from the member superblock with the highest generation.
type Volume struct {
	UUID       uuid.UUID
	Superblock *btrfs.Superblock
	Members    []Member // enumeration order
}

// Label returns the filesystem label.
func (v *Volume) Label() string { return v.Superblock.Label }

// Generation returns the authoritative generation.
func (v *Volume) Generation() uint64 { return v.Superblock.Generation }

// TotalBytes returns the authoritative size.
func (v *Volume) TotalBytes() uint64 { return v.Superblock.TotalBytes }

// BytesUsed returns the authoritative used bytes.
func (v *Volume) BytesUsed() uint64 { return v.Superblock.BytesUsed }

// NumDevices returns the device count recorded in the superblock.
func (v *Volume) NumDevices() uint64 { return v.Superblock.NumDevices }

// Source returns the path the volume is addressed by: its first member.
func (v *Volume) Source() string { return v.Members[0].Path }

// HasPath reports whether path is one of the member devices.
func (v *Volume) HasPath(path string) bool {
	return slices.ContainsFunc(v.Members, func(m Member) bool { return m.Path == path })
}

// PresentDevices counts distinct member device ids.
func (v *Volume) PresentDevices() int {
	seen := make(map[uint64]bool, len(v.Members))
	for _, m := range v.Members {
		seen[m.DevID()] = true
	}
	return len(seen)
}

// IsDegraded reports whether fewer devices are present than the
// authoritative superblock expects.
func IsDegraded(v *Volume) bool {
	return uint64(v.PresentDevices()) < v.Superblock.NumDevices
}

// Registry is the result of grouping one scan's members.
type Registry struct {
	order  []uuid.UUID
	byUUID map[uuid.UUID]*Volume
}

// Group merges members that share a filesystem uuid. The authoritative
// superblock of each volume is the one with the highest generation; ties
// go to the member seen first.
func Group(members []Member) *Registry {
	r := &Registry{byUUID: make(map[uuid.UUID]*Volume)}
	for _, m := range members {
		if m.Superblock == nil {
			continue
		}
		id := m.Superblock.FSID
		v, ok := r.byUUID[id]
		if !ok {
			v = &Volume{UUID: id, Superblock: m.Superblock}
			r.byUUID[id] = v
			r.order = append(r.order, id)
		} else if m.Superblock.Generation > v.Superblock.Generation {
			v.Superblock = m.Superblock
		}
		v.Members = append(v.Members, m)
	}
	return r
}

// Volumes returns every volume in order of first appearance.
func (r *Registry) Volumes() []*Volume {
	out := make([]*Volume, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byUUID[id])
	}
	return out
}

// Map returns the volumes keyed by filesystem uuid.
func (r *Registry) Map() map[uuid.UUID]*Volume {
	out := make(map[uuid.UUID]*Volume, len(r.byUUID))
	for k, v := range r.byUUID {
		out[k] = v
	}
	return out
}

// Lookup finds a volume by uuid.
func (r *Registry) Lookup(id uuid.UUID) (*Volume, bool) {
	v, ok := r.byUUID[id]
	return v, ok
}

// Find resolves source, which is either a member device path or a
// filesystem uuid, to its volume.
func (r *Registry) Find(source string) (*Volume, error) {
	for _, id := range r.order {
		if r.byUUID[id].HasPath(source) {
			return r.byUUID[id], nil
		}
	}
	if id, err := uuid.Parse(source); err == nil {
		if v, ok := r.byUUID[id]; ok {
			return v, nil
		}
	}
	return nil, btrfs.NewError(btrfs.ErrCodeVolumeNotFound, "find volume", source, nil)
}
