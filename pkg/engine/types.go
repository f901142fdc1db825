package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/elee1766/btrmount/pkg/blockdev"
	"github.com/elee1766/btrmount/pkg/mount"
	"github.com/elee1766/btrmount/pkg/tree"
	"github.com/elee1766/btrmount/pkg/volume"
)

type DeviceInfo struct {
	Path       string `json:"path"`
	Size       uint64 `json:"size"`
	SectorSize uint32 `json:"sector_size"`
	Model      string `json:"model,omitempty"`
	Kind       string `json:"kind"`
	IsBtrfs    bool   `json:"is_btrfs"`
}

func deviceInfo(d blockdev.Device) DeviceInfo {
	return DeviceInfo{
		Path:       d.Path,
		Size:       d.Size,
		SectorSize: d.SectorSize,
		Model:      d.Model,
		Kind:       string(d.Kind),
		IsBtrfs:    d.IsBtrfs,
	}
}

type VolumeInfo struct {
	UUID       string `json:"uuid"`
	Label      string `json:"label"`
	TotalBytes uint64 `json:"total_bytes"`
	BytesUsed  uint64 `json:"bytes_used"`
	NumDevices uint64 `json:"num_devices"`
	Generation uint64 `json:"generation"`

	NodeSize   uint32            `json:"node_size"`
	SectorSize uint32            `json:"sector_size"`
	CsumType   string            `json:"csum_type"`
	Profiles   map[string]string `json:"profiles,omitempty"` // allocation type to profile
	Degraded   bool              `json:"degraded"`
	Devices    []string          `json:"devices"`
}

func volumeInfo(v *volume.Volume) VolumeInfo {
	info := VolumeInfo{
		UUID:       v.UUID.String(),
		Label:      v.Label(),
		TotalBytes: v.TotalBytes(),
		BytesUsed:  v.BytesUsed(),
		NumDevices: v.NumDevices(),
		Generation: v.Generation(),
		NodeSize:   v.Superblock.NodeSize,
		SectorSize: v.Superblock.SectorSize,
		Degraded:   volume.IsDegraded(v),
	}
	for _, m := range v.Members {
		info.Devices = append(info.Devices, m.Path)
	}
	return info
}

type SubvolumeInfo struct {
	ID         uint64 `json:"id"`
	ParentID   uint64 `json:"parent_id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Generation uint64 `json:"generation"`
	Flags      uint64 `json:"flags"`

	ReadOnly     bool      `json:"read_only"`
	UUID         string    `json:"uuid"`
	ParentUUID   string    `json:"parent_uuid,omitempty"`
	ReceivedUUID string    `json:"received_uuid,omitempty"`
	SourceID     uint64    `json:"source_id,omitempty"`
	CTransID     uint64    `json:"ctransid"`
	OTransID     uint64    `json:"otransid"`
	CTime        time.Time `json:"ctime"`
	OTime        time.Time `json:"otime"`
	Orphan       bool      `json:"orphan,omitempty"`
}

func optionalUUID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func subvolumeInfo(s tree.Subvolume) SubvolumeInfo {
	return SubvolumeInfo{
		ID:           s.ID,
		ParentID:     s.ParentID,
		Name:         s.Name,
		Path:         s.Path,
		Generation:   s.Generation,
		Flags:        s.Flags,
		ReadOnly:     s.IsReadOnly(),
		UUID:         s.UUID.String(),
		ParentUUID:   optionalUUID(s.ParentUUID),
		ReceivedUUID: optionalUUID(s.ReceivedUUID),
		SourceID:     s.SourceID,
		CTransID:     s.CTransID,
		OTransID:     s.OTransID,
		CTime:        s.CTime,
		OTime:        s.OTime,
		Orphan:       s.Orphan,
	}
}

type MountRequest struct {
	Source      string  `json:"source"`
	DriveLetter string  `json:"drive_letter"`
	ReadOnly    bool    `json:"read_only"`
	SubvolumeID *uint64 `json:"subvolume_id,omitempty"`
}

type MountInfo struct {
	Source     string `json:"source"`
	MountPoint string `json:"mount_point"`
	ReadOnly   bool   `json:"read_only"`

	UUID        string    `json:"uuid"`
	SubvolumeID uint64    `json:"subvolume_id"`
	State       string    `json:"state"`
	MountedAt   time.Time `json:"mounted_at"`
}

func mountInfo(s mount.Session) MountInfo {
	return MountInfo{
		Source:      s.Source,
		MountPoint:  s.MountPoint,
		ReadOnly:    s.ReadOnly,
		UUID:        s.UUID.String(),
		SubvolumeID: s.SubvolumeID,
		State:       s.State.String(),
		MountedAt:   s.MountedAt,
	}
}

type SnapshotRequest struct {
	Source   string `json:"source"`
	SourceID uint64 `json:"source_id"`
	Name     string `json:"name"`
	ReadOnly bool   `json:"read_only"`
	ParentID uint64 `json:"parent_id,omitempty"`
}
