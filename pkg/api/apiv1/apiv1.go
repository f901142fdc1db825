// Package apiv1 holds the messages, procedure names and client of the
// btrmount command API. Messages travel as JSON over connect.
package apiv1

import (
	"encoding/json"

	"github.com/elee1766/btrmount/pkg/engine"
	"github.com/elee1766/btrmount/pkg/fragmap"
)

const (
	HealthServiceName   = "btrmount.v1.HealthService"
	VolumeServiceName   = "btrmount.v1.VolumeService"
	SnapshotServiceName = "btrmount.v1.SnapshotService"
	MountServiceName    = "btrmount.v1.MountService"
)

const (
	HealthCheckProcedure = "/" + HealthServiceName + "/Check"

	ListDevicesProcedure    = "/" + VolumeServiceName + "/ListDevices"
	DetectBtrfsProcedure    = "/" + VolumeServiceName + "/DetectBtrfs"
	GetVolumeInfoProcedure  = "/" + VolumeServiceName + "/GetVolumeInfo"
	ListSubvolumesProcedure = "/" + VolumeServiceName + "/ListSubvolumes"
	GetSubvolumeProcedure   = "/" + VolumeServiceName + "/GetSubvolume"
	FragmentationProcedure  = "/" + VolumeServiceName + "/AnalyzeFragmentation"

	CreateSnapshotProcedure = "/" + SnapshotServiceName + "/CreateSnapshot"
	DeleteSnapshotProcedure = "/" + SnapshotServiceName + "/DeleteSnapshot"

	MountVolumeProcedure   = "/" + MountServiceName + "/MountVolume"
	UnmountVolumeProcedure = "/" + MountServiceName + "/UnmountVolume"
	ListMountsProcedure    = "/" + MountServiceName + "/ListMounts"
)

// ErrorKindHeader carries the error kind name on failed calls.
const ErrorKindHeader = "Btrmount-Error-Kind"

// Codec marshals messages with encoding/json. It is registered under
// the "json" name so it replaces connect's protobuf JSON codec.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (Codec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Sessions int    `json:"sessions"`
}

type ListDevicesRequest struct{}

type ListDevicesResponse struct {
	Devices []engine.DeviceInfo `json:"devices"`
}

type DetectBtrfsRequest struct {
	Path string `json:"path"`
}

type DetectBtrfsResponse struct {
	IsBtrfs bool `json:"is_btrfs"`
}

type GetVolumeInfoRequest struct {
	Source string `json:"source"`
}

type GetVolumeInfoResponse struct {
	Volume engine.VolumeInfo `json:"volume"`
}

type ListSubvolumesRequest struct {
	Source string `json:"source"`
}

type ListSubvolumesResponse struct {
	Subvolumes []engine.SubvolumeInfo `json:"subvolumes"`
}

type GetSubvolumeRequest struct {
	Source string `json:"source"`
	ID     uint64 `json:"id"`
}

type GetSubvolumeResponse struct {
	Subvolume engine.SubvolumeInfo `json:"subvolume"`
}

type CreateSnapshotRequest = engine.SnapshotRequest

type CreateSnapshotResponse struct {
	Subvolume engine.SubvolumeInfo `json:"subvolume"`
}

type DeleteSnapshotRequest struct {
	Source string `json:"source"`
	ID     uint64 `json:"id"`
}

type FragmentationRequest = engine.FragRequest

type FragmentationResponse struct {
	Files []*fragmap.FileFragInfo `json:"files"`
}

type DeleteSnapshotResponse struct{}

type MountVolumeRequest = engine.MountRequest

type MountVolumeResponse struct {
	Mount engine.MountInfo `json:"mount"`
}

type UnmountVolumeRequest struct {
	MountPoint string `json:"mount_point"`
}

type UnmountVolumeResponse struct{}

type ListMountsRequest struct{}

type ListMountsResponse struct {
	Mounts []engine.MountInfo `json:"mounts"`
}
