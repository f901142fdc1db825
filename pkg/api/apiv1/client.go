package apiv1

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/engine"
	"github.com/elee1766/btrmount/pkg/fragmap"
)

// Client calls a running btrmount server.
type Client struct {
	health         *connect.Client[HealthCheckRequest, HealthCheckResponse]
	listDevices    *connect.Client[ListDevicesRequest, ListDevicesResponse]
	detectBtrfs    *connect.Client[DetectBtrfsRequest, DetectBtrfsResponse]
	getVolumeInfo  *connect.Client[GetVolumeInfoRequest, GetVolumeInfoResponse]
	listSubvolumes *connect.Client[ListSubvolumesRequest, ListSubvolumesResponse]
	fragmentation  *connect.Client[FragmentationRequest, FragmentationResponse]
	getSubvolume   *connect.Client[GetSubvolumeRequest, GetSubvolumeResponse]
	createSnapshot *connect.Client[CreateSnapshotRequest, CreateSnapshotResponse]
	deleteSnapshot *connect.Client[DeleteSnapshotRequest, DeleteSnapshotResponse]
	mountVolume    *connect.Client[MountVolumeRequest, MountVolumeResponse]
	unmountVolume  *connect.Client[UnmountVolumeRequest, UnmountVolumeResponse]
	listMounts     *connect.Client[ListMountsRequest, ListMountsResponse]
}

// NewClient returns a client for the server at baseURL. A bare host:port
// is treated as plain http.
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	opts := []connect.ClientOption{connect.WithCodec(Codec{})}
	return &Client{
		health:         connect.NewClient[HealthCheckRequest, HealthCheckResponse](httpClient, baseURL+HealthCheckProcedure, opts...),
		listDevices:    connect.NewClient[ListDevicesRequest, ListDevicesResponse](httpClient, baseURL+ListDevicesProcedure, opts...),
		detectBtrfs:    connect.NewClient[DetectBtrfsRequest, DetectBtrfsResponse](httpClient, baseURL+DetectBtrfsProcedure, opts...),
		getVolumeInfo:  connect.NewClient[GetVolumeInfoRequest, GetVolumeInfoResponse](httpClient, baseURL+GetVolumeInfoProcedure, opts...),
		listSubvolumes: connect.NewClient[ListSubvolumesRequest, ListSubvolumesResponse](httpClient, baseURL+ListSubvolumesProcedure, opts...),
		fragmentation:  connect.NewClient[FragmentationRequest, FragmentationResponse](httpClient, baseURL+FragmentationProcedure, opts...),
		getSubvolume:   connect.NewClient[GetSubvolumeRequest, GetSubvolumeResponse](httpClient, baseURL+GetSubvolumeProcedure, opts...),
		createSnapshot: connect.NewClient[CreateSnapshotRequest, CreateSnapshotResponse](httpClient, baseURL+CreateSnapshotProcedure, opts...),
		deleteSnapshot: connect.NewClient[DeleteSnapshotRequest, DeleteSnapshotResponse](httpClient, baseURL+DeleteSnapshotProcedure, opts...),
		mountVolume:    connect.NewClient[MountVolumeRequest, MountVolumeResponse](httpClient, baseURL+MountVolumeProcedure, opts...),
		unmountVolume:  connect.NewClient[UnmountVolumeRequest, UnmountVolumeResponse](httpClient, baseURL+UnmountVolumeProcedure, opts...),
		listMounts:     connect.NewClient[ListMountsRequest, ListMountsResponse](httpClient, baseURL+ListMountsProcedure, opts...),
	}
}

// NewDefaultClient uses http.DefaultClient.
func NewDefaultClient(baseURL string) *Client {
	return NewClient(http.DefaultClient, baseURL)
}

func call[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	resp, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, FromConnectError(err)
	}
	return resp.Msg, nil
}

// FromConnectError turns a failed call back into a *btrfs.Error when the
// server named the error kind.
func FromConnectError(err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return err
	}
	kind := ParseErrorKind(cerr.Meta().Get(ErrorKindHeader))
	if kind == btrfs.ErrCodeUnknown {
		return err
	}
	return btrfs.Errorf(kind, "%s", cerr.Message())
}

// ParseErrorKind maps an error kind name back to its code.
func ParseErrorKind(name string) btrfs.ErrorCode {
	for c := btrfs.ErrCodeUnknown; c <= btrfs.ErrCodeNoSpace; c++ {
		if c.String() == name {
			return c
		}
	}
	return btrfs.ErrCodeUnknown
}

func (c *Client) Health(ctx context.Context) (*HealthCheckResponse, error) {
	return call(ctx, c.health, &HealthCheckRequest{})
}

func (c *Client) ListDevices(ctx context.Context) ([]engine.DeviceInfo, error) {
	resp, err := call(ctx, c.listDevices, &ListDevicesRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func (c *Client) DetectBtrfs(ctx context.Context, path string) (bool, error) {
	resp, err := call(ctx, c.detectBtrfs, &DetectBtrfsRequest{Path: path})
	if err != nil {
		return false, err
	}
	return resp.IsBtrfs, nil
}

func (c *Client) GetVolumeInfo(ctx context.Context, source string) (engine.VolumeInfo, error) {
	resp, err := call(ctx, c.getVolumeInfo, &GetVolumeInfoRequest{Source: source})
	if err != nil {
		return engine.VolumeInfo{}, err
	}
	return resp.Volume, nil
}

func (c *Client) ListSubvolumes(ctx context.Context, source string) ([]engine.SubvolumeInfo, error) {
	resp, err := call(ctx, c.listSubvolumes, &ListSubvolumesRequest{Source: source})
	if err != nil {
		return nil, err
	}
	return resp.Subvolumes, nil
}

func (c *Client) GetSubvolume(ctx context.Context, source string, id uint64) (engine.SubvolumeInfo, error) {
	resp, err := call(ctx, c.getSubvolume, &GetSubvolumeRequest{Source: source, ID: id})
	if err != nil {
		return engine.SubvolumeInfo{}, err
	}
	return resp.Subvolume, nil
}

func (c *Client) Fragmentation(ctx context.Context, req engine.FragRequest) ([]*fragmap.FileFragInfo, error) {
	resp, err := call(ctx, c.fragmentation, &req)
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func (c *Client) CreateSnapshot(ctx context.Context, req engine.SnapshotRequest) (engine.SubvolumeInfo, error) {
	resp, err := call(ctx, c.createSnapshot, &req)
	if err != nil {
		return engine.SubvolumeInfo{}, err
	}
	return resp.Subvolume, nil
}

func (c *Client) DeleteSnapshot(ctx context.Context, source string, id uint64) error {
	_, err := call(ctx, c.deleteSnapshot, &DeleteSnapshotRequest{Source: source, ID: id})
	return err
}

func (c *Client) MountVolume(ctx context.Context, req engine.MountRequest) (engine.MountInfo, error) {
	resp, err := call(ctx, c.mountVolume, &req)
	if err != nil {
		return engine.MountInfo{}, err
	}
	return resp.Mount, nil
}

func (c *Client) UnmountVolume(ctx context.Context, mountPoint string) error {
	_, err := call(ctx, c.unmountVolume, &UnmountVolumeRequest{MountPoint: mountPoint})
	return err
}

func (c *Client) ListMounts(ctx context.Context) ([]engine.MountInfo, error) {
	resp, err := call(ctx, c.listMounts, &ListMountsRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Mounts, nil
}
