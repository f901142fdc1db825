package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"connectrpc.com/connect"

	"github.com/elee1766/btrmount/pkg/api/apiv1"
	"github.com/elee1766/btrmount/pkg/engine"
)

type VolumeHandler struct {
	logger *slog.Logger
	engine *engine.Engine
}

func NewVolumeHandler(logger *slog.Logger, engine *engine.Engine) *VolumeHandler {
	return &VolumeHandler{
		logger: logger.With("handler", "volume"),
		engine: engine,
	}
}

func (h *VolumeHandler) ListDevices(
	ctx context.Context,
	req *connect.Request[apiv1.ListDevicesRequest],
) (*connect.Response[apiv1.ListDevicesResponse], error) {
	h.logger.Debug("list devices")

	devices, err := h.engine.ListDevices(ctx)
	if err != nil {
		h.logger.Error("failed to list devices", "error", err)
		return nil, connectError(err)
	}
	return connect.NewResponse(&apiv1.ListDevicesResponse{Devices: devices}), nil
}

func (h *VolumeHandler) DetectBtrfs(
	ctx context.Context,
	req *connect.Request[apiv1.DetectBtrfsRequest],
) (*connect.Response[apiv1.DetectBtrfsResponse], error) {
	h.logger.Debug("detect btrfs", "path", req.Msg.Path)

	ok, err := h.engine.DetectBtrfs(ctx, req.Msg.Path)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&apiv1.DetectBtrfsResponse{IsBtrfs: ok}), nil
}

func (h *VolumeHandler) GetVolumeInfo(
	ctx context.Context,
	req *connect.Request[apiv1.GetVolumeInfoRequest],
) (*connect.Response[apiv1.GetVolumeInfoResponse], error) {
	h.logger.Debug("get volume info", "source", req.Msg.Source)

	if req.Msg.Source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	info, err := h.engine.GetVolumeInfo(ctx, req.Msg.Source)
	if err != nil {
		h.logger.Warn("failed to get volume info", "source", req.Msg.Source, "error", err)
		return nil, connectError(err)
	}
	return connect.NewResponse(&apiv1.GetVolumeInfoResponse{Volume: info}), nil
}

func (h *VolumeHandler) ListSubvolumes(
	ctx context.Context,
	req *connect.Request[apiv1.ListSubvolumesRequest],
) (*connect.Response[apiv1.ListSubvolumesResponse], error) {
	h.logger.Debug("list subvolumes", "source", req.Msg.Source)

	if req.Msg.Source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	subvols, err := h.engine.ListSubvolumes(ctx, req.Msg.Source)
	if err != nil {
		h.logger.Error("failed to list subvolumes", "source", req.Msg.Source, "error", err)
		return nil, connectError(err)
	}
	return connect.NewResponse(&apiv1.ListSubvolumesResponse{Subvolumes: subvols}), nil
}

func (h *VolumeHandler) GetSubvolume(
	ctx context.Context,
	req *connect.Request[apiv1.GetSubvolumeRequest],
) (*connect.Response[apiv1.GetSubvolumeResponse], error) {
	h.logger.Debug("get subvolume", "source", req.Msg.Source, "id", req.Msg.ID)

	sv, err := h.engine.GetSubvolume(ctx, req.Msg.Source, req.Msg.ID)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&apiv1.GetSubvolumeResponse{Subvolume: sv}), nil
}
