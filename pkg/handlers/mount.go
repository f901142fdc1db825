package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"connectrpc.com/connect"

	"github.com/elee1766/btrmount/pkg/api/apiv1"
	"github.com/elee1766/btrmount/pkg/engine"
)

type MountHandler struct {
	logger *slog.Logger
	engine *engine.Engine
}

func NewMountHandler(logger *slog.Logger, engine *engine.Engine) *MountHandler {
	return &MountHandler{
		logger: logger.With("handler", "mount"),
		engine: engine,
	}
}

func (h *MountHandler) MountVolume(
	ctx context.Context,
	req *connect.Request[apiv1.MountVolumeRequest],
) (*connect.Response[apiv1.MountVolumeResponse], error) {
	h.logger.Debug("mount volume", "source", req.Msg.Source, "drive_letter", req.Msg.DriveLetter, "read_only", req.Msg.ReadOnly)

	if req.Msg.Source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	m, err := h.engine.MountVolume(ctx, *req.Msg)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&apiv1.MountVolumeResponse{Mount: m}), nil
}

func (h *MountHandler) UnmountVolume(
	ctx context.Context,
	req *connect.Request[apiv1.UnmountVolumeRequest],
) (*connect.Response[apiv1.UnmountVolumeResponse], error) {
	h.logger.Debug("unmount volume", "mount_point", req.Msg.MountPoint)

	if req.Msg.MountPoint == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("mount_point is required"))
	}
	if err := h.engine.UnmountVolume(ctx, req.Msg.MountPoint); err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&apiv1.UnmountVolumeResponse{}), nil
}

func (h *MountHandler) ListMounts(
	ctx context.Context,
	req *connect.Request[apiv1.ListMountsRequest],
) (*connect.Response[apiv1.ListMountsResponse], error) {
	return connect.NewResponse(&apiv1.ListMountsResponse{Mounts: h.engine.ListMounts()}), nil
}
