package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"connectrpc.com/connect"

	"github.com/elee1766/btrmount/pkg/api/apiv1"
	"github.com/elee1766/btrmount/pkg/engine"
)

type SnapshotHandler struct {
	logger *slog.Logger
	engine *engine.Engine
}

func NewSnapshotHandler(logger *slog.Logger, engine *engine.Engine) *SnapshotHandler {
	return &SnapshotHandler{
		logger: logger.With("handler", "snapshot"),
		engine: engine,
	}
}

func (h *SnapshotHandler) CreateSnapshot(
	ctx context.Context,
	req *connect.Request[apiv1.CreateSnapshotRequest],
) (*connect.Response[apiv1.CreateSnapshotResponse], error) {
	h.logger.Debug("create snapshot", "source", req.Msg.Source, "source_id", req.Msg.SourceID, "name", req.Msg.Name)

	if req.Msg.Source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	sv, err := h.engine.CreateSnapshot(ctx, *req.Msg)
	if err != nil {
		h.logger.Error("failed to create snapshot", "source", req.Msg.Source, "error", err)
		return nil, connectError(err)
	}
	h.logger.Info("created snapshot", "source", req.Msg.Source, "id", sv.ID, "path", sv.Path)
	return connect.NewResponse(&apiv1.CreateSnapshotResponse{Subvolume: sv}), nil
}

func (h *SnapshotHandler) DeleteSnapshot(
	ctx context.Context,
	req *connect.Request[apiv1.DeleteSnapshotRequest],
) (*connect.Response[apiv1.DeleteSnapshotResponse], error) {
	h.logger.Debug("delete snapshot", "source", req.Msg.Source, "id", req.Msg.ID)

	if req.Msg.Source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	if err := h.engine.DeleteSnapshot(ctx, req.Msg.Source, req.Msg.ID); err != nil {
		h.logger.Error("failed to delete snapshot", "source", req.Msg.Source, "id", req.Msg.ID, "error", err)
		return nil, connectError(err)
	}
	h.logger.Info("deleted snapshot", "source", req.Msg.Source, "id", req.Msg.ID)
	return connect.NewResponse(&apiv1.DeleteSnapshotResponse{}), nil
}
