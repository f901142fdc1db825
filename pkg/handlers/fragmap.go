package handlers

import (
	"context"
	"log/slog"

	"connectrpc.com/connect"

	"github.com/elee1766/btrmount/pkg/api/apiv1"
	"github.com/elee1766/btrmount/pkg/engine"
)

type FragMapHandler struct {
	logger *slog.Logger
	engine *engine.Engine
}

func NewFragMapHandler(logger *slog.Logger, engine *engine.Engine) *FragMapHandler {
	return &FragMapHandler{
		logger: logger.With("handler", "fragmap"),
		engine: engine,
	}
}

func (h *FragMapHandler) AnalyzeFragmentation(
	ctx context.Context,
	req *connect.Request[apiv1.FragmentationRequest],
) (*connect.Response[apiv1.FragmentationResponse], error) {
	h.logger.Debug("analyze fragmentation", "source", req.Msg.Source, "path", req.Msg.Path, "recurse", req.Msg.Recurse)

	files, err := h.engine.Fragmentation(ctx, *req.Msg)
	if err != nil {
		h.logger.Error("failed to analyze fragmentation", "source", req.Msg.Source, "error", err)
		return nil, connectError(err)
	}
	return connect.NewResponse(&apiv1.FragmentationResponse{Files: files}), nil
}
