package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"connectrpc.com/connect"

	"github.com/elee1766/btrmount/pkg/api/apiv1"
	"github.com/elee1766/btrmount/pkg/engine"
)

type HealthHandler struct {
	logger *slog.Logger
	engine *engine.Engine
}

func NewHealthHandler(logger *slog.Logger, engine *engine.Engine) *HealthHandler {
	return &HealthHandler{
		logger: logger.With("handler", "health"),
		engine: engine,
	}
}

func (h *HealthHandler) Check(
	ctx context.Context,
	req *connect.Request[apiv1.HealthCheckRequest],
) (*connect.Response[apiv1.HealthCheckResponse], error) {
	h.logger.Debug("health check")

	n := len(h.engine.ListMounts())
	return connect.NewResponse(&apiv1.HealthCheckResponse{
		Status:   "SERVING",
		Message:  fmt.Sprintf("service is healthy, %d active sessions", n),
		Sessions: n,
	}), nil
}
