package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"

	"connectrpc.com/connect"
	"go.uber.org/fx"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/elee1766/btrmount/pkg/api/apiv1"
	"github.com/elee1766/btrmount/pkg/config"
	"github.com/elee1766/btrmount/pkg/handlers"
)

var Module = fx.Module("api",
	fx.Provide(
		NewServer,
		handlers.NewHealthHandler,
		handlers.NewVolumeHandler,
		handlers.NewFragMapHandler,
		handlers.NewSnapshotHandler,
		handlers.NewMountHandler,
	),
	fx.Invoke(registerHooks),
)

type Server struct {
	http   *http.Server
	logger *slog.Logger
}

type HandlerParams struct {
	fx.In

	Health   *handlers.HealthHandler
	Volume   *handlers.VolumeHandler
	FragMap  *handlers.FragMapHandler
	Snapshot *handlers.SnapshotHandler
	Mount    *handlers.MountHandler
}

type ServerParams struct {
	fx.In

	Config   *config.Config
	Logger   *slog.Logger
	Handlers HandlerParams
}

// NewMux registers every procedure on a fresh mux.
func NewMux(h HandlerParams) *http.ServeMux {
	mux := http.NewServeMux()
	opts := connect.WithCodec(apiv1.Codec{})

	mux.Handle(apiv1.HealthCheckProcedure, connect.NewUnaryHandler(apiv1.HealthCheckProcedure, h.Health.Check, opts))

	mux.Handle(apiv1.ListDevicesProcedure, connect.NewUnaryHandler(apiv1.ListDevicesProcedure, h.Volume.ListDevices, opts))
	mux.Handle(apiv1.DetectBtrfsProcedure, connect.NewUnaryHandler(apiv1.DetectBtrfsProcedure, h.Volume.DetectBtrfs, opts))
	mux.Handle(apiv1.GetVolumeInfoProcedure, connect.NewUnaryHandler(apiv1.GetVolumeInfoProcedure, h.Volume.GetVolumeInfo, opts))
	mux.Handle(apiv1.ListSubvolumesProcedure, connect.NewUnaryHandler(apiv1.ListSubvolumesProcedure, h.Volume.ListSubvolumes, opts))
	mux.Handle(apiv1.GetSubvolumeProcedure, connect.NewUnaryHandler(apiv1.GetSubvolumeProcedure, h.Volume.GetSubvolume, opts))
	mux.Handle(apiv1.FragmentationProcedure, connect.NewUnaryHandler(apiv1.FragmentationProcedure, h.FragMap.AnalyzeFragmentation, opts))

	mux.Handle(apiv1.CreateSnapshotProcedure, connect.NewUnaryHandler(apiv1.CreateSnapshotProcedure, h.Snapshot.CreateSnapshot, opts))
	mux.Handle(apiv1.DeleteSnapshotProcedure, connect.NewUnaryHandler(apiv1.DeleteSnapshotProcedure, h.Snapshot.DeleteSnapshot, opts))

	mux.Handle(apiv1.MountVolumeProcedure, connect.NewUnaryHandler(apiv1.MountVolumeProcedure, h.Mount.MountVolume, opts))
	mux.Handle(apiv1.UnmountVolumeProcedure, connect.NewUnaryHandler(apiv1.UnmountVolumeProcedure, h.Mount.UnmountVolume, opts))
	mux.Handle(apiv1.ListMountsProcedure, connect.NewUnaryHandler(apiv1.ListMountsProcedure, h.Mount.ListMounts, opts))

	// Register pprof handlers for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func NewServer(p ServerParams) *Server {
	logger := p.Logger.With("component", "api")

	// Use h2c for HTTP/2 without TLS
	h2cHandler := h2c.NewHandler(NewMux(p.Handlers), &http2.Server{})

	return &Server{
		http: &http.Server{
			Addr:    p.Config.APIAddress,
			Handler: h2cHandler,
		},
		logger: logger,
	}
}

func registerHooks(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", s.http.Addr)
			if err != nil {
				return err
			}
			go func() {
				s.logger.Info("starting api server", "address", ln.Addr().String())
				if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
					s.logger.Error("api server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.logger.Info("stopping api server")
			return s.http.Shutdown(ctx)
		},
	})
}
