package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/klog/v2"

	"github.com/accelkit/npu-dispatch/pkg/config"
	"github.com/accelkit/npu-dispatch/pkg/engine"
	"github.com/accelkit/npu-dispatch/pkg/modelstore"
	"github.com/accelkit/npu-dispatch/pkg/runtime"
	"github.com/accelkit/npu-dispatch/pkg/server"
)

// healthService is the service name orchestrator probes check.
const healthService = "npud"

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg := config.Load()
	klog.Infof("npud %s starting: http=%d grpc=%d engine=%s", cfg.NodeID, cfg.HTTPPort, cfg.GRPCPort, cfg.EngineType)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

	eng, err := buildEngine(cfg)
	if err != nil {
		klog.Fatalf("constructing engine: %v", err)
	}

	rt, err := runtime.Open(eng, runtime.Options{
		QueueCapacity:    cfg.QueueCapacity,
		BuffersPerDevice: cfg.BuffersPerDevice,
	})
	if err != nil {
		klog.Fatalf("starting pipeline: %v", err)
	}

	srv := server.New(rt, cfg.NodeID, cfg.ReceiveTimeout)
	mux := http.NewServeMux()
	srv.Register(mux)
	srv.StartBroadcast(cfg.BroadcastInterval)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}
	go func() {
		klog.Infof("http server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Fatalf("http server failed: %v", err)
		}
	}()

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		klog.Fatalf("listening on grpc port %d: %v", cfg.GRPCPort, err)
	}
	go func() {
		klog.Infof("grpc health server listening on %s", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil {
			klog.Fatalf("grpc server failed: %v", err)
		}
	}()

	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	klog.Infof("shutting down npud")

	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("http shutdown: %v", err)
	}

	srv.Stop()
	if err := rt.Close(); err != nil {
		klog.Errorf("pipeline close: %v", err)
	}
	klog.Infof("npud stopped")
}

// buildEngine resolves the configured model (when one is set) and constructs
// the engine for it. Only the simulated backend ships in this build; device
// backends register here.
func buildEngine(cfg *config.Config) (engine.Engine, error) {
	if cfg.ModelPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		model, err := modelstore.Resolve(ctx, cfg.ModelPath, cfg.ModelCache)
		if err != nil {
			return nil, err
		}
		klog.Infof("model artifact: %s (%d bytes, sha3-256 %s)", model.Path, model.Size, model.Digest)
	}

	if cfg.EngineType != "simulation" {
		klog.Warningf("unknown engine type %q, falling back to simulation", cfg.EngineType)
	}
	return engine.NewSimulated(engine.SimConfig{
		Devices: cfg.SimDevices,
		Delay:   cfg.SimLatency,
	}), nil
}
