package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/relationaldba/provisiond/internal/logging"
	"github.com/relationaldba/provisiond/internal/metrics"
	"github.com/relationaldba/provisiond/internal/queue"
)

const shutdownTimeout = 10 * time.Second

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queued deploy and destroy workflows",
	Long: `Receives tasks from the configured queue and runs up to
worker.concurrency workflows at once, one per deployment.

Prometheus metrics are served on worker.metrics_addr at /metrics and the
gRPC health service on worker.health_addr. On SIGINT or SIGTERM the worker
stops receiving, cancels running workflows and waits for them to return.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// 1. Initialize Components
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	a.orch.WithRecorder(m)

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	locker, err := openLocker(ctx, cfg)
	if err != nil {
		return err
	}

	// 2. Serve metrics and health
	metricsSrv, err := serveMetrics(cfg.Worker.MetricsAddr, m)
	if err != nil {
		return err
	}
	defer shutdownHTTP(metricsSrv)

	healthSrv, grpcSrv, err := serveHealth(cfg.Worker.HealthAddr)
	if err != nil {
		return err
	}
	defer grpcSrv.GracefulStop()
	defer healthSrv.Shutdown()

	// 3. Dispatch until stopped
	d := &queue.Dispatcher{
		Queue:          q,
		Locker:         locker,
		Runner:         a.orch,
		Concurrency:    cfg.Worker.Concurrency,
		DefaultVPCCIDR: cfg.Synth.VPCCIDR,
	}
	logging.Info("worker started",
		"queue", cfg.Queue.Backend,
		"lock", cfg.Lock.Backend,
		"metrics_addr", cfg.Worker.MetricsAddr,
		"health_addr", cfg.Worker.HealthAddr)
	if err := d.Run(ctx); err != nil {
		return err
	}
	logging.Info("worker stopped")
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", "error", err)
		}
	}()
	return srv, nil
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("metrics server shutdown", "error", err)
	}
}

func serveHealth(addr string) (*health.Server, *grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logging.Error("health server failed", "error", err)
		}
	}()
	return healthSrv, grpcSrv, nil
}
