package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/signalsfoundry/gridsim/config"
	"github.com/signalsfoundry/gridsim/cosim"
	"github.com/signalsfoundry/gridsim/internal/logging"
	"github.com/signalsfoundry/gridsim/internal/observability"
	"github.com/signalsfoundry/gridsim/simulation"
	"github.com/signalsfoundry/gridsim/topology"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the name reported by the gRPC health service while the
// simulation is stepping.
const healthService = "gridsim.Simulation"

var runFlags struct {
	config      string
	metricsAddr string
	grpcAddr    string
	steps       int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation",
	Long: "Runs the configured network until the step count is reached or the process\n" +
		"is interrupted. SIGINT and SIGTERM stop the run at the next step boundary.",
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.config, "config", "c", "", "run description (.hcl, .yaml or .yml)")
	f.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "override observability.metrics_addr; \"off\" disables /metrics")
	f.StringVar(&runFlags.grpcAddr, "grpc-addr", "", "override observability.grpc_addr for the health service")
	f.IntVar(&runFlags.steps, "steps", 0, "override simulation.steps (0 keeps the configured value)")

	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(runFlags.config)
	if err != nil {
		return err
	}
	if runFlags.metricsAddr != "" {
		cfg.Observability.MetricsAddr = runFlags.metricsAddr
	}
	if runFlags.grpcAddr != "" {
		cfg.Observability.GRPCAddr = runFlags.grpcAddr
	}
	if runFlags.steps > 0 {
		cfg.Simulation.Steps = runFlags.steps
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg, newLogger(cmd), nil)
}

// run builds and runs the configured simulation. When lis is nil the
// health service listens on cfg.Observability.GRPCAddr, if set.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, lis net.Listener) error {
	ctx, log = logging.WithRunLogger(ctx, log)

	tracingCfg := observability.TracingConfigFromEnv()
	if tr := cfg.Observability.Tracing; tr != nil {
		tracingCfg = tracingCfg.ApplyOverrides(tr.Enabled, tr.Exporter, tr.Endpoint, tr.SampleRatio)
	}
	tracingCfg.Attributes = map[string]string{
		"gridsim.simulation": cfg.Simulation.Name,
		"gridsim.domain":     cfg.Simulation.Domain,
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	simMetrics, err := observability.NewSimCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store := topology.New()
	unsubscribe := store.Subscribe(func(ev topology.Event) {
		switch ev.Type {
		case topology.EventNodeAdded:
			log.Debug(ctx, "node added", logging.String("node", ev.Node.ID))
		case topology.EventComponentAdded:
			log.Debug(ctx, "component added",
				logging.Component(ev.Component.Name()),
				logging.Int("terminals", len(ev.Component.Terminals())),
			)
		}
	})
	err = cfg.PopulateTopology(store)
	unsubscribe()
	if err != nil {
		return fmt.Errorf("build topology: %w", err)
	}

	sc, err := cfg.SimulationConfig()
	if err != nil {
		return err
	}
	opts := []simulation.Option{
		simulation.WithLogger(log),
		simulation.WithMetrics(simMetrics),
		simulation.WithSchedulerMetrics(schedMetrics),
	}
	if cfg.CosimEnabled() {
		iface := cosim.New(cfg.CosimConfig(), log)
		if err := cfg.Bind(iface, store); err != nil {
			return fmt.Errorf("interface bindings: %w", err)
		}
		defer func() {
			if err := iface.Close(); err != nil {
				log.Warn(ctx, "closing co-simulation interface", logging.Err(err))
			}
		}()
		opts = append(opts, simulation.WithInterface(iface))
	}
	sim := simulation.New(sc, store.Nodes(), store.Components(), opts...)
	if err := cfg.ScheduleEvents(sim.Events(), store); err != nil {
		return err
	}

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	grpcSrv, err := serveGRPC(ctx, cfg.Observability.GRPCAddr, lis, healthSrv, simMetrics, log)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(cfg.Observability.MetricsAddr, simMetrics, log)
	defer func() {
		healthSrv.Shutdown()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	if err := sim.Initialize(ctx); err != nil {
		return err
	}
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	return sim.Run(ctx)
}

func serveGRPC(ctx context.Context, addr string, lis net.Listener, healthSrv *health.Server, collector *observability.SimCollector, log logging.Logger) (*grpc.Server, error) {
	if lis == nil {
		if addr == "" {
			return nil, nil
		}
		var err error
		lis, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen for gRPC on %s: %w", addr, err)
		}
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(collector.UnaryServerInterceptor()),
	)
	healthpb.RegisterHealthServer(server, healthSrv)

	log.Info(ctx, "starting gRPC health service", logging.String("addr", lis.Addr().String()))
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()
	return server, nil
}

func serveMetrics(addr string, collector *observability.SimCollector, log logging.Logger) *http.Server {
	if addr == "" || addr == "off" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
