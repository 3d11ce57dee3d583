// ============================================================================
// Beaver-Sched CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running nodes and administering plans
//
// Command Structure:
//   beaver-sched                         # Root command
//   ├── run                              # Start a broker or worker node
//   │   ├── --mode broker|worker
//   │   └── --port                      # Override node.port / agent.port
//   ├── plan
//   │   ├── apply -f plan.yaml [--id N]  # Create a plan or publish a new version
//   │   ├── trigger <planId>             # Fire the current version via a broker
//   │   ├── trigger-job <pi> <jobId>     # Start a node that waits for an API trigger
//   │   ├── enable <planId>
//   │   └── disable <planId>
//   ├── status                           # Instance counts and alive brokers
//   ├── --config, -c                     # Config file (default configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load and validate config
//   2. Build the zap logger (stdout and/or lumberjack rotated file)
//   3. Start the controller (broker) or the agent (worker)
//   4. Serve /metrics when enabled
//   5. Wait for SIGINT / SIGTERM, then shut down within shutdownTimeout
//
//   Examples:
//     ./beaver-sched run --mode broker
//     ./beaver-sched run --mode worker --port 7081 -c worker.yaml
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/beaver-sched/internal/agent"
	"github.com/ChuLiYu/beaver-sched/internal/config"
	"github.com/ChuLiYu/beaver-sched/internal/controller"
	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/metrics"
	"github.com/ChuLiYu/beaver-sched/internal/registry"
	"github.com/ChuLiYu/beaver-sched/internal/rpc"
	"github.com/ChuLiYu/beaver-sched/internal/store"
)

const shutdownTimeout = 30 * time.Second

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-sched",
		Short: "Beaver-Sched: a distributed workflow scheduler",
		Long: `Beaver-Sched runs plans (single jobs or DAG workflows) across a cluster of
equal broker nodes:
- slot-partitioned plan ownership, no central coordinator
- CAS-guarded lifecycle in a shared database
- push dispatch to remote workers over gRPC
- health checks that repair work stranded by crashes`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var mode string
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a broker or worker node",
		Long:  "Start the scheduler in broker mode (plan scheduling and dispatch) or worker mode (task execution)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(cmd.Context(), mode, port)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "broker", "node mode: broker, worker")
	cmd.Flags().IntVar(&port, "port", 0, "gRPC port, overrides node.port (broker) or agent.port (worker)")

	return cmd
}

func runSystem(ctx context.Context, mode string, port int) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port > 0 {
		if mode == "worker" {
			cfg.Agent.Port = port
		} else {
			cfg.Node.Port = port
		}
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting beaver-sched", zap.String("mode", mode), zap.String("config", configFile))
	switch mode {
	case "broker":
		return runBroker(ctx, cfg, logger)
	case "worker":
		return runWorker(ctx, cfg, logger)
	default:
		return fmt.Errorf("unknown mode %q (want broker or worker)", mode)
	}
}

func runBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctrl, err := controller.NewController(ctx, cfg, controller.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		ctrl.Stop(context.Background())
		return fmt.Errorf("failed to start controller: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, cfg, logger)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal, stopping gracefully")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		ctrl.Stop(stopCtx)
		return nil
	})
	return g.Wait()
}

func runWorker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rdb, err := registry.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer rdb.Close()

	reporter := rpc.NewClient("")
	defer reporter.Close()

	ag := agent.New(agent.Options{
		Config:   cfg.Agent,
		Registry: registry.New(rdb, cfg.Redis, nil, logger),
		Reporter: reporter,
		Logger:   logger,
	})

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Agent.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Agent.Port, err)
	}
	srv := grpc.NewServer()
	rpc.RegisterWorkerServer(srv, ag)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	if err := ag.Start(ctx); err != nil {
		_ = lis.Close()
		return fmt.Errorf("failed to start agent: %w", err)
	}
	hs.SetServingStatus(rpc.WorkerServiceName, healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(lis)
	})
	serveMetrics(gctx, g, cfg, logger)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal, stopping gracefully")
		hs.Shutdown()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		ag.Stop(stopCtx)
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}

func serveMetrics(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *zap.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	g.Go(func() error {
		logger.Info("starting metrics server", zap.String("addr", cfg.Metrics.Addr))
		if err := metrics.Serve(ctx, cfg.Metrics.Addr, prometheus.DefaultGatherer); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cluster status",
		Long:  "Display instance counts by status and the alive broker set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd)
		},
	}
	return cmd
}

func showStatus(cmd *cobra.Command) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()

	repo, closeDB, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := repo.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	fmt.Fprintln(out, "Beaver-Sched Status")
	fmt.Fprintf(out, "  config:   %s\n", configFile)
	fmt.Fprintf(out, "  database: %s\n", cfg.Database.Driver)
	printCounts(cmd, "plan instances", stats.PlanInstances)
	printCounts(cmd, "job instances", stats.JobInstances)
	printCounts(cmd, "tasks", stats.Tasks)

	rdb, err := registry.NewClient(ctx, cfg.Redis)
	if err != nil {
		fmt.Fprintf(out, "brokers: unavailable (%v)\n", err)
		return nil
	}
	defer rdb.Close()
	brokers, err := registry.New(rdb, cfg.Redis, nil, nil).AliveBrokers(ctx)
	if err != nil {
		fmt.Fprintf(out, "brokers: unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "brokers: %d alive\n", len(brokers))
	for _, b := range brokers {
		fmt.Fprintf(out, "  └─ %s\n", b)
	}
	return nil
}

func printCounts(cmd *cobra.Command, title string, rows []store.StatusCount) {
	out := cmd.OutOrStdout()
	var total int64
	for _, r := range rows {
		total += r.Count
	}
	fmt.Fprintf(out, "%s: %d\n", title, total)
	for _, r := range rows {
		fmt.Fprintf(out, "  ├─ %-16s %d\n", r.Status, r.Count)
	}
}

// openRepository opens the configured database for one-shot admin commands.
func openRepository(cfg *config.Config) (store.Repository, func(), error) {
	db, err := store.Open(cfg.Database, zap.NewNop())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store.NewGormStore(db, nil), func() { _ = store.Close(db) }, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
