// Command cuebot is the scheduler process: the cluster feed, job fetcher,
// host cache, matcher, and dispatcher wired into one runnable control
// plane, plus the gRPC surface agents report status to.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/metrics"
	"github.com/cuemby/cueflow/pkg/rpc"
	"github.com/cuemby/cueflow/pkg/scheduler"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cuebot",
	Short:   "cuebot - render farm scheduler",
	Version: Version,
	RunE:    run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")
	flags.Int("grpc-port", 8443, "gRPC port this scheduler listens on for agent reports")
	flags.Int("metrics-port", 9091, "prometheus metrics/health port")
	flags.Int("agent-port", 8282, "fixed gRPC port every rqd agent listens on")
	flags.Int("worker-threads", 8, "bounded concurrency across clusters")
	flags.Duration("agent-dial-timeout", 5*time.Second, "timeout dialing a host's agent")
	flags.String("db-host", "localhost", "job database host")
	flags.Int("db-port", 5432, "job database port")
	flags.String("db-name", "cueflow", "job database name")
	flags.String("db-user", "cueflow", "job database user")
	flags.String("db-password", "", "job database password")
	flags.StringSlice("selfish-services", nil, "job-declared services that consume all free cores")
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	grpcPort, _ := flags.GetInt("grpc-port")
	metricsPort, _ := flags.GetInt("metrics-port")
	agentPort, _ := flags.GetInt("agent-port")
	workerThreads, _ := flags.GetInt("worker-threads")
	agentDialTimeout, _ := flags.GetDuration("agent-dial-timeout")
	selfish, _ := flags.GetStringSlice("selfish-services")

	dbCfg := jobdb.DefaultPostgresConfig()
	if v, _ := flags.GetString("db-host"); v != "" {
		dbCfg.Host = v
	}
	if v, _ := flags.GetInt("db-port"); v != 0 {
		dbCfg.Port = v
	}
	if v, _ := flags.GetString("db-name"); v != "" {
		dbCfg.Database = v
	}
	if v, _ := flags.GetString("db-user"); v != "" {
		dbCfg.User = v
	}
	dbCfg.Password, _ = flags.GetString("db-password")

	metrics.SetCriticalComponents("jobdb", "rpc")

	db, err := jobdb.NewPostgresStore(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connect job database: %w", err)
	}
	metrics.RegisterComponent("jobdb", true, "")

	cfg := scheduler.DefaultConfig()
	cfg.WorkerThreads = workerThreads
	cfg.AgentPort = agentPort
	cfg.AgentDialTimeout = agentDialTimeout
	cfg.SelfishServices = selfish

	agents := scheduler.NewAgentDialer(cfg.AgentPort, cfg.AgentDialTimeout)
	sched := scheduler.New(cfg, db, agents)

	server := scheduler.NewServer(db, sched.GlobalHostStore())

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	rpc.RegisterSchedulerServiceServer(grpcServer, server)

	go func() {
		log.Logger.Info().Int("port", grpcPort).Msg("cuebot grpc server listening")
		metrics.RegisterComponent("rpc", true, "")
		if err := grpcServer.Serve(lis); err != nil {
			log.Logger.Error().Err(err).Msg("grpc server exited")
			metrics.UpdateComponent("rpc", false, err.Error())
		}
	}()

	metrics.SetVersion(Version)
	go serveMetrics(metricsPort)

	collector := metrics.NewCollector(sched)
	collector.Start()
	defer collector.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Logger.Error().Err(err).Msg("scheduler run exited")
		}
	}
	grpcServer.GracefulStop()
	return nil
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	addr := fmt.Sprintf(":%d", port)
	log.Logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Error().Err(err).Msg("metrics server exited")
	}
}
