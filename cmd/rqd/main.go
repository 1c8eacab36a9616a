// Command rqd is the execution agent process: one instance per render
// host, owning local resource reservation, frame process lifecycle, and
// periodic status reporting to the scheduler.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/metrics"
	"github.com/cuemby/cueflow/pkg/rpc"
	"github.com/cuemby/cueflow/pkg/rqd"
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
	Use:     "rqd",
	Short:   "rqd - render execution agent",
	Version: Version,
	RunE:    run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")
	flags.Int("port", 8282, "gRPC port this agent listens on (rqd_port)")
	flags.Int("metrics-port", 9090, "prometheus metrics/health port")
	flags.StringSlice("cuebot-endpoints", []string{"localhost:8443"}, "scheduler gRPC endpoints")
	flags.Duration("connection-expires-after", 0, "reconnect to a freshly drawn endpoint after this long (0 disables)")
	flags.Duration("monitor-interval", 5*time.Second, "machine monitor/report loop interval")
	flags.Duration("kill-monitor-interval", 1*time.Second, "kill watchdog tick interval")
	flags.Duration("kill-monitor-timeout", 30*time.Second, "grace period before a force kill escalation")
	flags.Bool("force-kill-after-timeout", true, "escalate to a force kill once kill_monitor_timeout elapses")
	flags.Bool("nimby-mode", false, "enable workstation-idle lock (NIMBY)")
	flags.Duration("nimby-idle-threshold", 10*time.Minute, "idle time before NIMBY engages")
	flags.Float64("memory-oom-margin-percentage", 90, "memory_usage_percent threshold that triggers OOM eviction")
	flags.String("facility", "local", "facility name reported in RenderHost")
	flags.String("snapshots-path", "/var/lib/rqd/snapshots", "running-frame snapshot directory")
	flags.String("temp-path", "/tmp/rqd", "entrypoint/exit-file scratch directory")
	flags.String("log-dir", "/var/log/rqd", "per-frame .rqlog directory")
	flags.Bool("run-on-docker", false, "run frames as containerd containers instead of bare processes")
	flags.Bool("desktop-mode", false, "nice frame processes (desktop workstation policy)")
	flags.Bool("create-user-per-frame", false, "useradd a dedicated account per frame")
	flags.Int32("core-multiplier", 100, "DB core-multiplier this agent's RunFrame requests are scaled by")
	flags.String("hostname", "", "hostname reported to the scheduler (defaults to the OS hostname)")
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	port, _ := flags.GetInt("port")
	metricsPort, _ := flags.GetInt("metrics-port")
	endpoints, _ := flags.GetStringSlice("cuebot-endpoints")
	connExpires, _ := flags.GetDuration("connection-expires-after")
	monitorInterval, _ := flags.GetDuration("monitor-interval")
	killInterval, _ := flags.GetDuration("kill-monitor-interval")
	killTimeout, _ := flags.GetDuration("kill-monitor-timeout")
	forceKill, _ := flags.GetBool("force-kill-after-timeout")
	nimbyMode, _ := flags.GetBool("nimby-mode")
	nimbyThreshold, _ := flags.GetDuration("nimby-idle-threshold")
	oomMargin, _ := flags.GetFloat64("memory-oom-margin-percentage")
	facility, _ := flags.GetString("facility")
	snapshotsPath, _ := flags.GetString("snapshots-path")
	tempPath, _ := flags.GetString("temp-path")
	logDir, _ := flags.GetString("log-dir")
	runOnDocker, _ := flags.GetBool("run-on-docker")
	desktopMode, _ := flags.GetBool("desktop-mode")
	createUserPerFrame, _ := flags.GetBool("create-user-per-frame")
	coreMultiplier, _ := flags.GetInt32("core-multiplier")
	hostname, _ := flags.GetString("hostname")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	for _, dir := range []string{snapshotsPath, tempPath, logDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	topo, err := rqd.CPUTopology(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("cpu topology probe degraded, falling back to single-socket view")
	}
	cores := rqd.NewCoreReservoir(topo)
	gpus := rqd.NewGPUReservoir(0, 0)

	var runner rqd.ProcessRunner
	if runOnDocker {
		cr, err := rqd.NewContainerRunner(rqd.ContainerRunnerConfig{
			DefaultImage: "opencue/rqd-runtime:latest",
		})
		if err != nil {
			return fmt.Errorf("container runner: %w", err)
		}
		runner = cr
	} else {
		runner = rqd.NewShellRunner(rqd.ShellRunnerConfig{
			EntrypointDir: tempPath,
			ExitFileDir:   tempPath,
			LogDir:        logDir,
			DesktopMode:   desktopMode,
		})
	}

	nimby := &rqd.Nimby{}
	var nimbyWatcher *rqd.NimbyWatcher
	if nimbyMode {
		nimbyWatcher = rqd.NewNimbyWatcher(nimby, nimbyThreshold, 5*time.Second, nil)
		nimbyWatcher.Start()
		defer nimbyWatcher.Stop()
	}

	var hwMu sync.Mutex
	hw := rqd.HardwareUp
	getHW := func() rqd.HardwareState {
		hwMu.Lock()
		defer hwMu.Unlock()
		return hw
	}
	setHW := func(s rqd.HardwareState) {
		hwMu.Lock()
		defer hwMu.Unlock()
		hw = s
	}

	manager := rqd.NewFrameManager(rqd.Config{
		CoreMultiplier:     coreMultiplier,
		CreateUserPerFrame: createUserPerFrame,
		SnapshotDir:        snapshotsPath,
	}, cores, gpus, runner, rqd.OSUserCreator{}, nimby, getHW)

	if err := rqd.RecoverSnapshots(snapshotsPath, cores, gpus, manager, rqd.IsAlive); err != nil {
		log.Logger.Warn().Err(err).Msg("snapshot recovery failed")
	}

	metrics.SetCriticalComponents("cuebot-conn", "rpc")

	pool, err := rpc.NewEndpointPool(rpc.PoolConfig{
		Endpoints:              endpoints,
		ConnectionExpiresAfter: connExpires,
	})
	if err != nil {
		return fmt.Errorf("endpoint pool: %w", err)
	}
	conn, err := pool.Conn(ctx)
	if err != nil {
		return fmt.Errorf("dial cuebot: %w", err)
	}
	metrics.RegisterComponent("cuebot-conn", true, "")
	reporting := rpc.NewReportingClient(rpc.NewSchedulerServiceClient(conn), rpc.DefaultRetryConfig())

	monitor := rqd.NewMonitor(rqd.MonitorConfig{
		MonitorInterval:       monitorInterval,
		TempPath:              tempPath,
		Hostname:              hostname,
		Facility:              facility,
		NimbyMode:             nimbyMode,
		MemoryOOMMargin:       oomMargin,
		KillMonitorInterval:   killInterval,
		KillMonitorTimeout:    killTimeout,
		ForceKillAfterTimeout: forceKill,
		SnapshotDir:           snapshotsPath,
	}, manager, cores, gpus, runner, reporting, nimby, topo)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	rpc.RegisterAgentServiceServer(grpcServer, rqd.NewServer(manager, monitor, getHW, setHW))

	go func() {
		log.Logger.Info().Int("port", port).Msg("rqd grpc server listening")
		metrics.RegisterComponent("rpc", true, "")
		if err := grpcServer.Serve(lis); err != nil {
			log.Logger.Error().Err(err).Msg("grpc server exited")
			metrics.UpdateComponent("rpc", false, err.Error())
		}
	}()

	metrics.SetVersion(Version)
	go serveMetrics(metricsPort)

	errCh := make(chan error, 1)
	go func() { errCh <- monitor.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Logger.Error().Err(err).Msg("monitor loop exited")
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
