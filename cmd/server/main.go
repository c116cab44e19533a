package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fallenmoon/supervisor/internal/config"
	"github.com/fallenmoon/supervisor/internal/conn"
	"github.com/fallenmoon/supervisor/internal/install"
	"github.com/fallenmoon/supervisor/internal/logging"
	"github.com/fallenmoon/supervisor/internal/mock"
	"github.com/fallenmoon/supervisor/internal/monitor"
	"github.com/fallenmoon/supervisor/internal/proc"
	"github.com/fallenmoon/supervisor/internal/rcon"
	"github.com/fallenmoon/supervisor/internal/session"
	"github.com/fallenmoon/supervisor/internal/supervisor"
	"github.com/fallenmoon/supervisor/internal/ws"
)

// mockServerName is the installation seeded in --mock mode.
const mockServerName = "demo"

type flags struct {
	configPath string
	port       int
	mock       bool
	logLevel   string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "fallenmoon-supervisor",
		Short: "Supervise game server processes behind a WebSocket control plane",
		Long: `Starts and stops game servers, follows their console logs and polls
tick rate and player counts over RCON for a single control client.

Example:
  fallenmoon-supervisor --config config.yaml
  fallenmoon-supervisor --mock --log-level debug
`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "config.yaml", "Path to config file")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "Override server port")
	cmd.Flags().BoolVar(&f.mock, "mock", false, "Run against an in-process fake game server")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Override logging.level")
	return cmd
}

func run(ctx context.Context, f flags) error {
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if f.port > 0 {
		cfg.Server.Port = f.port
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Supervisor.LockFile != "" {
		lock := flock.New(cfg.Supervisor.LockFile)
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("another supervisor holds %s", cfg.Supervisor.LockFile)
		}
		defer func() { _ = lock.Unlock() }()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewMetrics(promReg)

	registry := session.NewRegistry()
	snapshot := monitor.NewSnapshot()
	dial := conn.RconDialer(
		rcon.WithDialTimeout(cfg.Rcon.DialTimeout),
		rcon.WithIOTimeout(cfg.Rcon.IOTimeout),
		rcon.WithLogger(logger.Named("rcon")),
	)
	persistent := conn.NewManager(registry, dial,
		conn.WithLogger(logger.Named("conn")),
		conn.WithHost(cfg.Rcon.Host),
		conn.WithFailureHook(metrics.RconFailure),
	)

	serversDir := cfg.ServersDir
	var launcher proc.Launcher = &proc.ExecLauncher{
		Command: cfg.Supervisor.LaunchCommand,
		Logger:  logger.Named("proc"),
	}
	if f.mock {
		serversDir = filepath.Join(os.TempDir(), "fallenmoon-mock")
		dir, err := mock.SeedInstall(serversDir, mockServerName, cfg.RconPort(0))
		if err != nil {
			return err
		}
		launcher = &mock.Launcher{LogFile: cfg.Logs.File, Logger: logger.Named("mock")}
		logger.Info("mock mode", zap.String("server", mockServerName), zap.String("path", dir))
	}
	resolver := install.NewResolver(serversDir, cfg.RconPort(0))

	sup := supervisor.New(supervisor.Config{
		LogFile:          cfg.Logs.File,
		LivenessInterval: cfg.Supervisor.LivenessInterval,
		StopGrace:        cfg.Supervisor.StopGrace,
		KillTimeout:      cfg.Supervisor.KillTimeout,
		LogPoll:          cfg.Logs.PollInterval,
		LogRateLimit:     cfg.Logs.RateLimit,
		LogRateWindow:    cfg.Logs.RateWindow,
		RconHost:         cfg.Rcon.Host,
	}, registry, launcher, resolver, persistent, snapshot,
		supervisor.WithLogger(logger.Named("supervisor")),
		supervisor.WithMetrics(metrics),
		supervisor.WithDialer(dial),
	)
	defer sup.Close()

	hub := ws.NewHub(registry, snapshot, logger.Named("ws"), cfg.Control.SendBuffer, cfg.Control.HeartbeatInterval)
	sup.SetNotifier(hub)

	rotator := monitor.NewRotator(registry, persistent, snapshot,
		monitor.NewSystemSampler(cfg.Monitor.CPUSample), hub,
		monitor.WithInterval(cfg.Monitor.TickInterval),
		monitor.WithLogger(logger.Named("monitor")),
		monitor.WithMetrics(metrics),
	)

	opts := []ws.Option{
		ws.WithLogger(logger.Named("ws")),
		ws.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		ws.WithHealth(rotator.Health),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, ws.WithMetricsHandler(cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	}
	server := ws.NewServer(hub, sup, registry, opts...)

	go sup.Run(ctx)
	go rotator.Run(ctx)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	err = ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, mux, logger)
	persistent.Invalidate()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutting down", zap.Int("sessions", registry.Len()))
	return nil
}
