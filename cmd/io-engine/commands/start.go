package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/io-engine/io-engine/internal/cli/health"
	"github.com/io-engine/io-engine/internal/cli/timeutil"
	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/internal/profiling"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/config"
	"github.com/io-engine/io-engine/pkg/faultinject"
	"github.com/io-engine/io-engine/pkg/nvmf/target"
	"github.com/io-engine/io-engine/pkg/persist"
	"github.com/io-engine/io-engine/pkg/persist/postgres"
	"github.com/io-engine/io-engine/pkg/stats"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Boot the reactor pool, the NVMe-oF target, and the debug HTTP surface",
	Long: `start loads the process configuration, boots the NVMe-oF target and its
listeners, and (when enabled) the debug metrics/health HTTP surface and
continuous profiling, then blocks until SIGINT/SIGTERM.

It does not create any pool, replica, or nexus: those are runtime state
created through the admin API, not static configuration this command reads.

Examples:
  io-engine start
  io-engine start --config /etc/io-engine/config.yaml`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	startedAt := time.Now()

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("configuration loaded", "source", configSource(GetConfigFile()))

	profilingShutdown, err := profiling.Init(profiling.Config{
		Enabled:        cfg.Profiling.Enabled,
		ServiceName:    "io-engine",
		ServiceVersion: Version,
		Endpoint:       cfg.Profiling.Endpoint,
		ReactorCores:   cfg.Reactor.Cores,
		ProfileTypes:   cfg.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()
	if profiling.Enabled() {
		logger.Info("profiling enabled", "endpoint", cfg.Profiling.Endpoint, "profile_types", cfg.Profiling.ProfileTypes)
	} else {
		logger.Info("profiling disabled")
	}

	_, closeStore, err := openPersistStore(cfg.Persist)
	if err != nil {
		return fmt.Errorf("failed to open persistent store: %w", err)
	}
	defer closeStore()
	logger.Info("persistent store opened", "backend", cfg.Persist.Backend)

	faultRegistry := faultinject.NewRegistry(cfg.FaultInjection.Enabled)
	logger.Info("fault injection", "enabled", faultRegistry.Enabled())

	registry := bdev.Global()

	nvmfTarget := target.New(cfg.Nvmf, registry)
	if err := nvmfTarget.Start(ctx, cfg.Reactor.Cores); err != nil {
		return fmt.Errorf("failed to start nvmf target: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := nvmfTarget.Shutdown(shutdownCtx); err != nil {
			logger.Error("nvmf target shutdown error", "error", err)
		}
	}()
	logger.Info("nvmf target listening", "nexus_addr", nvmfTarget.NexusAddr(), "replica_addr", nvmfTarget.ReplicaAddr())

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Metrics.Address, startedAt)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", "error", err)
			}
		}()
		logger.Info("debug metrics/health surface listening", "address", cfg.Metrics.Address)
	} else {
		logger.Info("debug metrics/health surface disabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("io-engine is running, press Ctrl+C to stop")
	<-sigChan
	signal.Stop(sigChan)
	logger.Info("shutdown signal received, initiating graceful shutdown")
	cancel()

	return nil
}

// openPersistStore opens the persistent-store collaborator named by
// cfg.Backend, returning a close func that is a no-op for backends with
// nothing to release.
func openPersistStore(cfg config.PersistConfig) (persist.Store, func(), error) {
	switch cfg.Backend {
	case config.PersistBackendMemory:
		return persist.NewMemoryStore(), func() {}, nil

	case config.PersistBackendBadger:
		store, err := persist.NewBadgerStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case config.PersistBackendPostgres:
		store, err := postgres.New(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown persist backend %q", cfg.Backend)
	}
}

// startMetricsServer binds the debug HTTP surface: /healthz and a
// Prometheus /metrics handler. The stats.Metrics collectors it registers
// are not handed to any pool, replica or nexus, so nothing calls Observe
// on them and they stay at zero.
func startMetricsServer(addr string, startedAt time.Time) *http.Server {
	reg := prometheus.NewRegistry()
	stats.NewMetrics(reg)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		uptime := time.Since(startedAt)

		resp := health.Response{
			Status:    "ok",
			Timestamp: time.Now().Format(time.RFC3339),
		}
		resp.Data.Service = "io-engine"
		resp.Data.StartedAt = startedAt.Format(time.RFC3339)
		resp.Data.Uptime = timeutil.FormatUptime(uptime.String())
		resp.Data.UptimeSec = int64(uptime.Seconds())

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}
