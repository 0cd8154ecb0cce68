package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dbclusterlb/internal/affinity"
	"dbclusterlb/internal/config"
	"dbclusterlb/internal/grpcadmin"
	"dbclusterlb/internal/health"
	"dbclusterlb/internal/metrics"
	"dbclusterlb/internal/mongoproxy"
	"dbclusterlb/internal/rediscluster"
	"dbclusterlb/internal/redisproxy"
	"dbclusterlb/internal/registry"
	"dbclusterlb/internal/selector"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version   = "1.0.0"
	buildTime = "development"
	gitCommit = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "dbclusterlb",
		Short: "Protocol-aware load balancer for MongoDB and Redis Cluster",
		Long: `dbclusterlb - a TCP load balancer fronting MongoDB sharded clusters and
Redis Cluster backends, with:
- Weighted round-robin backend selection
- MongoDB session affinity (SourceAddress / ConnectionFingerprint / Hybrid)
- Redis Cluster slot-aware routing with MOVED/ASK redirection
- Active health checking via protocol-native probes
- Prometheus metrics and a gRPC admin surface`,
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", version, buildTime, gitCommit),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logger)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Fatal("failed to start dbclusterlb")
	}
}

func run(configPath string, logger *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if lvl, lerr := logrus.ParseLevel(cfg.LogLevel); lerr == nil {
		logger.SetLevel(lvl)
	}

	logger.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"commit":     gitCommit,
		"mode":       cfg.Mode,
	}).Info("starting dbclusterlb")

	metrics.Init(cfg.MetricsNamespace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	sel := selector.New()

	var (
		affinityEngine *affinity.Engine
		topology       *rediscluster.Topology
		discoverer     *rediscluster.Discoverer
		healthEngine   *health.Engine
		mongoHandler   *mongoproxy.Handler
		redisHandler   *redisproxy.Handler
	)

	switch cfg.Mode {
	case config.ModeMongoDB:
		for i, addr := range cfg.MongosEndpoints {
			reg.Add(registry.Backend{
				ID:      fmt.Sprintf("mongos-%d", i),
				Address: addr,
				Weight:  1,
			})
		}

		if cfg.SessionAffinityEnabled {
			affinityEngine = affinity.New(affinity.Strategy(cfg.IdentificationStrategy), time.Duration(cfg.SessionTimeoutSec)*time.Second)
			go runAffinitySweeper(ctx, affinityEngine, logger)
		}

		healthEngine = health.New(reg, health.NewMongoChecker(), health.Config{
			Interval:   cfg.Health.Interval(),
			Timeout:    cfg.Health.Timeout(),
			RetryCount: cfg.Health.RetryCount,
			RetryDelay: cfg.Health.RetryDelay(),
		}, logger)

		mongoHandler = mongoproxy.New(
			cfg.ListenAddr, reg, affinityEngine, sel,
			cfg.SessionAffinityEnabled,
			cfg.Health.Timeout(),
			float64(cfg.MaxConnections),
			logger,
		)
		if err := mongoHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start MongoDB proxy: %w", err)
		}

	case config.ModeRedis:
		topology = rediscluster.New()
		for i, addr := range cfg.ClusterEndpoints {
			reg.Add(registry.Backend{
				ID:      fmt.Sprintf("node-%d", i),
				Address: addr,
				Weight:  1,
			})
		}

		discoverer = rediscluster.NewDiscoverer(topology, cfg.ClusterEndpoints, time.Duration(cfg.SlotRefreshIntervalSec)*time.Second, logger)
		go discoverer.Run(ctx)

		healthEngine = health.New(reg, health.NewRedisChecker(cfg.CheckClusterStatus), health.Config{
			Interval:   cfg.Health.Interval(),
			Timeout:    cfg.Health.Timeout(),
			RetryCount: cfg.Health.RetryCount,
			RetryDelay: cfg.Health.RetryDelay(),
		}, logger)

		redirector := rediscluster.NewRedirector(topology, cfg.MaxRedirections, time.Duration(cfg.ConnectionTimeoutMs)*time.Millisecond)

		redisHandler = redisproxy.New(
			cfg.ListenAddr, topology, redirector,
			time.Duration(cfg.ConnectionTimeoutMs)*time.Millisecond,
			float64(cfg.MaxConnections),
			logger,
		)
		if err := redisHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start Redis Cluster proxy: %w", err)
		}

	default:
		return fmt.Errorf("unsupported mode: %s", cfg.Mode)
	}

	go healthEngine.Run(ctx)

	adminService := grpcadmin.NewService(reg, affinityEngine, topology, logger)
	grpcServer := grpcadmin.NewServer(cfg.GRPCAddr, cfg.GRPCPort, adminService, logger)

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.WithError(err).Error("admin gRPC server error")
		}
	}()

	logger.WithFields(logrus.Fields{
		"address": cfg.GRPCAddr,
		"port":    cfg.GRPCPort,
	}).Info("admin gRPC server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metricsMux := http.NewServeMux()

	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsMux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]interface{}{
			"version":        version,
			"mode":           cfg.Mode,
			"backends_total": reg.Count(),
		}
		if mongoHandler != nil {
			stats["handler"] = mongoHandler.GetStats()
		}
		if redisHandler != nil {
			stats["handler"] = redisHandler.GetStats()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			logger.WithError(err).Warn("failed to encode /status response")
		}
	})

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	go func() {
		logger.WithField("addr", cfg.MetricsAddr).Info("starting metrics/health server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server error")
		}
	}()

	logger.Info("dbclusterlb started successfully")

	<-sigChan
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("metrics server shutdown error")
	}

	if err := grpcServer.Stop(); err != nil {
		logger.WithError(err).Error("admin gRPC server shutdown error")
	}

	if mongoHandler != nil {
		if err := mongoHandler.Stop(); err != nil {
			logger.WithError(err).Error("MongoDB proxy shutdown error")
		}
	}
	if redisHandler != nil {
		if err := redisHandler.Stop(); err != nil {
			logger.WithError(err).Error("Redis Cluster proxy shutdown error")
		}
	}

	cancel()

	logger.Info("shutdown complete")
	return nil
}

// runAffinitySweeper periodically evicts expired session bindings so the
// affinity table doesn't grow unbounded across long-running connections.
func runAffinitySweeper(ctx context.Context, engine *affinity.Engine, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := engine.Sweep(time.Now())
			metrics.AddAffinitySwept(removed)
			metrics.SetAffinityBindings(engine.Count())
			if removed > 0 {
				logger.WithField("removed", removed).Debug("affinity sweep removed expired bindings")
			}
		}
	}
}
