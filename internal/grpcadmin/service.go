package grpcadmin

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dbclusterlb/internal/affinity"
	"dbclusterlb/internal/registry"
	"dbclusterlb/internal/rediscluster"
)

// Service implements ModuleService by reading the registry, affinity
// engine, and Redis topology this process owns. Either affinityEngine or
// topology is nil depending on the process's configured mode.
type Service struct {
	reg            *registry.Registry
	affinityEngine *affinity.Engine
	topology       *rediscluster.Topology
	logger         *logrus.Logger
	startTime      time.Time
}

// NewService creates the admin-facing status/stats surface for this
// process. Pass nil for whichever of affinityEngine/topology does not apply
// to the running mode.
func NewService(reg *registry.Registry, affinityEngine *affinity.Engine, topology *rediscluster.Topology, logger *logrus.Logger) *Service {
	return &Service{
		reg:            reg,
		affinityEngine: affinityEngine,
		topology:       topology,
		logger:         logger,
		startTime:      time.Now(),
	}
}

func (s *Service) GetStatus(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{
		"module_type": "dbclusterlb",
		"status":      "healthy",
		"uptime":      time.Since(s.startTime).Seconds(),
		"timestamp":   time.Now().Unix(),
	}, nil
}

func (s *Service) GetStats(ctx context.Context) (map[string]interface{}, error) {
	backends := s.reg.All()
	healthyCount := 0
	for _, b := range backends {
		if b.Healthy {
			healthyCount++
		}
	}

	stats := map[string]interface{}{
		"module_type":      "dbclusterlb",
		"uptime":           time.Since(s.startTime).Seconds(),
		"backends_total":   len(backends),
		"backends_healthy": healthyCount,
	}

	if s.affinityEngine != nil {
		stats["affinity_bindings"] = s.affinityEngine.Count()
	}
	if s.topology != nil {
		stats["known_nodes"] = len(s.topology.KnownNodes())
	}

	s.logger.Debug("GetStats called")
	return stats, nil
}

func (s *Service) HealthCheck(ctx context.Context) (string, error) {
	return "healthy", nil
}
