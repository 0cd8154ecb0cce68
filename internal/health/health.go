// Package health runs a scheduled probe per backend and transitions its
// healthy flag in the shared registry, modeled on the hysteresis-style
// health checker in the ingress proxy sibling of this module's teacher, and
// on the per-backend probe loop in its MongoDB and Redis Cluster handlers.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dbclusterlb/internal/metrics"
	"dbclusterlb/internal/registry"
)

// Outcome distinguishes a timeout from an ordinary probe failure for
// operator-facing reporting, even though both are unhealthy for routing
// purposes.
type Outcome int

const (
	OutcomeHealthy Outcome = iota
	OutcomeUnhealthy
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "healthy"
	case OutcomeUnhealthy:
		return "unhealthy"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Checker probes a single backend address and reports an outcome plus an
// optional human-readable reason. Implementations must respect ctx
// cancellation/deadline and must not leave sockets open past return.
type Checker interface {
	Check(ctx context.Context, b registry.Backend) (Outcome, string)
}

// Config mirrors the configuration enumerated in SPEC_FULL.md §6.
type Config struct {
	Interval   time.Duration
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// Engine runs the scheduled probe loop for every backend in a registry.
type Engine struct {
	reg     *registry.Registry
	checker Checker
	cfg     Config
	logger  *logrus.Logger

	mu       sync.Mutex
	statuses map[string]Outcome
}

// New creates a health engine bound to reg, probing with checker on cfg's
// schedule.
func New(reg *registry.Registry, checker Checker, cfg Config, logger *logrus.Logger) *Engine {
	return &Engine{
		reg:      reg,
		checker:  checker,
		cfg:      cfg,
		logger:   logger,
		statuses: make(map[string]Outcome),
	}
}

// Run blocks, issuing one round of probes per tick, until ctx is cancelled.
// Backends within a round are probed concurrently — the engine must not
// serialize the whole set, since one slow backend would starve the others.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.reg.MarkBootstrapped()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("health engine stopping")
			return
		case <-ticker.C:
			e.runRound(ctx)
		}
	}
}

func (e *Engine) runRound(ctx context.Context) {
	backends := e.reg.All()
	var wg sync.WaitGroup
	for _, b := range backends {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.probeWithRetry(ctx, b)
		}()
	}
	wg.Wait()
}

func (e *Engine) probeWithRetry(ctx context.Context, b registry.Backend) {
	var outcome Outcome
	var reason string

	attempts := 1 + e.cfg.RetryCount
	for i := 0; i < attempts; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		outcome, reason = e.checker.Check(probeCtx, b)
		cancel()

		if outcome == OutcomeHealthy {
			break
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.RetryDelay):
			}
		}
	}

	healthy := outcome == OutcomeHealthy
	e.reg.UpdateHealth(b.ID, healthy, time.Now())

	e.mu.Lock()
	e.statuses[b.ID] = outcome
	e.mu.Unlock()

	metrics.SetBackendHealthy(b.ID, healthy)
	metrics.IncProbeOutcome(b.ID, outcome.String())

	fields := logrus.Fields{
		"backend": b.ID,
		"address": b.Address,
		"outcome": outcome.String(),
	}
	if reason != "" {
		fields["reason"] = reason
	}
	if healthy {
		e.logger.WithFields(fields).Debug("backend probe succeeded")
	} else {
		e.logger.WithFields(fields).Warn("backend probe failed")
	}
}

// LastOutcome reports the most recent probe outcome recorded for id, which
// keeps a timeout distinct from a plain failure.
func (e *Engine) LastOutcome(id string) (Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.statuses[id]
	return o, ok
}
