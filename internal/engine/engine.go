package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/detection"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/proxy"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/scheduler"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/worker"
)

// Engine is the adaptive core the session driver talks to. It owns the
// detection/response engine, the proxy selector, the scheduler and the
// coordinator, and wires the feedback between them. One Engine is
// constructed at process start and passed to every task that needs it.
type Engine struct {
	cfg *config.Config
	log *zap.Logger

	detection   *detection.Engine
	proxies     *proxy.Selector
	scheduler   *scheduler.Scheduler
	coordinator *scheduler.Coordinator

	snapshotter schemas.Snapshotter
}

// Engine implements the collaborator contract.
var _ schemas.Core = (*Engine)(nil)

// New wires the core from configuration. snapshotter may be nil, which
// disables periodic persistence.
func New(cfg *config.Config, logger *zap.Logger, snapshotter schemas.Snapshotter) *Engine {
	return &Engine{
		cfg:         cfg,
		log:         logger.With(zap.String("component", "engine")),
		detection:   detection.NewEngine(cfg, logger),
		proxies:     proxy.NewSelector(cfg, logger),
		scheduler:   scheduler.New(cfg, logger),
		coordinator: scheduler.NewCoordinator(cfg, logger),
		snapshotter: snapshotter,
	}
}

// ReportDetection classifies a raw signal and returns the mitigations to
// apply. A response that rotates the proxy also drops the session's sticky
// binding so the next GetProxy rebinds.
func (e *Engine) ReportDetection(target string, obs schemas.Observation, sess schemas.SessionContext) schemas.AdaptiveResponse {
	_, resp := e.detection.HandleDetection(target, obs, sess)

	if sess.SessionID != "" {
		for _, s := range resp.Strategies {
			if s == schemas.StrategyChangeProxy || s == schemas.StrategyFullReset {
				e.proxies.ReleaseSession(sess.SessionID)
				break
			}
		}
	}
	return resp
}

// ReportStrategyOutcome closes the mitigation feedback loop.
func (e *Engine) ReportStrategyOutcome(target string, detType schemas.DetectionType, strategies []schemas.ResponseStrategy, success bool) {
	e.detection.RecordOutcome(target, detType, strategies, success)
}

// ReportCheckResult feeds a probe result into the scheduler's pattern
// learning. Any positive signal counts as a drop and opens burst mode.
func (e *Engine) ReportCheckResult(target string, success bool, positiveSignals int, responseTimeMs float64) {
	e.scheduler.RecordCheck(target, success && positiveSignals > 0)
}

// GetProxy selects an egress proxy for the request.
func (e *Engine) GetProxy(reqCtx schemas.RequestContext, stickySessionID string) (schemas.ProxyIdentity, error) {
	return e.proxies.Select(reqCtx, stickySessionID)
}

// ReportProxyOutcome feeds a probe result into the proxy metrics and the
// training set.
func (e *Engine) ReportProxyOutcome(outcome schemas.ProxyOutcome) {
	e.proxies.RecordOutcome(outcome)
}

// ShouldCheckNow reports whether the target is due for a probe.
func (e *Engine) ShouldCheckNow(target string, lastCheck time.Time) bool {
	return e.scheduler.ShouldCheckNow(target, lastCheck)
}

// NextInterval returns the wait before the target's next probe.
func (e *Engine) NextInterval(target string, priority schemas.Priority) time.Duration {
	return e.scheduler.NextInterval(target, priority)
}

// Coordinator exposes the multi-identity admission gate.
func (e *Engine) Coordinator() *scheduler.Coordinator { return e.coordinator }

// RiskScore exposes the target's current decayed risk, for the status
// display and tests.
func (e *Engine) RiskScore(target string) float64 { return e.detection.RiskScore(target) }

// Activity exposes the target's derived activity level.
func (e *Engine) Activity(target string) schemas.ActivityLevel { return e.scheduler.Activity(target) }

// SetProber installs the connectivity probe used by the health-check loop.
func (e *Engine) SetProber(p proxy.Prober) { e.proxies.SetProber(p) }

// Snapshot exports the full persistable state.
func (e *Engine) Snapshot() schemas.Snapshot {
	return schemas.Snapshot{
		ID:       uuid.NewString(),
		TakenAt:  time.Now().UTC(),
		Patterns: e.scheduler.Snapshot(),
		Proxies:  e.proxies.Snapshot(),
	}
}

// Restore rebuilds scheduler and proxy state from a snapshot. Detection
// state is intentionally not persisted; risk decays to irrelevance faster
// than a restart cycle.
func (e *Engine) Restore(snap schemas.Snapshot) {
	e.scheduler.Restore(snap.Patterns)
	e.proxies.Restore(snap.Proxies)
	e.log.Info("State restored from snapshot",
		zap.String("snapshot_id", snap.ID),
		zap.Int("patterns", len(snap.Patterns)),
		zap.Int("proxies", len(snap.Proxies)),
	)
}

// RegisterLoops attaches the engine's maintenance jobs to the supervisor.
func (e *Engine) RegisterLoops(sup *worker.Supervisor) {
	sup.Add(worker.Loop{
		Name:     "proxy-health",
		Interval: e.cfg.Proxy.HealthCheckInterval,
		Run:      e.proxies.HealthCheck,
	})
	sup.Add(worker.Loop{
		Name:     "retrain",
		Interval: e.cfg.Proxy.RetrainInterval,
		Run:      func(context.Context) { e.proxies.Train() },
	})
	sup.Add(worker.Loop{
		Name:     "pattern-analysis",
		Interval: e.cfg.Response.PatternInterval,
		Run: func(context.Context) {
			e.detection.AnalyzePatterns()
			e.scheduler.AnalyzePatterns()
		},
	})
	if e.snapshotter != nil {
		sup.Add(worker.Loop{
			Name:     "snapshot",
			Interval: e.cfg.Snapshot.Interval,
			Run: func(ctx context.Context) {
				if err := e.snapshotter.Save(ctx, e.Snapshot()); err != nil {
					e.log.Warn("Periodic snapshot failed", zap.Error(err))
				}
			},
		})
	}
}
