package proxy

import (
	"math"
	"sync"
	"time"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/bounded"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
)

// targetStats is the per-target EMA view of one proxy's behavior.
type targetStats struct {
	successRate   float64
	detectionRate float64
	observations  int
}

// record is the mutable state for one configured proxy. Records are created
// at startup and never removed; a proxy that goes bad just stops being a
// candidate. Each record carries its own lock.
type record struct {
	mu sync.Mutex

	identity schemas.ProxyIdentity

	totalRequests    int64
	successRequests  int64
	failedRequests   int64
	detectedRequests int64

	responseTimes *bounded.Window

	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time

	perTarget map[string]*targetStats

	healthScore     float64
	accumulatedCost float64
}

func newRecord(id schemas.ProxyIdentity, cfg config.ProxyConfig) *record {
	return &record{
		identity:      id,
		responseTimes: bounded.NewWindow(cfg.ResponseTimeWindow),
		perTarget:     make(map[string]*targetStats),
		healthScore:   1.0,
	}
}

// successRate returns the overall success ratio, optimistic for a proxy
// that has not been used yet.
func (r *record) successRateLocked() float64 {
	if r.totalRequests == 0 {
		return 1.0
	}
	return float64(r.successRequests) / float64(r.totalRequests)
}

func (r *record) detectionRateLocked() float64 {
	if r.totalRequests == 0 {
		return 0
	}
	return float64(r.detectedRequests) / float64(r.totalRequests)
}

// targetStatsLocked returns the EMA stats for a target, with neutral values
// when the proxy has never served it.
func (r *record) targetStatsLocked(target string) targetStats {
	if ts, ok := r.perTarget[target]; ok {
		return *ts
	}
	return targetStats{successRate: 1.0}
}

// latencyFactorLocked maps average response time onto (0,1]; 0ms gives 1.
func (r *record) latencyFactorLocked() float64 {
	return 1.0 / (1.0 + r.responseTimes.Mean()/1000.0)
}

// recordOutcome folds a probe result into the record and rederives the
// health score.
func (r *record) recordOutcome(cfg config.ProxyConfig, now time.Time, outcome schemas.ProxyOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalRequests++
	if outcome.Success {
		r.successRequests++
		r.consecutiveFailures = 0
		r.lastSuccess = now
	} else {
		r.failedRequests++
		r.consecutiveFailures++
		r.lastFailure = now
	}
	if outcome.Detected {
		r.detectedRequests++
	}
	if outcome.ResponseTimeMs > 0 {
		r.responseTimes.Add(outcome.ResponseTimeMs)
	}
	r.accumulatedCost += r.identity.CostPerRequest

	ts, ok := r.perTarget[outcome.Context.Target]
	if !ok {
		// The EMA starts from the first observation rather than the
		// neutral prior, so one bad probe is visible immediately.
		ts = &targetStats{successRate: boolTo01(outcome.Success), detectionRate: boolTo01(outcome.Detected)}
		r.perTarget[outcome.Context.Target] = ts
	} else {
		alpha := cfg.EMAAlpha
		ts.successRate = (1-alpha)*ts.successRate + alpha*boolTo01(outcome.Success)
		ts.detectionRate = (1-alpha)*ts.detectionRate + alpha*boolTo01(outcome.Detected)
	}
	ts.observations++

	r.recomputeHealthLocked()
}

// penalize counts a failed connectivity probe against the record without
// touching per-target state.
func (r *record) penalize(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRequests++
	r.failedRequests++
	r.consecutiveFailures++
	r.lastFailure = now
	r.recomputeHealthLocked()
}

// recomputeHealthLocked derives the health score from the accumulated
// metrics: success rate, detection rate, a 0.9^n penalty per consecutive
// failure and the latency factor, clamped to [0,1].
func (r *record) recomputeHealthLocked() {
	health := r.successRateLocked() *
		(1 - r.detectionRateLocked()) *
		math.Pow(0.9, float64(r.consecutiveFailures)) *
		r.latencyFactorLocked()
	if health > 1 {
		health = 1
	}
	if health < 0 {
		health = 0
	}
	r.healthScore = health
}

// snapshot exports the record for persistence.
func (r *record) snapshot() schemas.ProxySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	perTarget := make(map[string]schemas.TargetRates, len(r.perTarget))
	for target, ts := range r.perTarget {
		perTarget[target] = schemas.TargetRates{
			SuccessRate:   ts.successRate,
			DetectionRate: ts.detectionRate,
			Observations:  ts.observations,
		}
	}
	return schemas.ProxySnapshot{
		Address:             r.identity.Address,
		Provider:            r.identity.Provider,
		Location:            r.identity.Location,
		Type:                r.identity.Type,
		HealthScore:         r.healthScore,
		TotalRequests:       r.totalRequests,
		SuccessRequests:     r.successRequests,
		FailedRequests:      r.failedRequests,
		DetectedRequests:    r.detectedRequests,
		AvgResponseTimeMs:   r.responseTimes.Mean(),
		ResponseTimeSamples: r.responseTimes.Values(),
		ConsecutiveFailures: r.consecutiveFailures,
		LastSuccess:         r.lastSuccess,
		LastFailure:         r.lastFailure,
		AccumulatedCost:     r.accumulatedCost,
		PerTarget:           perTarget,
	}
}

// restore overwrites the record's metrics from a snapshot, rebuilding the
// bounded response-time window from the raw samples.
func (r *record) restore(snap schemas.ProxySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalRequests = snap.TotalRequests
	r.successRequests = snap.SuccessRequests
	r.failedRequests = snap.FailedRequests
	r.detectedRequests = snap.DetectedRequests
	r.consecutiveFailures = snap.ConsecutiveFailures
	r.lastSuccess = snap.LastSuccess
	r.lastFailure = snap.LastFailure
	r.accumulatedCost = snap.AccumulatedCost
	r.responseTimes.Fill(snap.ResponseTimeSamples)

	r.perTarget = make(map[string]*targetStats, len(snap.PerTarget))
	for target, rates := range snap.PerTarget {
		r.perTarget[target] = &targetStats{
			successRate:   rates.SuccessRate,
			detectionRate: rates.DetectionRate,
			observations:  rates.Observations,
		}
	}
	r.recomputeHealthLocked()
}

func boolTo01(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
