package proxy

import (
	"math"
	"time"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
)

// featureDim is the width of the feature vector fed to the learned scorer.
// Changing the layout invalidates any trained model, which is fine because
// models are refit in-process and never persisted across layout changes.
const featureDim = 20

// featureVector encodes a (proxy, request) pair for the learned scorer:
// usage counters and rates, per-target EMA rates, one-hot proxy type,
// one-hot priority and request kind, and a cyclic encoding of the hour so
// midnight sits next to 23:00. Callers hold r.mu.
func featureVector(r *record, reqCtx schemas.RequestContext, now time.Time) []float64 {
	f := make([]float64, featureDim)

	ts := r.targetStatsLocked(reqCtx.Target)

	f[0] = math.Log1p(float64(r.totalRequests)) / 10.0
	f[1] = r.successRateLocked()
	f[2] = r.detectionRateLocked()
	f[3] = r.responseTimes.Mean() / 1000.0
	f[4] = float64(r.consecutiveFailures) / 10.0
	f[5] = r.healthScore
	f[6] = ts.successRate
	f[7] = ts.detectionRate

	switch r.identity.Type {
	case schemas.ProxyResidential:
		f[8] = 1
	case schemas.ProxyDatacenter:
		f[9] = 1
	case schemas.ProxyMobile:
		f[10] = 1
	}

	switch reqCtx.Priority {
	case schemas.PriorityLow:
		f[11] = 1
	case schemas.PriorityMedium:
		f[12] = 1
	case schemas.PriorityHigh:
		f[13] = 1
	case schemas.PriorityCritical:
		f[14] = 1
	}

	switch reqCtx.Kind {
	case schemas.RequestStatusCheck:
		f[15] = 1
	case schemas.RequestBrowse:
		f[16] = 1
	case schemas.RequestPurchase:
		f[17] = 1
	}

	hour := float64(now.Hour())
	f[18] = math.Sin(2 * math.Pi * hour / 24.0)
	f[19] = math.Cos(2 * math.Pi * hour / 24.0)

	return f
}
