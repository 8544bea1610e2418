package proxy

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/bounded"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
)

// ErrNoProxyAvailable is returned when the candidate pool is empty. Callers
// treat it as "retry later", never as a crash.
var ErrNoProxyAvailable = errors.New("proxy: no healthy proxy available")

// Prober performs a lightweight connectivity check against one proxy. The
// network side lives with the session driver; the selector only interprets
// the result. A nil prober disables active health checking.
type Prober func(ctx context.Context, id schemas.ProxyIdentity) error

// Selector scores and ranks the proxy pool per request, learns from
// recorded outcomes and maintains sticky session bindings. All methods are
// safe for concurrent use.
type Selector struct {
	cfg    config.ProxyConfig
	log    *zap.Logger
	now    func() time.Time
	prober Prober

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	records map[string]*record
	order   []string
	sticky  map[string]string

	scorer *LogisticScorer

	trainMu  sync.Mutex
	training *bounded.Ring[trainingSample]
}

// NewSelector builds the selector over the configured pool.
func NewSelector(cfg *config.Config, logger *zap.Logger) *Selector {
	s := &Selector{
		cfg:      cfg.Proxy,
		log:      logger.With(zap.String("component", "proxy_selector")),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		records:  make(map[string]*record, len(cfg.Proxy.Pool)),
		sticky:   make(map[string]string),
		scorer:   NewLogisticScorer(),
		training: bounded.NewRing[trainingSample](cfg.Proxy.TrainingCapacity),
	}
	for _, id := range cfg.Proxy.Pool {
		key := id.Key()
		s.records[key] = newRecord(id, cfg.Proxy)
		s.order = append(s.order, key)
	}
	return s
}

// SetProber installs the connectivity probe used by HealthCheck.
func (s *Selector) SetProber(p Prober) { s.prober = p }

// scored pairs a record with its computed rank.
type scored struct {
	key   string
	rec   *record
	score float64
}

// Select returns the best proxy for the request, or ErrNoProxyAvailable
// when the pool has no healthy candidate. A sticky session that is still
// bound to a healthy proxy short-circuits scoring entirely.
func (s *Selector) Select(reqCtx schemas.RequestContext, stickySessionID string) (schemas.ProxyIdentity, error) {
	now := s.now()

	if stickySessionID != "" {
		if id, ok := s.stickyCandidate(stickySessionID, reqCtx, now); ok {
			return id, nil
		}
	}

	candidates := s.rankCandidates(reqCtx, now)
	if len(candidates) == 0 {
		s.log.Warn("No proxy candidates available",
			zap.String("target", reqCtx.Target),
			zap.String("priority", string(reqCtx.Priority)),
		)
		return schemas.ProxyIdentity{}, ErrNoProxyAvailable
	}

	pick := s.weightedPick(candidates)

	if stickySessionID != "" {
		s.mu.Lock()
		s.sticky[stickySessionID] = pick.key
		s.mu.Unlock()
	}

	pick.rec.mu.Lock()
	identity := pick.rec.identity
	pick.rec.mu.Unlock()
	return identity, nil
}

// stickyCandidate resolves an existing binding if the bound proxy is still
// a viable candidate for the request.
func (s *Selector) stickyCandidate(sessionID string, reqCtx schemas.RequestContext, now time.Time) (schemas.ProxyIdentity, bool) {
	s.mu.Lock()
	key, bound := s.sticky[sessionID]
	rec := s.records[key]
	s.mu.Unlock()
	if !bound || rec == nil {
		return schemas.ProxyIdentity{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !s.isCandidateLocked(rec, reqCtx, now) {
		return schemas.ProxyIdentity{}, false
	}
	return rec.identity, true
}

// ReleaseSession drops a sticky binding, forcing a fresh selection on the
// session's next request. The response engine calls this when it proposes
// a proxy change.
func (s *Selector) ReleaseSession(sessionID string) {
	s.mu.Lock()
	delete(s.sticky, sessionID)
	s.mu.Unlock()
}

// rankCandidates filters and scores the pool, best first.
func (s *Selector) rankCandidates(reqCtx schemas.RequestContext, now time.Time) []scored {
	s.mu.Lock()
	keys := append([]string(nil), s.order...)
	s.mu.Unlock()

	useScorer := s.scorer.Ready()

	var out []scored
	for _, key := range keys {
		s.mu.Lock()
		rec := s.records[key]
		s.mu.Unlock()
		if rec == nil {
			continue
		}

		rec.mu.Lock()
		if !s.isCandidateLocked(rec, reqCtx, now) {
			rec.mu.Unlock()
			continue
		}
		score := s.heuristicScoreLocked(rec, reqCtx, now)
		if useScorer {
			// Blend the hand-tuned score with the learned success
			// probability once the model has seen enough outcomes.
			predicted := s.scorer.Predict(featureVector(rec, reqCtx, now))
			score = s.cfg.HeuristicBlend*score + (1-s.cfg.HeuristicBlend)*predicted
		}
		rec.mu.Unlock()

		out = append(out, scored{key: key, rec: rec, score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].key < out[j].key
	})
	return out
}

// isCandidateLocked applies the hard viability gates. Callers hold rec.mu.
func (s *Selector) isCandidateLocked(r *record, reqCtx schemas.RequestContext, now time.Time) bool {
	if r.consecutiveFailures > s.cfg.MaxConsecutiveFailures {
		return false
	}
	if r.healthScore < s.cfg.MinHealth {
		return false
	}
	if !r.lastFailure.IsZero() &&
		now.Sub(r.lastFailure) < s.cfg.RecentFailureWindow &&
		r.consecutiveFailures > s.cfg.RecentFailureThreshold {
		return false
	}
	ts := r.targetStatsLocked(reqCtx.Target)
	if ts.observations >= s.cfg.TargetDetectionMinObs && ts.detectionRate > s.cfg.TargetDetectionCutoff {
		return false
	}
	return true
}

// heuristicScoreLocked is the hand-tuned ranking function. Callers hold
// rec.mu.
func (s *Selector) heuristicScoreLocked(r *record, reqCtx schemas.RequestContext, now time.Time) float64 {
	score := r.healthScore
	score *= r.successRateLocked()

	ts := r.targetStatsLocked(reqCtx.Target)
	score *= 0.5 + 0.5*ts.successRate

	score *= r.latencyFactorLocked()

	if reqCtx.Locale != "" && localeMatches(r.identity.Location, reqCtx.Locale) {
		score *= 1.2
	}

	switch reqCtx.Priority {
	case schemas.PriorityHigh, schemas.PriorityCritical:
		if r.identity.Type == schemas.ProxyResidential {
			score *= 1.3
		}
	case schemas.PriorityLow:
		if r.identity.Type == schemas.ProxyDatacenter {
			score *= 1.1
		}
		// Low priority work gets routed toward cheap egress.
		score *= 1.0 / (1.0 + r.identity.CostPerRequest*100)
	}

	if !r.lastSuccess.IsZero() {
		sinceSuccess := now.Sub(r.lastSuccess).Seconds()
		score *= 0.8 + 0.2/(1.0+sinceSuccess/3600.0)
	}

	return score
}

func localeMatches(location, locale string) bool {
	return strings.EqualFold(location, locale) ||
		strings.HasPrefix(strings.ToLower(location), strings.ToLower(locale))
}

// weightedPick draws from the top-K candidates with probability
// proportional to score, so load spreads instead of hammering the single
// best proxy.
func (s *Selector) weightedPick(candidates []scored) scored {
	k := s.cfg.TopK
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	top := candidates[:k]

	total := 0.0
	for _, c := range top {
		total += c.score
	}
	if total <= 0 {
		return top[0]
	}

	s.rngMu.Lock()
	roll := s.rng.Float64() * total
	s.rngMu.Unlock()

	for _, c := range top {
		roll -= c.score
		if roll <= 0 {
			return c
		}
	}
	return top[len(top)-1]
}

// RecordOutcome folds a probe result into the proxy's metrics and appends a
// training sample. Outcomes for proxies outside the pool are dropped.
func (s *Selector) RecordOutcome(outcome schemas.ProxyOutcome) {
	s.mu.Lock()
	rec := s.records[outcome.Proxy.Key()]
	s.mu.Unlock()
	if rec == nil {
		s.log.Debug("Outcome for unknown proxy ignored", zap.String("proxy", outcome.Proxy.Key()))
		return
	}

	now := s.now()

	// Capture the features the decision was made under, before the outcome
	// mutates the record.
	rec.mu.Lock()
	features := featureVector(rec, outcome.Context, now)
	rec.mu.Unlock()

	rec.recordOutcome(s.cfg, now, outcome)

	s.trainMu.Lock()
	s.training.Push(trainingSample{
		features: features,
		label:    outcome.Success && !outcome.Detected,
	})
	s.trainMu.Unlock()
}

// HealthCheck probes a random subset of the pool and penalizes failures.
// Probe errors are logged and absorbed; this never affects request-time
// callers.
func (s *Selector) HealthCheck(ctx context.Context) {
	if s.prober == nil {
		return
	}

	s.mu.Lock()
	keys := append([]string(nil), s.order...)
	s.mu.Unlock()

	s.rngMu.Lock()
	s.rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	s.rngMu.Unlock()

	sample := s.cfg.HealthCheckSampleSize
	if sample <= 0 || sample > len(keys) {
		sample = len(keys)
	}

	for _, key := range keys[:sample] {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		rec := s.records[key]
		s.mu.Unlock()
		if rec == nil {
			continue
		}

		rec.mu.Lock()
		identity := rec.identity
		rec.mu.Unlock()

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.prober(probeCtx, identity)
		cancel()
		if err != nil {
			s.log.Warn("Proxy health probe failed", zap.String("proxy", key), zap.Error(err))
			rec.penalize(s.now())
		}
	}
}

// Train refits the learned scorer when enough outcome samples exist. It is
// called from the retrain loop and is cheap enough to run inline in tests.
func (s *Selector) Train() {
	s.trainMu.Lock()
	samples := s.training.Items()
	s.trainMu.Unlock()

	if len(samples) < s.cfg.ClassifierMinSamples {
		return
	}

	s.rngMu.Lock()
	rng := rand.New(rand.NewSource(s.rng.Int63()))
	s.rngMu.Unlock()

	s.scorer.Fit(samples, rng)
	s.log.Debug("Proxy scorer retrained", zap.Int("samples", len(samples)))
}

// TrainingSamples reports how many outcome samples are buffered.
func (s *Selector) TrainingSamples() int {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()
	return s.training.Len()
}

// Snapshot exports every proxy's metrics for persistence, in pool order.
func (s *Selector) Snapshot() []schemas.ProxySnapshot {
	s.mu.Lock()
	keys := append([]string(nil), s.order...)
	s.mu.Unlock()

	out := make([]schemas.ProxySnapshot, 0, len(keys))
	for _, key := range keys {
		s.mu.Lock()
		rec := s.records[key]
		s.mu.Unlock()
		if rec != nil {
			out = append(out, rec.snapshot())
		}
	}
	return out
}

// Restore overwrites pool metrics from snapshots, matched by provider and
// address. Snapshots for proxies no longer in the pool are skipped.
func (s *Selector) Restore(snaps []schemas.ProxySnapshot) {
	for _, snap := range snaps {
		key := snap.Provider + "/" + snap.Address
		s.mu.Lock()
		rec := s.records[key]
		s.mu.Unlock()
		if rec == nil {
			s.log.Debug("Snapshot for unknown proxy skipped", zap.String("proxy", key))
			continue
		}
		rec.restore(snap)
	}
}

// Health reports the current health score for one proxy, for tests and the
// status display. Unknown proxies report zero.
func (s *Selector) Health(id schemas.ProxyIdentity) float64 {
	s.mu.Lock()
	rec := s.records[id.Key()]
	s.mu.Unlock()
	if rec == nil {
		return 0
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.healthScore
}
