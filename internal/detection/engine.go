package detection

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/bounded"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
)

// targetProfile is the mutable per-target state: risk score, event log,
// learned strategies and currently active mitigations. Each profile carries
// its own lock so different targets never contend (one identity hammering
// the Amsterdam show must not stall the Milan watcher).
type targetProfile struct {
	mu sync.Mutex

	name        string
	sensitivity float64

	riskScore     float64
	lastEventTime time.Time

	events *bounded.Ring[schemas.DetectionEvent]

	// effective maps a detection type to the strategies that have worked
	// for this target, best first. Seeded from config priors, refreshed by
	// the pattern analysis pass.
	effective map[schemas.DetectionType][]schemas.ResponseStrategy

	// commonTypes is recomputed periodically from the event log.
	commonTypes []schemas.DetectionType

	// active is the set of mitigations currently applied to this target.
	active map[schemas.ResponseStrategy]struct{}
}

// outcomeKey identifies one (detection type, strategy) feedback series.
type outcomeKey struct {
	detType  schemas.DetectionType
	strategy schemas.ResponseStrategy
}

// Engine is the detection/response subsystem: it classifies raw signals,
// tracks per-target risk, selects mitigations and learns from their
// outcomes. All methods are safe for concurrent use.
type Engine struct {
	cfg        config.DetectionConfig
	respCfg    config.ResponseConfig
	targetPrior func(name string) config.TargetConfig
	classifier *Classifier
	log        *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	profiles map[string]*targetProfile

	histMu  sync.Mutex
	history *bounded.Ring[schemas.DetectionEvent]

	outMu    sync.Mutex
	outcomes map[outcomeKey]*bounded.Ring[bool]
}

// NewEngine wires the detection engine from configuration.
func NewEngine(cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:         cfg.Detection,
		respCfg:     cfg.Response,
		targetPrior: cfg.Target,
		classifier:  NewClassifier(cfg.Detection),
		log:         logger.With(zap.String("component", "detection_engine")),
		now:         time.Now,
		profiles:    make(map[string]*targetProfile),
		history:     bounded.NewRing[schemas.DetectionEvent](cfg.Detection.HistoryCapacity),
		outcomes:    make(map[outcomeKey]*bounded.Ring[bool]),
	}
}

// profile returns the target's profile, creating it lazily on first use.
func (e *Engine) profile(target string) *targetProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.profiles[target]; ok {
		return p
	}
	prior := e.targetPrior(target)
	effective := make(map[schemas.DetectionType][]schemas.ResponseStrategy, len(prior.KnownStrategies))
	for k, v := range prior.KnownStrategies {
		effective[schemas.DetectionType(k)] = append([]schemas.ResponseStrategy(nil), v...)
	}
	p := &targetProfile{
		name:        target,
		sensitivity: prior.Sensitivity,
		events:      bounded.NewRing[schemas.DetectionEvent](e.cfg.TargetLogCapacity),
		effective:   effective,
		active:      make(map[schemas.ResponseStrategy]struct{}),
	}
	e.profiles[target] = p
	return p
}

// HandleDetection classifies an observation bundle, folds it into the
// target's risk score and returns the selected adaptive response. It is a
// total function: any bundle produces a response.
func (e *Engine) HandleDetection(target string, obs schemas.Observation, sess schemas.SessionContext) (schemas.DetectionEvent, schemas.AdaptiveResponse) {
	now := e.now()
	p := e.profile(target)

	p.mu.Lock()
	recent := p.recentEventCountLocked(now, e.cfg.RecentBoostWindow)
	event := e.classifier.Classify(now, target, obs, sess, p.sensitivity, recent)

	e.updateRiskLocked(p, event)
	p.events.Push(event)

	resp := e.selectResponseLocked(p, event)
	p.mu.Unlock()

	e.histMu.Lock()
	e.history.Push(event)
	e.histMu.Unlock()

	e.log.Debug("Detection handled",
		zap.String("target", target),
		zap.String("type", string(event.Type)),
		zap.Float64("severity", event.Severity),
		zap.Float64("risk", e.RiskScore(target)),
		zap.Bool("escalation", resp.Escalation),
	)
	return event, resp
}

// updateRiskLocked folds a new event into the risk score: decay the stored
// score for the time elapsed since the previous event, then move it toward
// the new severity with the configured EMA weight. Callers hold p.mu.
func (e *Engine) updateRiskLocked(p *targetProfile, event schemas.DetectionEvent) {
	prior := p.riskScore
	if !p.lastEventTime.IsZero() {
		prior = e.decayed(p.riskScore, p.lastEventTime, event.Timestamp)
	}
	alpha := e.cfg.RiskAlpha
	p.riskScore = (1-alpha)*prior + alpha*event.Severity
	if p.riskScore > 1 {
		p.riskScore = 1
	}
	p.lastEventTime = event.Timestamp
}

// decayed applies the per-minute decay factor over the elapsed time. Decay
// is continuous at minute granularity; an empty history decays nothing.
func (e *Engine) decayed(risk float64, since, now time.Time) float64 {
	if since.IsZero() || !now.After(since) {
		return risk
	}
	minutes := now.Sub(since).Minutes()
	return risk * math.Pow(e.cfg.RiskDecayPerMinute, minutes)
}

// RiskScore returns the target's current risk, decayed to this instant.
// Unknown targets score zero.
func (e *Engine) RiskScore(target string) float64 {
	e.mu.Lock()
	p, ok := e.profiles[target]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return e.decayed(p.riskScore, p.lastEventTime, e.now())
}

// recentEventCountLocked counts events for the target inside the window.
func (p *targetProfile) recentEventCountLocked(now time.Time, window time.Duration) int {
	n := 0
	for _, ev := range p.events.Items() {
		if now.Sub(ev.Timestamp) <= window {
			n++
		}
	}
	return n
}

// RecentEvents returns the target's events newer than the window, oldest
// first.
func (e *Engine) RecentEvents(target string, window time.Duration) []schemas.DetectionEvent {
	e.mu.Lock()
	p, ok := e.profiles[target]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	now := e.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []schemas.DetectionEvent
	for _, ev := range p.events.Items() {
		if now.Sub(ev.Timestamp) <= window {
			out = append(out, ev)
		}
	}
	return out
}

// ActiveMitigations returns the currently applied strategies for a target.
func (e *Engine) ActiveMitigations(target string) []schemas.ResponseStrategy {
	e.mu.Lock()
	p, ok := e.profiles[target]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schemas.ResponseStrategy, 0, len(p.active))
	for s := range p.active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecordOutcome closes the feedback loop for a previously returned
// response. On success the target's active mitigations are cleared and its
// risk score halved; this is the only path back to a calmer state.
func (e *Engine) RecordOutcome(target string, detType schemas.DetectionType, strategies []schemas.ResponseStrategy, success bool) {
	e.outMu.Lock()
	for _, s := range strategies {
		key := outcomeKey{detType: detType, strategy: s}
		ring, ok := e.outcomes[key]
		if !ok {
			ring = bounded.NewRing[bool](e.respCfg.OutcomeCapacity)
			e.outcomes[key] = ring
		}
		// At capacity the history is cut back to the newest trim-size
		// entries before recording, so old evidence ages out in blocks.
		if ring.Len() >= e.respCfg.OutcomeCapacity {
			ring.TrimTo(e.respCfg.OutcomeTrim)
		}
		ring.Push(success)
	}
	e.outMu.Unlock()

	if !success {
		return
	}

	p := e.profile(target)
	p.mu.Lock()
	p.active = make(map[schemas.ResponseStrategy]struct{})
	p.riskScore *= 0.5
	p.mu.Unlock()

	e.log.Debug("Mitigation succeeded, risk halved",
		zap.String("target", target),
		zap.String("type", string(detType)),
	)
}

// strategyStats returns the historical success rate and sample count for a
// (type, strategy) pair.
func (e *Engine) strategyStats(detType schemas.DetectionType, s schemas.ResponseStrategy) (rate float64, samples int) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	ring, ok := e.outcomes[outcomeKey{detType: detType, strategy: s}]
	if !ok || ring.Len() == 0 {
		return 0, 0
	}
	wins := 0
	for _, v := range ring.Items() {
		if v {
			wins++
		}
	}
	return float64(wins) / float64(ring.Len()), ring.Len()
}

// AnalyzePatterns recomputes each target's commonly seen detection types
// and refreshes its effective-strategy ordering from the outcome history.
// The supervisor runs this periodically; it is also safe to call directly.
func (e *Engine) AnalyzePatterns() {
	e.mu.Lock()
	profiles := make([]*targetProfile, 0, len(e.profiles))
	for _, p := range e.profiles {
		profiles = append(profiles, p)
	}
	e.mu.Unlock()

	for _, p := range profiles {
		p.mu.Lock()
		counts := make(map[schemas.DetectionType]int)
		for _, ev := range p.events.Items() {
			counts[ev.Type]++
		}
		common := make([]schemas.DetectionType, 0, len(counts))
		for t := range counts {
			common = append(common, t)
		}
		sort.Slice(common, func(i, j int) bool {
			if counts[common[i]] != counts[common[j]] {
				return counts[common[i]] > counts[common[j]]
			}
			return common[i] < common[j]
		})
		p.commonTypes = common

		for _, detType := range common {
			if ranked := e.rankStrategies(detType); len(ranked) > 0 {
				p.effective[detType] = ranked
			}
		}
		p.mu.Unlock()
	}
	e.log.Debug("Pattern analysis complete", zap.Int("targets", len(profiles)))
}

// rankStrategies orders strategies for a detection type by observed success
// rate. Pairs with fewer than three samples are ignored; below a coin flip a
// strategy is not considered effective at all.
func (e *Engine) rankStrategies(detType schemas.DetectionType) []schemas.ResponseStrategy {
	type ranked struct {
		s    schemas.ResponseStrategy
		rate float64
	}
	var list []ranked
	for _, s := range allStrategies {
		rate, n := e.strategyStats(detType, s)
		if n >= 3 && rate >= 0.5 {
			list = append(list, ranked{s: s, rate: rate})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].rate != list[j].rate {
			return list[i].rate > list[j].rate
		}
		return list[i].s < list[j].s
	})
	out := make([]schemas.ResponseStrategy, len(list))
	for i, r := range list {
		out[i] = r.s
	}
	return out
}

// CommonDetectionTypes returns the target's most frequent detection types,
// as of the last pattern analysis.
func (e *Engine) CommonDetectionTypes(target string) []schemas.DetectionType {
	e.mu.Lock()
	p, ok := e.profiles[target]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schemas.DetectionType(nil), p.commonTypes...)
}
