package detection

import (
	"time"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
)

// allStrategies enumerates the full mitigation catalog, used when ranking
// outcome history.
var allStrategies = []schemas.ResponseStrategy{
	schemas.StrategyEnhanceBehavior,
	schemas.StrategySlowDown,
	schemas.StrategyChangeProxy,
	schemas.StrategyRotateFingerprint,
	schemas.StrategyPauseSession,
	schemas.StrategySwitchProfile,
	schemas.StrategyFullReset,
}

// genericStrategies is the fallback mapping used before any per-target
// learning exists.
var genericStrategies = map[schemas.DetectionType][]schemas.ResponseStrategy{
	schemas.DetectionCaptcha:        {schemas.StrategyEnhanceBehavior, schemas.StrategyPauseSession, schemas.StrategyChangeProxy},
	schemas.DetectionRateLimit:      {schemas.StrategySlowDown, schemas.StrategyPauseSession},
	schemas.DetectionFingerprint:    {schemas.StrategyRotateFingerprint, schemas.StrategySwitchProfile},
	schemas.DetectionIPBlock:        {schemas.StrategyChangeProxy, schemas.StrategyPauseSession},
	schemas.DetectionSessionInvalid: {schemas.StrategyPauseSession, schemas.StrategySwitchProfile},
	schemas.DetectionBehavior:       {schemas.StrategyEnhanceBehavior, schemas.StrategySlowDown},
	schemas.DetectionUnknown:        {schemas.StrategySlowDown, schemas.StrategyChangeProxy},
}

// selectResponseLocked picks the mitigation set for a classified event and
// marks it active. Callers hold p.mu.
func (e *Engine) selectResponseLocked(p *targetProfile, event schemas.DetectionEvent) schemas.AdaptiveResponse {
	strategies := p.effective[event.Type]
	if len(strategies) == 0 {
		strategies = genericStrategies[event.Type]
	}
	if len(strategies) == 0 {
		strategies = genericStrategies[schemas.DetectionUnknown]
	}
	proposed := append([]schemas.ResponseStrategy(nil), strategies...)

	resp := schemas.AdaptiveResponse{}

	// Severity escalation tiers: a hard signal forces a full reset, a
	// moderate one pauses the session, anything below just slows down.
	switch {
	case event.Severity > e.respCfg.EscalateSeverity:
		proposed = appendUnique(proposed, schemas.StrategyFullReset)
		resp.WaitTime = e.respCfg.EscalateWait
	case event.Severity > e.respCfg.PauseSeverity:
		proposed = appendUnique(proposed, schemas.StrategyPauseSession)
		resp.WaitTime = e.respCfg.PauseWait
	default:
		proposed = appendUnique(proposed, schemas.StrategySlowDown)
		resp.SpeedFactor = e.respCfg.SlowSpeedFactor
	}

	// If everything we would propose is already being applied and a full
	// reset has already been tried, the current mitigations are not
	// working. Collapse to a single escalated full reset instead of
	// stacking the same failing measures forever. Until a reset is on the
	// table, re-proposing the gentler measures is harmless and keeps the
	// severity tiers room to escalate first.
	if p.allActiveLocked(proposed) && p.isActiveLocked(schemas.StrategyFullReset) {
		resp.Strategies = []schemas.ResponseStrategy{schemas.StrategyFullReset}
		resp.Escalation = true
		resp.WaitTime = e.respCfg.EscalateWait
		resp.SpeedFactor = 0
		p.active[schemas.StrategyFullReset] = struct{}{}
		resp.Confidence = e.confidence(event.Type, resp.Strategies)
		resp.EstimatedSuccess = e.estimatedSuccessLocked(p, event, len(resp.Strategies))
		return resp
	}

	resp.Strategies = proposed
	for _, s := range proposed {
		p.active[s] = struct{}{}
	}
	resp.Confidence = e.confidence(event.Type, proposed)
	resp.EstimatedSuccess = e.estimatedSuccessLocked(p, event, len(proposed))
	return resp
}

// allActiveLocked reports whether every proposed strategy is already in the
// active set.
func (p *targetProfile) allActiveLocked(proposed []schemas.ResponseStrategy) bool {
	if len(p.active) == 0 {
		return false
	}
	for _, s := range proposed {
		if _, ok := p.active[s]; !ok {
			return false
		}
	}
	return true
}

func (p *targetProfile) isActiveLocked(s schemas.ResponseStrategy) bool {
	_, ok := p.active[s]
	return ok
}

// confidence averages each chosen strategy's historical success rate,
// weighted by how much evidence backs it. A strategy with no history sits
// at the 0.5 baseline.
func (e *Engine) confidence(detType schemas.DetectionType, strategies []schemas.ResponseStrategy) float64 {
	if len(strategies) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, s := range strategies {
		rate, n := e.strategyStats(detType, s)
		weight := float64(n) / 10.0
		if weight > 1 {
			weight = 1
		}
		sum += rate*weight + 0.5*(1-weight)
	}
	return sum / float64(len(strategies))
}

// estimatedSuccessLocked estimates how likely the response is to calm the
// target down: a severity-driven base, blended 30/70 with how gentle the
// last hour of events has been, with a small bonus for a multi-pronged
// response. Callers hold p.mu.
func (e *Engine) estimatedSuccessLocked(p *targetProfile, event schemas.DetectionEvent, proposed int) float64 {
	base := 0.7 * (1 - event.Severity*0.5)

	est := base
	if mean, ok := p.meanRecentSeverityLocked(event.Timestamp, time.Hour); ok {
		est = 0.3*base + 0.7*(1-mean)
	}

	if proposed > 1 {
		est *= 1.1
	}
	if est > 1 {
		est = 1
	}
	if est < 0 {
		est = 0
	}
	return est
}

// meanRecentSeverityLocked averages event severity inside the window,
// excluding nothing; ok is false when the window is empty.
func (p *targetProfile) meanRecentSeverityLocked(now time.Time, window time.Duration) (float64, bool) {
	sum := 0.0
	n := 0
	for _, ev := range p.events.Items() {
		if now.Sub(ev.Timestamp) <= window {
			sum += ev.Severity
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func appendUnique(list []schemas.ResponseStrategy, s schemas.ResponseStrategy) []schemas.ResponseStrategy {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
