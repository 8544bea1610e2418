package scheduler

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
)

// Scheduler computes per-target polling intervals from learned temporal
// patterns, global quiet/peak windows and burst-mode overrides. All methods
// are safe for concurrent use and total: any target yields an interval.
type Scheduler struct {
	cfg         config.SchedulerConfig
	targetPrior func(name string) config.TargetConfig
	log         *zap.Logger
	now         func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	patterns map[string]*targetPattern
	// bursts maps target -> burst activation time; entries are dropped
	// lazily once expired.
	bursts map[string]time.Time
	// lastGlobalDrop suppresses quiet-hour throttling while anything is
	// actively dropping.
	lastGlobalDrop time.Time

	globalPeak map[int]struct{}
}

// New builds the scheduler from configuration.
func New(cfg *config.Config, logger *zap.Logger) *Scheduler {
	peak := make(map[int]struct{}, len(cfg.Scheduler.GlobalPeakHours))
	for _, h := range cfg.Scheduler.GlobalPeakHours {
		peak[h] = struct{}{}
	}
	return &Scheduler{
		cfg:         cfg.Scheduler,
		targetPrior: cfg.Target,
		log:         logger.With(zap.String("component", "scheduler")),
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		patterns:    make(map[string]*targetPattern),
		bursts:      make(map[string]time.Time),
		globalPeak:  peak,
	}
}

// pattern returns the target's pattern, creating it lazily with the
// configured priors.
func (s *Scheduler) pattern(target string) *targetPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.patterns[target]; ok {
		return p
	}
	prior := s.targetPrior(target)
	p := newTargetPattern(target, s.cfg.IntervalSamples, prior.PeakHours, prior.PeakDays)
	s.patterns[target] = p
	return p
}

// RecordCheck feeds a probe result into the target's pattern. A positive
// result records the drop time and opens the burst window.
func (s *Scheduler) RecordCheck(target string, found bool) {
	now := s.now()
	p := s.pattern(target)

	p.mu.Lock()
	p.recordCheck(now, found)
	if found {
		p.recordDrop(now)
	}
	p.mu.Unlock()

	if found {
		s.mu.Lock()
		s.bursts[target] = now
		s.lastGlobalDrop = now
		s.mu.Unlock()
		s.log.Info("Positive detection, burst mode engaged",
			zap.String("target", target),
			zap.Duration("burst_duration", s.cfg.BurstDuration),
		)
	}
}

// InBurst reports whether the target's burst window is open, clearing it
// lazily once expired.
func (s *Scheduler) InBurst(target string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	activated, ok := s.bursts[target]
	if !ok {
		return false
	}
	if now.Sub(activated) >= s.cfg.BurstDuration {
		delete(s.bursts, target)
		return false
	}
	return true
}

// NextInterval computes the seconds to wait before the target's next
// probe. During burst mode it is pinned to the critical interval; otherwise
// the activity-level base is shaped by quiet hours, peak windows, the drop
// forecast and priority, then clamped.
func (s *Scheduler) NextInterval(target string, priority schemas.Priority) time.Duration {
	if s.InBurst(target) {
		return s.cfg.Intervals.Critical
	}

	now := s.now()
	p := s.pattern(target)

	p.mu.Lock()
	level := p.activityLevel(now)
	interval := float64(s.cfg.Intervals.For(level))

	if s.inQuietHours(now) && !s.recentGlobalDrop(now) {
		interval *= s.cfg.QuietMultiplier
	}

	if _, peak := s.globalPeak[now.Hour()]; peak {
		interval *= s.cfg.GlobalPeakFactor
	}
	if _, peak := p.peakHours[now.Hour()]; peak {
		interval *= s.cfg.TargetPeakHourFactor
	}
	if _, peak := p.peakDays[now.Weekday()]; peak {
		interval *= s.cfg.TargetPeakDayFactor
	}

	if next, ok := p.predictNextDrop(s.cfg.PredictJitter, s.jitterRoll()); ok {
		until := next.Sub(now)
		if until > 0 && until <= s.cfg.PredictHorizon {
			// Smoothly tighten as the forecast approaches: the factor
			// bottoms out at 0.2 right before the predicted drop.
			interval *= 1 - 0.8*math.Exp(-until.Seconds()/s.cfg.PredictKnee.Seconds())
		}
	}
	p.mu.Unlock()

	switch priority {
	case schemas.PriorityCritical:
		interval *= 0.5
	case schemas.PriorityLow:
		interval *= 2.0
	}

	d := time.Duration(interval)
	if d < s.cfg.MinInterval {
		d = s.cfg.MinInterval
	}
	if d > s.cfg.MaxInterval {
		d = s.cfg.MaxInterval
	}
	return d
}

// ShouldCheckNow decides whether a probe is due. Burst mode and an imminent
// forecast force an immediate check; otherwise elapsed time is compared
// against the computed interval.
func (s *Scheduler) ShouldCheckNow(target string, lastCheck time.Time) bool {
	if s.InBurst(target) {
		return true
	}

	now := s.now()
	p := s.pattern(target)
	p.mu.Lock()
	next, ok := p.predictNextDrop(s.cfg.PredictJitter, s.jitterRoll())
	p.mu.Unlock()
	if ok {
		until := next.Sub(now)
		if until > 0 && until <= s.cfg.CheckNowHorizon {
			return true
		}
	}

	if lastCheck.IsZero() {
		return true
	}
	prior := s.targetPrior(target)
	return now.Sub(lastCheck) >= s.NextInterval(target, prior.Priority)
}

// Activity exposes the derived activity level, for the status display.
func (s *Scheduler) Activity(target string) schemas.ActivityLevel {
	p := s.pattern(target)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activityLevel(s.now())
}

// AnalyzePatterns rederives each target's peak hours and days from its
// recorded drops. Hours or weekdays holding at least a fifth of the drop
// mass are considered peaks. Config-seeded peaks are kept.
func (s *Scheduler) AnalyzePatterns() {
	s.mu.Lock()
	patterns := make([]*targetPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		patterns = append(patterns, p)
	}
	s.mu.Unlock()

	for _, p := range patterns {
		p.mu.Lock()
		drops := p.drops.Items()
		if len(drops) >= 5 {
			hourCount := make(map[int]int)
			dayCount := make(map[time.Weekday]int)
			for _, d := range drops {
				hourCount[d.Hour()]++
				dayCount[d.Weekday()]++
			}
			threshold := (len(drops) + 4) / 5
			for h, n := range hourCount {
				if n >= threshold {
					p.peakHours[h] = struct{}{}
				}
			}
			for d, n := range dayCount {
				if n >= threshold {
					p.peakDays[d] = struct{}{}
				}
			}
		}
		p.mu.Unlock()
	}
	s.log.Debug("Scheduler pattern analysis complete", zap.Int("targets", len(patterns)))
}

// Snapshot exports every target's pattern, sorted by target name.
func (s *Scheduler) Snapshot() []schemas.PatternSnapshot {
	s.mu.Lock()
	patterns := make([]*targetPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		patterns = append(patterns, p)
	}
	s.mu.Unlock()

	out := make([]schemas.PatternSnapshot, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Restore rebuilds pattern state from snapshots, creating patterns for
// targets not yet seen this run.
func (s *Scheduler) Restore(snaps []schemas.PatternSnapshot) {
	for _, snap := range snaps {
		if snap.Target == "" {
			continue
		}
		p := s.pattern(snap.Target)
		p.restore(snap)
		s.mu.Lock()
		if !snap.LastDropTime.IsZero() && snap.LastDropTime.After(s.lastGlobalDrop) {
			s.lastGlobalDrop = snap.LastDropTime
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) inQuietHours(now time.Time) bool {
	h := now.Hour()
	start, end := s.cfg.QuietHourStart, s.cfg.QuietHourEnd
	if start <= end {
		return h >= start && h < end
	}
	// Window wrapping midnight, e.g. 23-06.
	return h >= start || h < end
}

func (s *Scheduler) recentGlobalDrop(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastGlobalDrop.IsZero() && now.Sub(s.lastGlobalDrop) <= time.Hour
}

// jitterRoll returns a uniform draw in [-1,1] for forecast jitter.
func (s *Scheduler) jitterRoll() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()*2 - 1
}
