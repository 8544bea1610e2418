package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/bounded"
)

// avgAlpha is the weight of the newest inter-drop sample when rederiving
// the average interval. Recent drops say more about the next one than drops
// from last month.
const avgAlpha = 0.3

// checkRecord is one probe result in a target's rolling check log.
type checkRecord struct {
	at    time.Time
	found bool
}

// targetPattern is the learned temporal profile of one monitored target.
// Each pattern carries its own lock; different targets never contend.
type targetPattern struct {
	mu sync.Mutex

	target string

	peakHours map[int]struct{}
	peakDays  map[time.Weekday]struct{}

	// interDrop holds the seconds between consecutive positive detections.
	interDrop   *bounded.Window
	avgInterval time.Duration
	lastDrop    time.Time

	// drops keeps raw drop timestamps for the peak-hour analysis pass.
	drops *bounded.Ring[time.Time]

	checks      *bounded.Ring[checkRecord]
	totalChecks int64
	successes   int64
}

func newTargetPattern(target string, intervalSamples int, peakHours []int, peakDays []int) *targetPattern {
	p := &targetPattern{
		target:    target,
		peakHours: make(map[int]struct{}),
		peakDays:  make(map[time.Weekday]struct{}),
		interDrop: bounded.NewWindow(intervalSamples),
		drops:     bounded.NewRing[time.Time](intervalSamples),
		checks:    bounded.NewRing[checkRecord](1000),
	}
	for _, h := range peakHours {
		p.peakHours[h] = struct{}{}
	}
	for _, d := range peakDays {
		p.peakDays[time.Weekday(d)] = struct{}{}
	}
	return p
}

// recordCheck appends a probe result. It does not touch drop timing; the
// scheduler handles that separately so the burst window opens atomically
// with the interval update.
func (p *targetPattern) recordCheck(now time.Time, found bool) {
	p.checks.Push(checkRecord{at: now, found: found})
	p.totalChecks++
	if found {
		p.successes++
	}
}

// recordDrop folds a positive detection into the inter-drop distribution
// and rederives the average interval.
func (p *targetPattern) recordDrop(now time.Time) {
	if !p.lastDrop.IsZero() {
		gap := now.Sub(p.lastDrop).Seconds()
		if gap > 0 {
			p.interDrop.Add(gap)
			p.rederiveAvgInterval()
		}
	}
	p.lastDrop = now
	p.drops.Push(now)
}

// rederiveAvgInterval recomputes the exponentially-weighted average of the
// stored inter-drop samples, oldest first so recent samples dominate.
func (p *targetPattern) rederiveAvgInterval() {
	samples := p.interDrop.Values()
	if len(samples) == 0 {
		p.avgInterval = 0
		return
	}
	avg := samples[0]
	for _, s := range samples[1:] {
		avg = (1-avgAlpha)*avg + avgAlpha*s
	}
	p.avgInterval = time.Duration(avg * float64(time.Second))
}

// activityLevel derives how alive the target is from the last hour of
// checks, falling back to drop recency when the target has not been
// checked recently at all.
func (p *targetPattern) activityLevel(now time.Time) schemas.ActivityLevel {
	recent := 0
	positives := 0
	for _, c := range p.checks.Items() {
		if now.Sub(c.at) <= time.Hour {
			recent++
			if c.found {
				positives++
			}
		}
	}

	if recent == 0 {
		if p.lastDrop.IsZero() {
			return schemas.ActivityDead
		}
		sinceDrop := now.Sub(p.lastDrop)
		switch {
		case sinceDrop > 24*time.Hour:
			return schemas.ActivityDead
		case sinceDrop > 6*time.Hour:
			return schemas.ActivityLow
		default:
			return schemas.ActivityNormal
		}
	}

	ratio := float64(positives) / float64(recent)
	switch {
	case ratio > 0.5:
		return schemas.ActivityHigh
	case ratio > 0.1:
		return schemas.ActivityNormal
	default:
		return schemas.ActivityLow
	}
}

// predictNextDrop forecasts the next positive detection from the learned
// average interval, jittered by the given fraction. ok is false when there
// is not enough history to forecast.
func (p *targetPattern) predictNextDrop(jitterFrac float64, jitterRoll float64) (time.Time, bool) {
	if p.lastDrop.IsZero() || p.interDrop.Len() == 0 || p.avgInterval <= 0 {
		return time.Time{}, false
	}
	// jitterRoll is uniform in [-1,1]; scale the average by 1 +/- frac.
	scale := 1 + jitterFrac*jitterRoll
	return p.lastDrop.Add(time.Duration(float64(p.avgInterval) * scale)), true
}

// snapshot exports the pattern for persistence.
func (p *targetPattern) snapshot() schemas.PatternSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	hours := make([]int, 0, len(p.peakHours))
	for h := range p.peakHours {
		hours = append(hours, h)
	}
	days := make([]int, 0, len(p.peakDays))
	for d := range p.peakDays {
		days = append(days, int(d))
	}
	sort.Ints(hours)
	sort.Ints(days)

	return schemas.PatternSnapshot{
		Target:          p.target,
		PeakHours:       hours,
		PeakDays:        days,
		AvgIntervalSecs: p.avgInterval.Seconds(),
		LastDropTime:    p.lastDrop,
		IntervalSamples: p.interDrop.Values(),
		TotalChecks:     p.totalChecks,
		Successes:       p.successes,
	}
}

// restore overwrites the pattern from a snapshot, rebuilding the bounded
// sample window.
func (p *targetPattern) restore(snap schemas.PatternSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.peakHours = make(map[int]struct{}, len(snap.PeakHours))
	for _, h := range snap.PeakHours {
		p.peakHours[h] = struct{}{}
	}
	p.peakDays = make(map[time.Weekday]struct{}, len(snap.PeakDays))
	for _, d := range snap.PeakDays {
		p.peakDays[time.Weekday(d)] = struct{}{}
	}
	p.interDrop.Fill(snap.IntervalSamples)
	p.avgInterval = time.Duration(snap.AvgIntervalSecs * float64(time.Second))
	p.lastDrop = snap.LastDropTime
	p.totalChecks = snap.TotalChecks
	p.successes = snap.Successes
}
