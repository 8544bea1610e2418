package scheduler

import (
	"math"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
)

func testConfig(t *testing.T, targets ...config.TargetConfig) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	cfg.Targets = targets
	return cfg
}

// testClock is a manually advanced clock shared by scheduler tests.
type testClock struct {
	now time.Time
}

// afternoon is a Wednesday 14:00 UTC: outside quiet hours and outside the
// default global peak hours, so no ambient factor applies unless a test
// moves the clock.
func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func (c *testClock) SetHour(h int)           { c.now = time.Date(2026, 3, 4, h, 0, 0, 0, time.UTC) }

func testScheduler(t *testing.T, targets ...config.TargetConfig) (*Scheduler, *testClock) {
	t.Helper()
	s := New(testConfig(t, targets...), zap.NewNop())
	clock := newTestClock()
	s.now = clock.Now
	return s, clock
}

func TestScheduler_IntervalAlwaysClamped(t *testing.T) {
	s, clock := testScheduler(t)

	priorities := []schemas.Priority{
		schemas.PriorityLow, schemas.PriorityMedium, schemas.PriorityHigh, schemas.PriorityCritical,
	}
	for hour := 0; hour < 24; hour++ {
		clock.SetHour(hour)
		for _, prio := range priorities {
			d := s.NextInterval("anything", prio)
			assert.GreaterOrEqual(t, d, 10*time.Second, "hour %d priority %s", hour, prio)
			assert.LessOrEqual(t, d, 600*time.Second, "hour %d priority %s", hour, prio)
		}
	}
}

// TestScheduler_DeadTargetIntervals covers a target that has never produced
// a drop: DEAD activity, base 300s, tripled in quiet hours but capped by the
// interval clamp.
func TestScheduler_DeadTargetIntervals(t *testing.T) {
	s, clock := testScheduler(t)

	require.Equal(t, schemas.ActivityDead, s.Activity("ghost"))

	t.Run("daytime uses the dead base", func(t *testing.T) {
		clock.SetHour(14)
		assert.Equal(t, 300*time.Second, s.NextInterval("ghost", schemas.PriorityMedium))
	})

	t.Run("quiet hours triple but the clamp caps", func(t *testing.T) {
		clock.SetHour(3)
		assert.Equal(t, 600*time.Second, s.NextInterval("ghost", schemas.PriorityMedium))
	})
}

func TestScheduler_BurstWindow(t *testing.T) {
	s, clock := testScheduler(t)

	s.RecordCheck("tgt", true)
	require.True(t, s.InBurst("tgt"))

	t.Run("burst pins the critical interval", func(t *testing.T) {
		assert.Equal(t, 10*time.Second, s.NextInterval("tgt", schemas.PriorityLow))
		assert.True(t, s.ShouldCheckNow("tgt", clock.Now()))

		// Even in quiet hours the pin holds.
		clock.SetHour(3)
		s.mu.Lock()
		s.bursts["tgt"] = clock.Now()
		s.mu.Unlock()
		assert.Equal(t, 10*time.Second, s.NextInterval("tgt", schemas.PriorityLow))
	})

	t.Run("burst expires at exactly the configured duration", func(t *testing.T) {
		s2, clock2 := testScheduler(t)
		s2.RecordCheck("tgt", true)

		clock2.Advance(300*time.Second - time.Nanosecond)
		assert.True(t, s2.InBurst("tgt"))

		clock2.Advance(time.Nanosecond)
		assert.False(t, s2.InBurst("tgt"))
		assert.NotEqual(t, 10*time.Second, s2.NextInterval("tgt", schemas.PriorityLow))
	})
}

func TestScheduler_ActivityLevels(t *testing.T) {
	t.Run("falls back to drop recency without recent checks", func(t *testing.T) {
		cases := []struct {
			name      string
			sinceDrop time.Duration
			want      schemas.ActivityLevel
		}{
			{"drop 2h ago", 2 * time.Hour, schemas.ActivityNormal},
			{"drop 7h ago", 7 * time.Hour, schemas.ActivityLow},
			{"drop 25h ago", 25 * time.Hour, schemas.ActivityDead},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				s, clock := testScheduler(t)
				p := s.pattern("tgt")
				p.mu.Lock()
				p.recordDrop(clock.Now())
				p.mu.Unlock()

				clock.Advance(tc.sinceDrop)
				assert.Equal(t, tc.want, s.Activity("tgt"))
			})
		}
	})

	t.Run("derives from the recent positive ratio", func(t *testing.T) {
		cases := []struct {
			name      string
			positives int
			total     int
			want      schemas.ActivityLevel
		}{
			{"mostly positive", 6, 10, schemas.ActivityHigh},
			{"occasionally positive", 2, 10, schemas.ActivityNormal},
			{"all negative", 0, 10, schemas.ActivityLow},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				s, clock := testScheduler(t)
				p := s.pattern("tgt")
				p.mu.Lock()
				for i := 0; i < tc.total; i++ {
					p.recordCheck(clock.Now(), i < tc.positives)
				}
				p.mu.Unlock()

				assert.Equal(t, tc.want, s.Activity("tgt"))
			})
		}
	})
}

func TestScheduler_RecordDropUpdatesAverage(t *testing.T) {
	s, clock := testScheduler(t)
	p := s.pattern("tgt")

	s.RecordCheck("tgt", true)
	clock.Advance(100 * time.Second)
	s.RecordCheck("tgt", true)
	clock.Advance(100 * time.Second)
	s.RecordCheck("tgt", true)

	p.mu.Lock()
	assert.Equal(t, 100*time.Second, p.avgInterval)
	p.mu.Unlock()

	// A longer gap shifts the EWA toward the new sample: 0.7*100 + 0.3*200.
	clock.Advance(200 * time.Second)
	s.RecordCheck("tgt", true)

	p.mu.Lock()
	assert.InDelta(t, 130.0, p.avgInterval.Seconds(), 1e-6)
	p.mu.Unlock()
}

// TestScheduler_PredictiveTightening seeds a regular drop rhythm and checks
// that the interval shrinks as the forecast approaches.
func TestScheduler_PredictiveTightening(t *testing.T) {
	s, clock := testScheduler(t)
	s.cfg.PredictJitter = 0 // deterministic forecast

	// Drops every 600s; the learned average settles at exactly 600s.
	p := s.pattern("tgt")
	p.mu.Lock()
	for i := 0; i < 5; i++ {
		p.recordDrop(clock.Now())
		clock.Advance(600 * time.Second)
	}
	p.mu.Unlock()
	// Clock is now 600s past the last drop; rewind to 480s after it so the
	// forecast sits 120s ahead.
	clock.Advance(-120 * time.Second)

	// No checks in the last hour and a fresh drop: NORMAL, base 60s.
	require.Equal(t, schemas.ActivityNormal, s.Activity("tgt"))

	want := 60.0 * (1 - 0.8*math.Exp(-120.0/300.0))
	got := s.NextInterval("tgt", schemas.PriorityMedium)
	assert.InDelta(t, want, got.Seconds(), 1e-6)
	assert.Less(t, got, 60*time.Second)

	// An imminent forecast forces a check even right after the last probe.
	assert.True(t, s.ShouldCheckNow("tgt", clock.Now()))
}

func TestScheduler_AnalyzePatterns(t *testing.T) {
	s, clock := testScheduler(t)

	// Six of eight drops land inside the 20:00 hour.
	p := s.pattern("tgt")
	p.mu.Lock()
	for i := 0; i < 6; i++ {
		p.drops.Push(time.Date(2026, 3, 4, 20, i*7, 0, 0, time.UTC))
	}
	p.drops.Push(time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	p.drops.Push(time.Date(2026, 3, 6, 11, 0, 0, 0, time.UTC))
	p.mu.Unlock()

	s.AnalyzePatterns()

	p.mu.Lock()
	_, peak20 := p.peakHours[20]
	_, peak9 := p.peakHours[9]
	p.mu.Unlock()
	assert.True(t, peak20)
	assert.False(t, peak9)

	// The learned peak hour now tightens the interval.
	clock.now = time.Date(2026, 3, 4, 20, 30, 0, 0, time.UTC)
	base := 300 * time.Second // dead: the synthetic drops are in the past
	assert.Less(t, s.NextInterval("tgt", schemas.PriorityMedium), base)
}

// TestScheduler_SnapshotRoundTrip verifies that a restored scheduler yields
// the same interval and activity outputs as the one that produced the
// snapshot.
func TestScheduler_SnapshotRoundTrip(t *testing.T) {
	a, clockA := testScheduler(t)
	a.cfg.PredictJitter = 0

	for i := 0; i < 6; i++ {
		a.RecordCheck("amsterdam", true)
		clockA.Advance(900 * time.Second)
		a.RecordCheck("milan", false)
		clockA.Advance(900 * time.Second)
	}
	a.AnalyzePatterns()
	// Move past the check log's activity window so both sides derive
	// activity from persisted drop state alone.
	clockA.Advance(2 * time.Hour)

	snaps := a.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "amsterdam", snaps[0].Target)
	assert.Equal(t, "milan", snaps[1].Target)

	b := New(testConfig(t), zap.NewNop())
	b.cfg.PredictJitter = 0
	b.now = clockA.Now
	b.Restore(snaps)

	for _, target := range []string{"amsterdam", "milan"} {
		assert.Equal(t, a.Activity(target), b.Activity(target), target)
		for _, prio := range []schemas.Priority{schemas.PriorityLow, schemas.PriorityMedium, schemas.PriorityCritical} {
			assert.Equal(t, a.NextInterval(target, prio), b.NextInterval(target, prio), "%s/%s", target, prio)
		}
	}
}

func TestCoordinator_Offset(t *testing.T) {
	cfg := testConfig(t)
	clock := newTestClock()

	t.Run("single identity gets jitter only", func(t *testing.T) {
		c := NewCoordinator(cfg, zap.NewNop())
		c.now = clock.Now
		c.Register("solo")

		off := c.Offset("solo", 60*time.Second)
		assert.LessOrEqual(t, off.Abs(), 3*time.Second)
	})

	t.Run("fleet offsets are stable and bounded", func(t *testing.T) {
		c := NewCoordinator(cfg, zap.NewNop())
		c.now = clock.Now
		ids := []string{"id-a", "id-b", "id-c"}
		for _, id := range ids {
			c.Register(id)
		}

		for _, id := range ids {
			off := c.Offset(id, 60*time.Second)
			// Slot spread is at most min(base/2, max_offset) plus jitter.
			assert.GreaterOrEqual(t, off, -3*time.Second, id)
			assert.LessOrEqual(t, off, 33*time.Second, id)
			// Stable while the clock stands still.
			assert.Equal(t, off, c.Offset(id, 60*time.Second), id)
		}
	})
}

func TestCoordinator_MayCheck(t *testing.T) {
	cfg := testConfig(t)

	t.Run("own spacing gate", func(t *testing.T) {
		c := NewCoordinator(cfg, zap.NewNop())
		clock := newTestClock()
		c.now = clock.Now
		c.Register("solo")

		assert.True(t, c.MayCheck("solo"))
		c.RecordCheck("solo")
		assert.False(t, c.MayCheck("solo"))

		clock.Advance(5 * time.Second)
		assert.True(t, c.MayCheck("solo"))
	})

	t.Run("fleet admission gate", func(t *testing.T) {
		c := NewCoordinator(cfg, zap.NewNop())
		clock := newTestClock()
		c.now = clock.Now
		for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
			c.Register(id)
		}

		// One recent checker out of six: under the N/3 limit.
		c.RecordCheck("a")
		assert.True(t, c.MayCheck("f"))

		// Two recent checkers hit the limit and close the gate.
		c.RecordCheck("b")
		assert.False(t, c.MayCheck("f"))

		// The window clears and the gate reopens.
		clock.Advance(5 * time.Second)
		assert.True(t, c.MayCheck("f"))
	})
}
