package proxy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
)

func testSelector(t *testing.T, pool ...schemas.ProxyIdentity) *Selector {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	cfg.Proxy.Pool = pool

	s := NewSelector(cfg, zap.NewNop())
	s.rng = rand.New(rand.NewSource(42))
	return s
}

func proxyID(provider, address string, typ schemas.ProxyType) schemas.ProxyIdentity {
	return schemas.ProxyIdentity{Provider: provider, Address: address, Location: "NL", Type: typ}
}

func outcomeFor(id schemas.ProxyIdentity, target string, success, detected bool, ms float64) schemas.ProxyOutcome {
	return schemas.ProxyOutcome{
		Proxy:          id,
		Context:        schemas.RequestContext{Target: target, Kind: schemas.RequestStatusCheck, Priority: schemas.PriorityMedium},
		Success:        success,
		Detected:       detected,
		ResponseTimeMs: ms,
	}
}

// TestSelector_DominantProxyWins models a pool where one proxy has a perfect
// record, one keeps failing and one keeps getting detected: the clean proxy
// must win the weighted-random draw in the overwhelming majority of trials.
func TestSelector_DominantProxyWins(t *testing.T) {
	p1 := proxyID("alpha", "10.0.0.1:8080", schemas.ProxyResidential)
	p2 := proxyID("alpha", "10.0.0.2:8080", schemas.ProxyResidential)
	p3 := proxyID("alpha", "10.0.0.3:8080", schemas.ProxyResidential)
	s := testSelector(t, p1, p2, p3)

	for i := 0; i < 100; i++ {
		s.RecordOutcome(outcomeFor(p1, "X", true, false, 100))
	}
	for i := 0; i < 10; i++ {
		s.RecordOutcome(outcomeFor(p2, "X", true, false, 100))
	}
	for i := 0; i < 90; i++ {
		s.RecordOutcome(outcomeFor(p2, "X", false, false, 100))
	}
	for i := 0; i < 15; i++ {
		s.RecordOutcome(outcomeFor(p3, "X", true, true, 100))
	}

	req := schemas.RequestContext{Target: "X", Kind: schemas.RequestStatusCheck, Priority: schemas.PriorityHigh}
	const trials = 200
	p1Picks := 0
	for i := 0; i < trials; i++ {
		id, err := s.Select(req, "")
		require.NoError(t, err)
		if id.Key() == p1.Key() {
			p1Picks++
		}
	}
	assert.GreaterOrEqual(t, p1Picks, trials*9/10, "clean proxy picked %d/%d times", p1Picks, trials)
}

func TestSelector_CandidateGates(t *testing.T) {
	t.Run("consecutive failures exclude the proxy", func(t *testing.T) {
		p := proxyID("alpha", "10.0.0.1:8080", schemas.ProxyDatacenter)
		s := testSelector(t, p)

		for i := 0; i < 6; i++ {
			s.RecordOutcome(outcomeFor(p, "X", false, false, 100))
		}
		_, err := s.Select(schemas.RequestContext{Target: "X"}, "")
		assert.ErrorIs(t, err, ErrNoProxyAvailable)
	})

	t.Run("recent failures exclude until the window passes", func(t *testing.T) {
		p := proxyID("alpha", "10.0.0.1:8080", schemas.ProxyDatacenter)
		s := testSelector(t, p)
		clock := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return clock }

		// A solid history keeps health up, then a short failure streak
		// crosses the recent-failure threshold.
		for i := 0; i < 30; i++ {
			s.RecordOutcome(outcomeFor(p, "X", true, false, 50))
		}
		for i := 0; i < 3; i++ {
			s.RecordOutcome(outcomeFor(p, "X", false, false, 50))
		}
		require.Greater(t, s.Health(p), 0.3)

		_, err := s.Select(schemas.RequestContext{Target: "X"}, "")
		assert.ErrorIs(t, err, ErrNoProxyAvailable)

		// Once the failure is no longer recent the proxy comes back.
		clock = clock.Add(6 * time.Minute)
		id, err := s.Select(schemas.RequestContext{Target: "X"}, "")
		require.NoError(t, err)
		assert.Equal(t, p.Key(), id.Key())
	})

	t.Run("per-target detection cutoff is target scoped", func(t *testing.T) {
		p := proxyID("alpha", "10.0.0.1:8080", schemas.ProxyDatacenter)
		s := testSelector(t, p)

		// Plenty of clean traffic on Y keeps overall health fine, while X
		// keeps burning the proxy.
		for i := 0; i < 100; i++ {
			s.RecordOutcome(outcomeFor(p, "Y", true, false, 50))
		}
		for i := 0; i < 12; i++ {
			s.RecordOutcome(outcomeFor(p, "X", true, true, 50))
		}

		_, err := s.Select(schemas.RequestContext{Target: "X"}, "")
		assert.ErrorIs(t, err, ErrNoProxyAvailable)

		id, err := s.Select(schemas.RequestContext{Target: "Y"}, "")
		require.NoError(t, err)
		assert.Equal(t, p.Key(), id.Key())
	})

	t.Run("health floor excludes a burned proxy", func(t *testing.T) {
		p := proxyID("alpha", "10.0.0.1:8080", schemas.ProxyDatacenter)
		s := testSelector(t, p)

		for i := 0; i < 20; i++ {
			s.RecordOutcome(outcomeFor(p, "X", true, true, 50))
		}
		require.Less(t, s.Health(p), 0.3)

		_, err := s.Select(schemas.RequestContext{Target: "Z"}, "")
		assert.ErrorIs(t, err, ErrNoProxyAvailable)
	})
}

func TestSelector_HealthStaysInRange(t *testing.T) {
	p := proxyID("alpha", "10.0.0.1:8080", schemas.ProxyMobile)
	s := testSelector(t, p)

	for i := 0; i < 500; i++ {
		s.RecordOutcome(outcomeFor(p, "X", i%3 != 0, i%7 == 0, float64(50+i%400)))
		h := s.Health(p)
		assert.GreaterOrEqual(t, h, 0.0)
		assert.LessOrEqual(t, h, 1.0)
	}
}

func TestSelector_StickySessions(t *testing.T) {
	p1 := proxyID("alpha", "10.0.0.1:8080", schemas.ProxyResidential)
	p2 := proxyID("alpha", "10.0.0.2:8080", schemas.ProxyResidential)
	s := testSelector(t, p1, p2)

	req := schemas.RequestContext{Target: "X", Priority: schemas.PriorityHigh}

	first, err := s.Select(req, "session-1")
	require.NoError(t, err)

	t.Run("binding short-circuits scoring", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			id, err := s.Select(req, "session-1")
			require.NoError(t, err)
			assert.Equal(t, first.Key(), id.Key())
		}
	})

	t.Run("release forces a fresh selection", func(t *testing.T) {
		s.ReleaseSession("session-1")
		s.mu.Lock()
		_, bound := s.sticky["session-1"]
		s.mu.Unlock()
		assert.False(t, bound)
	})

	t.Run("unhealthy binding falls through to the pool", func(t *testing.T) {
		bound, err := s.Select(req, "session-2")
		require.NoError(t, err)

		for i := 0; i < 6; i++ {
			s.RecordOutcome(outcomeFor(bound, "X", false, false, 50))
		}
		id, err := s.Select(req, "session-2")
		require.NoError(t, err)
		assert.NotEqual(t, bound.Key(), id.Key())
	})
}

func TestSelector_LearnedScorer(t *testing.T) {
	p1 := proxyID("alpha", "10.0.0.1:8080", schemas.ProxyResidential)
	p2 := proxyID("beta", "10.0.0.2:8080", schemas.ProxyDatacenter)
	s := testSelector(t, p1, p2)

	t.Run("too few samples leaves the model untrained", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			s.RecordOutcome(outcomeFor(p1, "X", true, false, 100))
		}
		s.Train()
		assert.False(t, s.scorer.Ready())
	})

	t.Run("enough samples trains and selection keeps working", func(t *testing.T) {
		for i := 0; i < 60; i++ {
			s.RecordOutcome(outcomeFor(p1, "X", true, false, 100))
			s.RecordOutcome(outcomeFor(p2, "X", i%4 == 0, i%2 == 0, 400))
		}
		require.GreaterOrEqual(t, s.TrainingSamples(), 100)
		s.Train()
		require.True(t, s.scorer.Ready())

		id, err := s.Select(schemas.RequestContext{Target: "X", Priority: schemas.PriorityHigh}, "")
		require.NoError(t, err)
		assert.Contains(t, []string{p1.Key(), p2.Key()}, id.Key())
	})
}

// TestSelector_SnapshotRestore verifies that a fresh selector restored from a
// snapshot ranks candidates exactly like the instance that produced it.
func TestSelector_SnapshotRestore(t *testing.T) {
	p1 := proxyID("alpha", "10.0.0.1:8080", schemas.ProxyResidential)
	p2 := proxyID("beta", "10.0.0.2:8080", schemas.ProxyDatacenter)
	fixed := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	a := testSelector(t, p1, p2)
	a.now = func() time.Time { return fixed }
	for i := 0; i < 40; i++ {
		a.RecordOutcome(outcomeFor(p1, "X", i%5 != 0, false, 80))
		a.RecordOutcome(outcomeFor(p2, "X", i%2 == 0, i%6 == 0, 250))
	}

	snaps := a.Snapshot()
	require.Len(t, snaps, 2)

	b := testSelector(t, p1, p2)
	b.now = func() time.Time { return fixed }
	b.Restore(snaps)

	req := schemas.RequestContext{Target: "X", Priority: schemas.PriorityHigh}
	rankedA := a.rankCandidates(req, fixed)
	rankedB := b.rankCandidates(req, fixed)
	require.Equal(t, len(rankedA), len(rankedB))
	for i := range rankedA {
		assert.Equal(t, rankedA[i].key, rankedB[i].key)
		assert.InDelta(t, rankedA[i].score, rankedB[i].score, 1e-9)
	}

	t.Run("snapshot for unknown proxy is skipped", func(t *testing.T) {
		c := testSelector(t, p1)
		c.Restore([]schemas.ProxySnapshot{{Provider: "gone", Address: "10.9.9.9:1"}})
		assert.Len(t, c.Snapshot(), 1)
	})
}
