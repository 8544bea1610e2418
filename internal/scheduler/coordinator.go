package scheduler

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
)

// Coordinator spreads multiple logical identities' check times apart so
// concurrent watchers of the same show never fire in a synchronized burst.
type Coordinator struct {
	cfg   config.CoordinatorConfig
	log   *zap.Logger
	now   func() time.Time
	epoch time.Time
	noise *perlin.Perlin

	mu         sync.Mutex
	lastChecks map[string]time.Time
}

// NewCoordinator builds the coordinator. The perlin field gives each
// identity a smooth, slowly wandering jitter instead of white noise, which
// would itself be a statistical tell.
func NewCoordinator(cfg *config.Config, logger *zap.Logger) *Coordinator {
	alpha, beta, n := 2.0, 2.0, int32(3)
	return &Coordinator{
		cfg:        cfg.Coordinator,
		log:        logger.With(zap.String("component", "coordinator")),
		now:        time.Now,
		epoch:      time.Now(),
		noise:      perlin.NewPerlin(alpha, beta, n, 1977), // Darkness on the Edge of Town
		lastChecks: make(map[string]time.Time),
	}
}

// Register announces an identity so the admission gate knows the fleet
// size. Registering twice is harmless.
func (c *Coordinator) Register(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lastChecks[identity]; !ok {
		c.lastChecks[identity] = time.Time{}
	}
}

// Offset returns the identity's stable slice of the base interval plus a
// smooth jitter, bounded by the configured maximum. Identities keep their
// slot across restarts because the hash is stable.
func (c *Coordinator) Offset(identity string, baseInterval time.Duration) time.Duration {
	c.mu.Lock()
	n := len(c.lastChecks)
	c.mu.Unlock()
	if n < 2 {
		return c.jitter(identity)
	}

	spread := baseInterval / 2
	if spread > c.cfg.MaxOffset {
		spread = c.cfg.MaxOffset
	}

	slot := identityHash(identity) % uint64(n)
	offset := time.Duration(float64(spread) * float64(slot) / float64(n-1))
	return offset + c.jitter(identity)
}

// jitter samples the perlin field at (identity slot, elapsed minutes) and
// scales it to the configured +/- seconds.
func (c *Coordinator) jitter(identity string) time.Duration {
	t := c.now().Sub(c.epoch).Minutes() + float64(identityHash(identity)%1000)
	return time.Duration(c.noise.Noise1D(t*0.1) * c.cfg.JitterSeconds * float64(time.Second))
}

// MayCheck is the admission gate: the identity must have waited out its own
// spacing AND fewer than a third of the fleet may have checked inside the
// spacing window. Single-identity fleets always pass the second gate.
func (c *Coordinator) MayCheck(identity string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.lastChecks[identity]; ok && !last.IsZero() {
		if now.Sub(last) < c.cfg.MinimumSpacing {
			return false
		}
	}

	n := len(c.lastChecks)
	limit := n / 3
	if limit < 1 {
		limit = 1
	}
	recent := 0
	for id, last := range c.lastChecks {
		if id == identity || last.IsZero() {
			continue
		}
		if now.Sub(last) < c.cfg.MinimumSpacing {
			recent++
		}
	}
	return recent < limit
}

// RecordCheck marks the identity as having just checked.
func (c *Coordinator) RecordCheck(identity string) {
	c.mu.Lock()
	c.lastChecks[identity] = c.now()
	c.mu.Unlock()
}

// identityHash is FNV-1a, stable across runs so offsets survive restarts.
func identityHash(identity string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(identity))
	return h.Sum64()
}
