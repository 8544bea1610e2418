package detection

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
)

// Well-known observation flags the session driver sets explicitly.
const (
	flagHardBlock     = "hard_block"
	flagSoftChallenge = "soft_challenge"
)

// keywordRule maps a set of indicator substrings to a detection type. Rules
// are evaluated in order; the first hit wins.
type keywordRule struct {
	detType  schemas.DetectionType
	keywords []string
}

// classificationRules is the fixed priority order for keyword matching.
// Captcha-like signals outrank rate limiting, which outranks blocking, so a
// bundle mentioning both classifies as the more actionable type.
var classificationRules = []keywordRule{
	{schemas.DetectionCaptcha, []string{"captcha", "recaptcha", "hcaptcha", "challenge_page", "are you a robot", "verify you are human"}},
	{schemas.DetectionRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429", "throttle", "slow down"}},
	{schemas.DetectionIPBlock, []string{"blocked", "access denied", "forbidden", "403", "ip ban", "banned"}},
	{schemas.DetectionSessionInvalid, []string{"session", "logged out", "login required", "expired", "invalid token"}},
	{schemas.DetectionFingerprint, []string{"fingerprint", "automation", "webdriver", "headless", "bot detected"}},
	{schemas.DetectionBehavior, []string{"behavior", "behaviour", "suspicious activity", "unusual traffic"}},
}

// Classifier turns free-form observation bundles into typed detection
// events. It is stateless; severity shaping that depends on history is fed
// in by the engine.
type Classifier struct {
	cfg config.DetectionConfig
}

// NewClassifier creates a classifier with the given tuning.
func NewClassifier(cfg config.DetectionConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify builds a DetectionEvent from an observation bundle. sensitivity
// is the target's configured prior, recentDetections the count of events
// seen for the target inside the recent-boost window. Unrecognized bundles
// classify as UNKNOWN rather than failing.
func (c *Classifier) Classify(now time.Time, target string, obs schemas.Observation, sess schemas.SessionContext, sensitivity float64, recentDetections int) schemas.DetectionEvent {
	detType := c.classifyType(obs)
	severity := c.severity(obs, sensitivity, recentDetections)

	return schemas.DetectionEvent{
		ID:        uuid.NewString(),
		Timestamp: now,
		Target:    target,
		Type:      detType,
		Severity:  severity,
		Context:   obs,
		Session:   sess,
	}
}

func (c *Classifier) classifyType(obs schemas.Observation) schemas.DetectionType {
	text := obs.Text()
	for _, rule := range classificationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.detType
			}
		}
	}
	return schemas.DetectionUnknown
}

// severity starts from the configured base scaled by target sensitivity,
// gets floored/ceiled by the explicit driver flags, and is boosted per
// recent detection. The result is clamped to [0,1].
func (c *Classifier) severity(obs schemas.Observation, sensitivity float64, recentDetections int) float64 {
	if sensitivity <= 0 {
		sensitivity = 1.0
	}
	sev := c.cfg.SeverityBase * sensitivity

	if obs.Flag(flagHardBlock) && sev < c.cfg.HardBlockFloor {
		sev = c.cfg.HardBlockFloor
	}
	if obs.Flag(flagSoftChallenge) && sev > c.cfg.SoftChallengeCeil {
		sev = c.cfg.SoftChallengeCeil
	}

	sev += c.cfg.RecentBoostStep * float64(recentDetections)

	if sev > 1.0 {
		sev = 1.0
	}
	if sev < 0 {
		sev = 0
	}
	return sev
}
