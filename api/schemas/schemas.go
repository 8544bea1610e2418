package schemas

import (
	"context"
	"strings"
	"time"
)

// -- Closed Enumerations --
// These are deliberately closed sets: every switch over them carries an
// explicit default so an unknown value degrades instead of panicking.

// DetectionType categorizes a "we got noticed" signal from a target.
type DetectionType string

const (
	DetectionCaptcha        DetectionType = "captcha"
	DetectionRateLimit      DetectionType = "rate_limit"
	DetectionFingerprint    DetectionType = "fingerprint"
	DetectionIPBlock        DetectionType = "ip_block"
	DetectionSessionInvalid DetectionType = "session_invalid"
	DetectionBehavior       DetectionType = "behavior"
	DetectionUnknown        DetectionType = "unknown"
)

// AllDetectionTypes lists every classification the engine can emit.
var AllDetectionTypes = []DetectionType{
	DetectionCaptcha,
	DetectionRateLimit,
	DetectionFingerprint,
	DetectionIPBlock,
	DetectionSessionInvalid,
	DetectionBehavior,
	DetectionUnknown,
}

// ResponseStrategy is a single mitigation the engine can ask the session
// driver to apply.
type ResponseStrategy string

const (
	StrategyEnhanceBehavior   ResponseStrategy = "enhance_behavior"
	StrategySlowDown          ResponseStrategy = "slow_down"
	StrategyChangeProxy       ResponseStrategy = "change_proxy"
	StrategyRotateFingerprint ResponseStrategy = "rotate_fingerprint"
	StrategyPauseSession      ResponseStrategy = "pause_session"
	StrategySwitchProfile     ResponseStrategy = "switch_profile"
	StrategyFullReset         ResponseStrategy = "full_reset"
)

// ActivityLevel describes how "alive" a monitored event page currently is.
type ActivityLevel string

const (
	ActivityDead     ActivityLevel = "dead"
	ActivityLow      ActivityLevel = "low"
	ActivityNormal   ActivityLevel = "normal"
	ActivityHigh     ActivityLevel = "high"
	ActivityCritical ActivityLevel = "critical"
)

// Priority weights a request or a monitoring target.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// RequestKind tells the proxy selector what the session is about to do.
type RequestKind string

const (
	RequestStatusCheck RequestKind = "status_check"
	RequestBrowse      RequestKind = "browse"
	RequestPurchase    RequestKind = "purchase"
)

// ProxyType mirrors how upstream providers market their pools.
type ProxyType string

const (
	ProxyResidential ProxyType = "residential"
	ProxyDatacenter  ProxyType = "datacenter"
	ProxyMobile      ProxyType = "mobile"
)

// -- Detection Models --

// Observation is the free-form signal bundle the session driver hands us
// after a probe. Keys are driver-defined; the classifier only relies on a
// few well-known flags and otherwise matches keywords against the textual
// rendering of the whole bundle.
type Observation map[string]interface{}

// Flag reports whether the named key is present and truthy.
func (o Observation) Flag(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Text renders the bundle as one lowercase string for keyword matching.
func (o Observation) Text() string {
	var sb strings.Builder
	for k, v := range o {
		sb.WriteString(strings.ToLower(k))
		sb.WriteByte(' ')
		if s, ok := v.(string); ok {
			sb.WriteString(strings.ToLower(s))
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

// SessionContext identifies the logical session, proxy and identity a
// detection signal was observed under. All fields are optional.
type SessionContext struct {
	SessionID  string `json:"session_id,omitempty"`
	ProxyID    string `json:"proxy_id,omitempty"`
	IdentityID string `json:"identity_id,omitempty"`
}

// DetectionEvent is an immutable record of one classified detection signal.
type DetectionEvent struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Target    string        `json:"target"`
	Type      DetectionType `json:"type"`
	Severity  float64       `json:"severity"`
	Context   Observation   `json:"context,omitempty"`
	Session   SessionContext `json:"session,omitempty"`
}

// AdaptiveResponse is the engine's answer to a detection report: which
// mitigations to apply, in order, and how confident we are that they help.
type AdaptiveResponse struct {
	Strategies       []ResponseStrategy `json:"strategies"`
	WaitTime         time.Duration      `json:"wait_time"`
	SpeedFactor      float64            `json:"speed_factor,omitempty"`
	Confidence       float64            `json:"confidence"`
	EstimatedSuccess float64            `json:"estimated_success"`
	Escalation       bool               `json:"escalation,omitempty"`
}

// -- Proxy Models --

// ProxyIdentity is the static identity of one egress proxy as configured.
type ProxyIdentity struct {
	Address  string    `json:"address" mapstructure:"address"`
	Username string    `json:"username,omitempty" mapstructure:"username"`
	Password string    `json:"-" mapstructure:"password"`
	Provider string    `json:"provider" mapstructure:"provider"`
	Location string    `json:"location" mapstructure:"location"`
	Type     ProxyType `json:"type" mapstructure:"type"`
	// CostPerRequest is the accounting cost in provider credits.
	CostPerRequest float64 `json:"cost_per_request" mapstructure:"cost_per_request"`
}

// Key returns the identity used for record keeping and sticky bindings.
func (p ProxyIdentity) Key() string { return p.Provider + "/" + p.Address }

// Zero reports whether the identity is the empty value.
func (p ProxyIdentity) Zero() bool { return p.Address == "" }

// RequestContext describes the request a proxy is being selected for.
type RequestContext struct {
	Target   string      `json:"target"`
	Kind     RequestKind `json:"kind"`
	Priority Priority    `json:"priority"`
	Locale   string      `json:"locale,omitempty"`
}

// ProxyOutcome reports how a probe through a selected proxy went.
type ProxyOutcome struct {
	Proxy          ProxyIdentity  `json:"proxy"`
	Context        RequestContext `json:"context"`
	Success        bool           `json:"success"`
	Detected       bool           `json:"detected"`
	ResponseTimeMs float64        `json:"response_time_ms"`
	Error          string         `json:"error,omitempty"`
}

// -- Snapshot Models --
// The persisted-state surface. FileStore writes exactly this shape as JSON;
// the Postgres archive stores it as a jsonb payload.

// TargetRates is a per-target success/detection breakdown for one proxy.
type TargetRates struct {
	SuccessRate   float64 `json:"success_rate"`
	DetectionRate float64 `json:"detection_rate"`
	Observations  int     `json:"observations"`
}

// ProxySnapshot is the exportable view of one proxy's accumulated metrics.
type ProxySnapshot struct {
	Address             string                 `json:"address"`
	Provider            string                 `json:"provider"`
	Location            string                 `json:"location"`
	Type                ProxyType              `json:"type"`
	HealthScore         float64                `json:"health_score"`
	TotalRequests       int64                  `json:"total_requests"`
	SuccessRequests     int64                  `json:"success_requests"`
	FailedRequests      int64                  `json:"failed_requests"`
	DetectedRequests    int64                  `json:"detected_requests"`
	AvgResponseTimeMs   float64                `json:"avg_response_time_ms"`
	ResponseTimeSamples []float64              `json:"response_time_samples,omitempty"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	LastSuccess         time.Time              `json:"last_success,omitempty"`
	LastFailure         time.Time              `json:"last_failure,omitempty"`
	AccumulatedCost     float64                `json:"accumulated_cost"`
	PerTarget           map[string]TargetRates `json:"per_target,omitempty"`
}

// PatternSnapshot is the exportable view of one target's learned schedule.
type PatternSnapshot struct {
	Target          string    `json:"target"`
	PeakHours       []int     `json:"peak_hours,omitempty"`
	PeakDays        []int     `json:"peak_days,omitempty"`
	AvgIntervalSecs float64   `json:"avg_interval_secs"`
	LastDropTime    time.Time `json:"last_drop_time,omitempty"`
	IntervalSamples []float64 `json:"interval_samples,omitempty"`
	TotalChecks     int64     `json:"total_checks"`
	Successes       int64     `json:"successes"`
}

// Snapshot bundles the full persisted state of the core.
type Snapshot struct {
	ID       string            `json:"id"`
	TakenAt  time.Time         `json:"taken_at"`
	Patterns []PatternSnapshot `json:"patterns"`
	Proxies  []ProxySnapshot   `json:"proxies"`
}

// -- Collaborator Contract --

// Core is the inbound surface the probe/session driver talks to. Every
// method is a total function: bad input degrades to a defined default and
// the only error surfaced is the explicit "no proxy available" case.
type Core interface {
	ReportDetection(target string, obs Observation, sess SessionContext) AdaptiveResponse
	ReportStrategyOutcome(target string, detType DetectionType, strategies []ResponseStrategy, success bool)
	ReportCheckResult(target string, success bool, positiveSignals int, responseTimeMs float64)
	GetProxy(reqCtx RequestContext, stickySessionID string) (ProxyIdentity, error)
	ReportProxyOutcome(outcome ProxyOutcome)
	ShouldCheckNow(target string, lastCheck time.Time) bool
	NextInterval(target string, priority Priority) time.Duration
	Snapshot() Snapshot
	Restore(snap Snapshot)
}

// Snapshotter persists snapshots; the supervisor calls it on a timer.
type Snapshotter interface {
	Save(ctx context.Context, snap Snapshot) error
}
