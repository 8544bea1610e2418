// The application's root configuration. Every tuning constant of the
// adaptive core lives here with its shipped default, so operators can adjust
// behavior without a rebuild. The defaults are calibrated values, not
// correctness requirements.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Detection   DetectionConfig   `mapstructure:"detection"`
	Response    ResponseConfig    `mapstructure:"response"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Targets     []TargetConfig    `mapstructure:"targets"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug"`
	Info   string `mapstructure:"info"`
	Warn   string `mapstructure:"warn"`
	Error  string `mapstructure:"error"`
	DPanic string `mapstructure:"dpanic"`
	Panic  string `mapstructure:"panic"`
	Fatal  string `mapstructure:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	AddSource   bool        `mapstructure:"add_source"`
	ServiceName string      `mapstructure:"service_name"`
	LogFile     string      `mapstructure:"log_file"`
	MaxSize     int         `mapstructure:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups"`
	MaxAge      int         `mapstructure:"max_age"`
	Compress    bool        `mapstructure:"compress"`
	Colors      ColorConfig `mapstructure:"colors"`
}

// PostgresConfig holds settings for the optional snapshot archive.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// TargetConfig is the static prior knowledge about one monitored target.
type TargetConfig struct {
	Name string `mapstructure:"name"`
	// Sensitivity scales classified severity; 1.0 is neutral.
	Sensitivity float64          `mapstructure:"sensitivity"`
	Priority    schemas.Priority `mapstructure:"priority"`
	// KnownStrategies seeds the effective-strategy map before any outcomes
	// have been observed. Keys are DetectionType strings.
	KnownStrategies map[string][]schemas.ResponseStrategy `mapstructure:"known_strategies"`
	PeakHours       []int                                 `mapstructure:"peak_hours"`
	PeakDays        []int                                 `mapstructure:"peak_days"`
}

// DetectionConfig tunes the classifier and the per-target risk scorer.
type DetectionConfig struct {
	// RiskAlpha is the EMA weight of a new event's severity in the risk score.
	RiskAlpha float64 `mapstructure:"risk_alpha"`
	// RiskDecayPerMinute multiplies the risk score per idle minute.
	RiskDecayPerMinute float64       `mapstructure:"risk_decay_per_minute"`
	DecayWindow        time.Duration `mapstructure:"decay_window"`
	RecentBoostWindow  time.Duration `mapstructure:"recent_boost_window"`
	RecentBoostStep    float64       `mapstructure:"recent_boost_step"`
	SeverityBase       float64       `mapstructure:"severity_base"`
	HardBlockFloor     float64       `mapstructure:"hard_block_floor"`
	SoftChallengeCeil  float64       `mapstructure:"soft_challenge_ceil"`
	HistoryCapacity    int           `mapstructure:"history_capacity"`
	TargetLogCapacity  int           `mapstructure:"target_log_capacity"`
}

// ResponseConfig tunes the strategy selector and its feedback loop.
type ResponseConfig struct {
	EscalateSeverity float64       `mapstructure:"escalate_severity"`
	PauseSeverity    float64       `mapstructure:"pause_severity"`
	EscalateWait     time.Duration `mapstructure:"escalate_wait"`
	PauseWait        time.Duration `mapstructure:"pause_wait"`
	SlowSpeedFactor  float64       `mapstructure:"slow_speed_factor"`
	// OutcomeCapacity bounds the per-(type,strategy) outcome history;
	// OutcomeTrim is what it is cut back to when the bound is reached.
	OutcomeCapacity int `mapstructure:"outcome_capacity"`
	OutcomeTrim     int `mapstructure:"outcome_trim"`
	// PatternInterval is the cadence of the background pattern analysis.
	PatternInterval time.Duration `mapstructure:"pattern_interval"`
}

// ProxyConfig tunes the selection engine and defines the pool.
type ProxyConfig struct {
	Pool []schemas.ProxyIdentity `mapstructure:"pool"`

	EMAAlpha               float64       `mapstructure:"ema_alpha"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	MinHealth              float64       `mapstructure:"min_health"`
	RecentFailureWindow    time.Duration `mapstructure:"recent_failure_window"`
	RecentFailureThreshold int           `mapstructure:"recent_failure_threshold"`
	TargetDetectionCutoff  float64       `mapstructure:"target_detection_cutoff"`
	TargetDetectionMinObs  int           `mapstructure:"target_detection_min_obs"`
	TopK                   int           `mapstructure:"top_k"`
	ResponseTimeWindow     int           `mapstructure:"response_time_window"`
	ClassifierMinSamples   int           `mapstructure:"classifier_min_samples"`
	TrainingCapacity       int           `mapstructure:"training_capacity"`
	HeuristicBlend         float64       `mapstructure:"heuristic_blend"`
	HealthCheckInterval    time.Duration `mapstructure:"health_check_interval"`
	HealthCheckSampleSize  int           `mapstructure:"health_check_sample_size"`
	RetrainInterval        time.Duration `mapstructure:"retrain_interval"`
}

// SchedulerConfig tunes the adaptive interval computation.
type SchedulerConfig struct {
	Intervals IntervalTable `mapstructure:"intervals"`

	QuietHourStart       int           `mapstructure:"quiet_hour_start"`
	QuietHourEnd         int           `mapstructure:"quiet_hour_end"`
	QuietMultiplier      float64       `mapstructure:"quiet_multiplier"`
	GlobalPeakHours      []int         `mapstructure:"global_peak_hours"`
	GlobalPeakFactor     float64       `mapstructure:"global_peak_factor"`
	TargetPeakHourFactor float64       `mapstructure:"target_peak_hour_factor"`
	TargetPeakDayFactor  float64       `mapstructure:"target_peak_day_factor"`
	PredictHorizon       time.Duration `mapstructure:"predict_horizon"`
	PredictKnee          time.Duration `mapstructure:"predict_knee"`
	PredictJitter        float64       `mapstructure:"predict_jitter"`
	MinInterval          time.Duration `mapstructure:"min_interval"`
	MaxInterval          time.Duration `mapstructure:"max_interval"`
	BurstDuration        time.Duration `mapstructure:"burst_duration"`
	IntervalSamples      int           `mapstructure:"interval_samples"`
	CheckNowHorizon      time.Duration `mapstructure:"check_now_horizon"`
}

// IntervalTable is the base polling interval per activity level.
type IntervalTable struct {
	Dead     time.Duration `mapstructure:"dead"`
	Low      time.Duration `mapstructure:"low"`
	Normal   time.Duration `mapstructure:"normal"`
	High     time.Duration `mapstructure:"high"`
	Critical time.Duration `mapstructure:"critical"`
}

// For returns the base interval for the given activity level.
func (t IntervalTable) For(level schemas.ActivityLevel) time.Duration {
	switch level {
	case schemas.ActivityDead:
		return t.Dead
	case schemas.ActivityLow:
		return t.Low
	case schemas.ActivityNormal:
		return t.Normal
	case schemas.ActivityHigh:
		return t.High
	case schemas.ActivityCritical:
		return t.Critical
	default:
		return t.Normal
	}
}

// CoordinatorConfig tunes multi-identity check spreading.
type CoordinatorConfig struct {
	MinimumSpacing time.Duration `mapstructure:"minimum_spacing"`
	MaxOffset      time.Duration `mapstructure:"max_offset"`
	JitterSeconds  float64       `mapstructure:"jitter_seconds"`
}

// SnapshotConfig controls periodic best-effort state persistence.
type SnapshotConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

// SetDefaults installs the shipped defaults on the given viper instance.
// Config files override them piecemeal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "springsteen-monitor")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	v.SetDefault("detection.risk_alpha", 0.3)
	v.SetDefault("detection.risk_decay_per_minute", 0.99)
	v.SetDefault("detection.decay_window", 5*time.Minute)
	v.SetDefault("detection.recent_boost_window", 10*time.Minute)
	v.SetDefault("detection.recent_boost_step", 0.1)
	v.SetDefault("detection.severity_base", 0.5)
	v.SetDefault("detection.hard_block_floor", 0.9)
	v.SetDefault("detection.soft_challenge_ceil", 0.6)
	v.SetDefault("detection.history_capacity", 10000)
	v.SetDefault("detection.target_log_capacity", 500)

	v.SetDefault("response.escalate_severity", 0.8)
	v.SetDefault("response.pause_severity", 0.6)
	v.SetDefault("response.escalate_wait", 300*time.Second)
	v.SetDefault("response.pause_wait", 60*time.Second)
	v.SetDefault("response.slow_speed_factor", 0.5)
	v.SetDefault("response.outcome_capacity", 100)
	v.SetDefault("response.outcome_trim", 50)
	v.SetDefault("response.pattern_interval", 10*time.Minute)

	v.SetDefault("proxy.ema_alpha", 0.1)
	v.SetDefault("proxy.max_consecutive_failures", 5)
	v.SetDefault("proxy.min_health", 0.3)
	v.SetDefault("proxy.recent_failure_window", 5*time.Minute)
	v.SetDefault("proxy.recent_failure_threshold", 2)
	v.SetDefault("proxy.target_detection_cutoff", 0.7)
	v.SetDefault("proxy.target_detection_min_obs", 10)
	v.SetDefault("proxy.top_k", 5)
	v.SetDefault("proxy.response_time_window", 100)
	v.SetDefault("proxy.classifier_min_samples", 100)
	v.SetDefault("proxy.training_capacity", 10000)
	v.SetDefault("proxy.heuristic_blend", 0.6)
	v.SetDefault("proxy.health_check_interval", 60*time.Second)
	v.SetDefault("proxy.health_check_sample_size", 5)
	v.SetDefault("proxy.retrain_interval", 5*time.Minute)

	v.SetDefault("scheduler.intervals.dead", 300*time.Second)
	v.SetDefault("scheduler.intervals.low", 120*time.Second)
	v.SetDefault("scheduler.intervals.normal", 60*time.Second)
	v.SetDefault("scheduler.intervals.high", 30*time.Second)
	v.SetDefault("scheduler.intervals.critical", 10*time.Second)
	v.SetDefault("scheduler.quiet_hour_start", 0)
	v.SetDefault("scheduler.quiet_hour_end", 6)
	v.SetDefault("scheduler.quiet_multiplier", 3.0)
	v.SetDefault("scheduler.global_peak_hours", []int{10, 11, 12, 17, 18, 19, 20})
	v.SetDefault("scheduler.global_peak_factor", 0.7)
	v.SetDefault("scheduler.target_peak_hour_factor", 0.5)
	v.SetDefault("scheduler.target_peak_day_factor", 0.8)
	v.SetDefault("scheduler.predict_horizon", 10*time.Minute)
	v.SetDefault("scheduler.predict_knee", 300*time.Second)
	v.SetDefault("scheduler.predict_jitter", 0.2)
	v.SetDefault("scheduler.min_interval", 10*time.Second)
	v.SetDefault("scheduler.max_interval", 600*time.Second)
	v.SetDefault("scheduler.burst_duration", 300*time.Second)
	v.SetDefault("scheduler.interval_samples", 100)
	v.SetDefault("scheduler.check_now_horizon", 5*time.Minute)

	v.SetDefault("coordinator.minimum_spacing", 5*time.Second)
	v.SetDefault("coordinator.max_offset", 30*time.Second)
	v.SetDefault("coordinator.jitter_seconds", 2.0)

	v.SetDefault("snapshot.path", "state/snapshot.json")
	v.SetDefault("snapshot.interval", 5*time.Minute)
}

// Load unmarshals and validates the full configuration from the given viper
// instance. There is deliberately no package-level singleton; the loaded
// Config is passed down explicitly.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Detection.RiskAlpha <= 0 || c.Detection.RiskAlpha > 1 {
		return fmt.Errorf("detection.risk_alpha must be in (0,1], got %v", c.Detection.RiskAlpha)
	}
	if c.Detection.RiskDecayPerMinute <= 0 || c.Detection.RiskDecayPerMinute > 1 {
		return fmt.Errorf("detection.risk_decay_per_minute must be in (0,1], got %v", c.Detection.RiskDecayPerMinute)
	}
	if c.Proxy.EMAAlpha <= 0 || c.Proxy.EMAAlpha > 1 {
		return fmt.Errorf("proxy.ema_alpha must be in (0,1], got %v", c.Proxy.EMAAlpha)
	}
	if c.Scheduler.MinInterval <= 0 || c.Scheduler.MaxInterval < c.Scheduler.MinInterval {
		return fmt.Errorf("scheduler interval clamp [%v, %v] is invalid", c.Scheduler.MinInterval, c.Scheduler.MaxInterval)
	}
	if c.Response.OutcomeTrim > c.Response.OutcomeCapacity {
		return fmt.Errorf("response.outcome_trim (%d) exceeds outcome_capacity (%d)", c.Response.OutcomeTrim, c.Response.OutcomeCapacity)
	}
	seen := make(map[string]struct{}, len(c.Proxy.Pool))
	for _, p := range c.Proxy.Pool {
		if p.Address == "" {
			return fmt.Errorf("proxy pool entry missing address")
		}
		if _, dup := seen[p.Key()]; dup {
			return fmt.Errorf("duplicate proxy pool entry %q", p.Key())
		}
		seen[p.Key()] = struct{}{}
	}
	for _, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("target entry missing name")
		}
		if t.Sensitivity < 0 {
			return fmt.Errorf("target %q has negative sensitivity", t.Name)
		}
	}
	return nil
}

// Target returns the configured priors for a target, with neutral defaults
// for targets that appear at runtime without configuration.
func (c *Config) Target(name string) TargetConfig {
	for _, t := range c.Targets {
		if t.Name == name {
			return t
		}
	}
	return TargetConfig{Name: name, Sensitivity: 1.0, Priority: schemas.PriorityMedium}
}
