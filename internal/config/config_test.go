package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
)

func loadYAML(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yaml)))
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.InDelta(t, 0.3, cfg.Detection.RiskAlpha, 1e-9)
	assert.InDelta(t, 0.99, cfg.Detection.RiskDecayPerMinute, 1e-9)
	assert.Equal(t, 100, cfg.Response.OutcomeCapacity)
	assert.Equal(t, 50, cfg.Response.OutcomeTrim)
	assert.InDelta(t, 0.1, cfg.Proxy.EMAAlpha, 1e-9)
	assert.Equal(t, 5, cfg.Proxy.MaxConsecutiveFailures)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.MinInterval)
	assert.Equal(t, 600*time.Second, cfg.Scheduler.MaxInterval)
	assert.Equal(t, 300*time.Second, cfg.Scheduler.BurstDuration)
	assert.Equal(t, 300*time.Second, cfg.Scheduler.Intervals.Dead)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Intervals.Critical)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.MinimumSpacing)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := loadYAML(t, `
detection:
  risk_alpha: 0.5
scheduler:
  min_interval: 15s
proxy:
  pool:
    - address: "10.0.0.1:8080"
      provider: "alpha"
      type: "residential"
      location: "NL"
targets:
  - name: "amsterdam"
    sensitivity: 0.7
    priority: "high"
    peak_hours: [9, 10]
`)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, cfg.Detection.RiskAlpha, 1e-9)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.MinInterval)
	// Untouched keys keep their defaults.
	assert.Equal(t, 600*time.Second, cfg.Scheduler.MaxInterval)

	require.Len(t, cfg.Proxy.Pool, 1)
	assert.Equal(t, "alpha/10.0.0.1:8080", cfg.Proxy.Pool[0].Key())
	assert.Equal(t, schemas.ProxyResidential, cfg.Proxy.Pool[0].Type)

	tgt := cfg.Target("amsterdam")
	assert.InDelta(t, 0.7, tgt.Sensitivity, 1e-9)
	assert.Equal(t, schemas.PriorityHigh, tgt.Priority)
	assert.Equal(t, []int{9, 10}, tgt.PeakHours)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"risk alpha out of range", "detection:\n  risk_alpha: 1.5\n"},
		{"zero decay", "detection:\n  risk_decay_per_minute: 0\n"},
		{"proxy ema out of range", "proxy:\n  ema_alpha: 2.0\n"},
		{"inverted interval clamp", "scheduler:\n  min_interval: 600s\n  max_interval: 10s\n"},
		{"trim above capacity", "response:\n  outcome_trim: 200\n"},
		{"pool entry without address", "proxy:\n  pool:\n    - provider: \"alpha\"\n"},
		{"duplicate pool entry", "proxy:\n  pool:\n    - address: \"10.0.0.1:8080\"\n      provider: \"alpha\"\n    - address: \"10.0.0.1:8080\"\n      provider: \"alpha\"\n"},
		{"target without name", "targets:\n  - sensitivity: 1.0\n"},
		{"negative sensitivity", "targets:\n  - name: \"x\"\n    sensitivity: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadYAML(t, tc.yaml)
			assert.Error(t, err)
		})
	}
}

func TestTarget_FallbackIsNeutral(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)

	tgt := cfg.Target("never-configured")
	assert.Equal(t, "never-configured", tgt.Name)
	assert.InDelta(t, 1.0, tgt.Sensitivity, 1e-9)
	assert.Equal(t, schemas.PriorityMedium, tgt.Priority)
}

func TestIntervalTable_For(t *testing.T) {
	table := IntervalTable{
		Dead:     300 * time.Second,
		Low:      120 * time.Second,
		Normal:   60 * time.Second,
		High:     30 * time.Second,
		Critical: 10 * time.Second,
	}

	assert.Equal(t, 300*time.Second, table.For(schemas.ActivityDead))
	assert.Equal(t, 120*time.Second, table.For(schemas.ActivityLow))
	assert.Equal(t, 60*time.Second, table.For(schemas.ActivityNormal))
	assert.Equal(t, 30*time.Second, table.For(schemas.ActivityHigh))
	assert.Equal(t, 10*time.Second, table.For(schemas.ActivityCritical))
	assert.Equal(t, 60*time.Second, table.For(schemas.ActivityLevel("bogus")))
}
