package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParsePresets(t *testing.T) {
	tests := []struct {
		expr string
		cron string
	}{
		{"hourly", "0 * * * *"},
		{"daily", "0 0 * * *"},
		{"weekly", "0 0 * * 0"},
		{"monthly", "0 0 1 * *"},
		{"  Daily ", "0 0 * * *"},
	}
	for _, tt := range tests {
		spec, ok := Parse(tt.expr)
		assert.True(t, ok, tt.expr)
		assert.Equal(t, tt.cron, spec.Cron, tt.expr)
		assert.False(t, spec.Interval())
	}
}

func TestParseIntervals(t *testing.T) {
	tests := []struct {
		expr string
		want time.Duration
	}{
		{"@every_30m", 30 * time.Minute},
		{"@every_6h", 6 * time.Hour},
		{"@every_2d", 48 * time.Hour},
		{"@every_1m", time.Minute},
	}
	for _, tt := range tests {
		spec, ok := Parse(tt.expr)
		assert.True(t, ok, tt.expr)
		assert.Equal(t, tt.want, spec.Every, tt.expr)
		assert.True(t, spec.Interval())
	}
}

func TestParseCronExpressions(t *testing.T) {
	spec, ok := Parse("30 3 * * 1-5")
	assert.True(t, ok)
	assert.Equal(t, "30 3 * * 1-5", spec.Cron)
}

func TestParseFallbackToDaily(t *testing.T) {
	for _, expr := range []string{
		"whenever",
		"@every_xyzm",
		"@every_0h",
		"@every_5y",
		"61 25 * * *",
		"",
	} {
		spec, ok := Parse(expr)
		assert.False(t, ok, expr)
		assert.Equal(t, "0 0 * * *", spec.Cron, expr)
	}
}

func TestNextAfterCron(t *testing.T) {
	spec, _ := Parse("daily")
	at := time.Date(2026, 8, 25, 15, 30, 0, 0, time.UTC)
	next := spec.NextAfter(at)
	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), next)
}

func TestNextAfterInterval(t *testing.T) {
	spec, _ := Parse("@every_6h")
	at := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Add(6*time.Hour), spec.NextAfter(at))
}
