package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// fallbackCron is the schedule applied when an expression cannot be parsed:
// daily at midnight.
const fallbackCron = "0 0 * * *"

// presets map the shorthand schedule names to cron expressions.
var presets = map[string]string{
	"hourly":  "0 * * * *",
	"daily":   "0 0 * * *",
	"weekly":  "0 0 * * 0",
	"monthly": "0 0 1 * *",
}

// Spec is a normalized schedule: either a 5-field cron expression or a
// fixed interval, never both.
type Spec struct {
	Cron  string
	Every time.Duration
}

// Interval reports whether the schedule is interval-based.
func (s Spec) Interval() bool {
	return s.Every > 0
}

// NextAfter returns the first fire time strictly after t.
func (s Spec) NextAfter(t time.Time) time.Time {
	if s.Interval() {
		return t.Add(s.Every)
	}
	sched, err := cron.ParseStandard(s.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t)
}

// Parse normalizes a schedule expression. Accepted forms:
//
//	hourly | daily | weekly | monthly
//	@every_<N><unit>   unit in m (minutes), h (hours), d (days)
//	standard 5-field cron
//
// An unparseable expression yields the daily-midnight fallback and ok=false
// so the caller can log a warning; a bad schedule must never make a job
// silently unschedulable.
func Parse(expr string) (Spec, bool) {
	e := strings.ToLower(strings.TrimSpace(expr))

	if c, ok := presets[e]; ok {
		return Spec{Cron: c}, true
	}

	if strings.HasPrefix(e, "@every_") {
		if d, err := parseInterval(strings.TrimPrefix(e, "@every_")); err == nil {
			return Spec{Every: d}, true
		}
		return Spec{Cron: fallbackCron}, false
	}

	if _, err := cron.ParseStandard(e); err == nil {
		return Spec{Cron: e}, true
	}

	return Spec{Cron: fallbackCron}, false
}

// parseInterval parses the "<N><unit>" tail of an @every_ expression.
func parseInterval(tail string) (time.Duration, error) {
	if len(tail) < 2 {
		return 0, fmt.Errorf("scheduler: interval too short: %q", tail)
	}

	unit := tail[len(tail)-1]
	n, err := strconv.Atoi(tail[:len(tail)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("scheduler: bad interval count: %q", tail)
	}

	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("scheduler: unknown interval unit %q", string(unit))
}
