// Package ratelimit bounds how fast one actor may vote: a sliding velocity
// window over all submissions and a per-day quota over new votes.
package ratelimit

import (
	"time"
)

const (
	DefaultVelocityLimit  = 20
	DefaultVelocityWindow = 60 * time.Second
	DefaultDailyQuota     = 100
)

// Limits configures both checks. Zero fields fall back to the defaults.
type Limits struct {
	VelocityLimit  int
	VelocityWindow time.Duration
	DailyQuota     int
}

func (l Limits) withDefaults() Limits {
	if l.VelocityLimit <= 0 {
		l.VelocityLimit = DefaultVelocityLimit
	}
	if l.VelocityWindow <= 0 {
		l.VelocityWindow = DefaultVelocityWindow
	}
	if l.DailyQuota <= 0 {
		l.DailyQuota = DefaultDailyQuota
	}
	return l
}

// Decision is the outcome of one check. RetryAfter is set only when the
// request was refused.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

func allow() Decision { return Decision{Allowed: true} }

func deny(retryAfter time.Duration) Decision {
	if retryAfter < time.Millisecond {
		retryAfter = time.Millisecond
	}
	return Decision{RetryAfter: retryAfter}
}

// dayStart is the start of now's UTC calendar day.
func dayStart(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// untilNextDay is the time left before the quota window resets.
func untilNextDay(now time.Time) time.Duration {
	return dayStart(now).Add(24 * time.Hour).Sub(now)
}
