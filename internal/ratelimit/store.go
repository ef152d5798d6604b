package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type activityCounter interface {
	AuditWindow(ctx context.Context, actorID string, since time.Time) (int, time.Time, error)
	CountVotesSince(ctx context.Context, actorID string, since time.Time) (int, error)
}

// StoreGuard derives both limits from committed rows: audit entries for
// velocity and today's votes for the quota. The check runs before the vote
// transaction, so concurrent requests can overshoot by the number in flight.
type StoreGuard struct {
	counter activityCounter
	clock   clockwork.Clock
	limits  Limits
}

func NewStoreGuard(counter activityCounter, limits Limits, clock clockwork.Clock) *StoreGuard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StoreGuard{counter: counter, clock: clock, limits: limits.withDefaults()}
}

func (g *StoreGuard) Admit(ctx context.Context, actorID string) (Decision, error) {
	now := g.clock.Now()
	count, oldest, err := g.counter.AuditWindow(ctx, actorID, now.Add(-g.limits.VelocityWindow))
	if err != nil {
		return Decision{}, fmt.Errorf("velocity check: %w", err)
	}
	if count < g.limits.VelocityLimit {
		return allow(), nil
	}
	return deny(oldest.Add(g.limits.VelocityWindow).Sub(now) + time.Millisecond), nil
}

func (g *StoreGuard) ReserveNewVote(ctx context.Context, actorID string) (Decision, error) {
	now := g.clock.Now()
	count, err := g.counter.CountVotesSince(ctx, actorID, dayStart(now))
	if err != nil {
		return Decision{}, fmt.Errorf("quota check: %w", err)
	}
	if count < g.limits.DailyQuota {
		return allow(), nil
	}
	return deny(untilNextDay(now)), nil
}

// ReleaseNewVote is a no-op: the count is recomputed from rows each time.
func (g *StoreGuard) ReleaseNewVote(context.Context, string) error { return nil }
