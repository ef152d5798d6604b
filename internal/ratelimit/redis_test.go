package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
)

func setupTestRedis(t *testing.T, limits Limits, start time.Time) (*RedisGuard, *miniredis.Miniredis, *clockwork.FakeClock) {
	t.Helper()
	s := miniredis.RunT(t)
	clock := clockwork.NewFakeClockAt(start)
	guard, err := NewRedisGuard("redis://"+s.Addr(), limits, clock)
	if err != nil {
		t.Fatalf("NewRedisGuard() error = %v", err)
	}
	t.Cleanup(func() { guard.Close() })
	return guard, s, clock
}

func TestNewRedisGuardRejectsBadURL(t *testing.T) {
	if _, err := NewRedisGuard("not-a-url", Limits{}, nil); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}

func TestRedisGuardVelocityBoundary(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard, _, clock := setupTestRedis(t, Limits{}, start)
	ctx := context.Background()

	for i := 1; i <= DefaultVelocityLimit; i++ {
		d, err := guard.Admit(ctx, "actor")
		if err != nil {
			t.Fatalf("Admit() #%d error = %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("Admit() #%d refused, want allowed", i)
		}
		clock.Advance(time.Second)
	}

	d, err := guard.Admit(ctx, "actor")
	if err != nil {
		t.Fatalf("Admit() #21 error = %v", err)
	}
	if d.Allowed {
		t.Fatal("Admit() #21 allowed, want refused")
	}
	// The first attempt was at start; now is start+20s, so it leaves the
	// window after roughly 40s.
	if d.RetryAfter < 39*time.Second || d.RetryAfter > 41*time.Second {
		t.Fatalf("RetryAfter = %v, want ~40s", d.RetryAfter)
	}

	other, err := guard.Admit(ctx, "someone-else")
	if err != nil || !other.Allowed {
		t.Fatalf("Admit(other actor) = %+v, %v; want allowed", other, err)
	}
}

func TestRedisGuardVelocityWindowSlides(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard, _, clock := setupTestRedis(t, Limits{VelocityLimit: 2, VelocityWindow: 10 * time.Second}, start)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := guard.Admit(ctx, "actor"); !d.Allowed {
			t.Fatalf("Admit() #%d refused", i+1)
		}
	}
	if d, _ := guard.Admit(ctx, "actor"); d.Allowed {
		t.Fatal("third attempt inside the window should be refused")
	}

	clock.Advance(10*time.Second + time.Millisecond)
	if d, err := guard.Admit(ctx, "actor"); err != nil || !d.Allowed {
		t.Fatalf("Admit() after window = %+v, %v; want allowed", d, err)
	}
}

func TestRedisGuardRefusedAttemptsAreNotRecorded(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard, s, _ := setupTestRedis(t, Limits{VelocityLimit: 1}, start)
	ctx := context.Background()

	guard.Admit(ctx, "actor")
	guard.Admit(ctx, "actor")
	guard.Admit(ctx, "actor")

	members, err := s.ZMembers("tally:velocity:actor")
	if err != nil {
		t.Fatalf("ZMembers() error = %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("window holds %d entries, want 1", len(members))
	}
}

func TestRedisGuardQuotaBoundary(t *testing.T) {
	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	guard, s, _ := setupTestRedis(t, Limits{}, start)
	ctx := context.Background()

	for i := 1; i <= DefaultDailyQuota; i++ {
		d, err := guard.ReserveNewVote(ctx, "actor")
		if err != nil || !d.Allowed {
			t.Fatalf("ReserveNewVote() #%d = %+v, %v; want allowed", i, d, err)
		}
	}
	d, err := guard.ReserveNewVote(ctx, "actor")
	if err != nil {
		t.Fatalf("ReserveNewVote() #101 error = %v", err)
	}
	if d.Allowed {
		t.Fatal("ReserveNewVote() #101 allowed, want refused")
	}
	if d.RetryAfter != 6*time.Hour {
		t.Fatalf("RetryAfter = %v, want 6h until UTC midnight", d.RetryAfter)
	}

	got, err := s.Get("tally:quota:actor:20260301")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "100" {
		t.Fatalf("quota counter = %s, want 100", got)
	}
	if ttl := s.TTL("tally:quota:actor:20260301"); ttl <= 6*time.Hour {
		t.Fatalf("quota TTL = %v, want past midnight", ttl)
	}
}

func TestRedisGuardReleaseFreesReservation(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	guard, _, _ := setupTestRedis(t, Limits{DailyQuota: 1}, start)
	ctx := context.Background()

	if d, _ := guard.ReserveNewVote(ctx, "actor"); !d.Allowed {
		t.Fatal("first reservation refused")
	}
	if d, _ := guard.ReserveNewVote(ctx, "actor"); d.Allowed {
		t.Fatal("second reservation should hit the ceiling")
	}
	if err := guard.ReleaseNewVote(ctx, "actor"); err != nil {
		t.Fatalf("ReleaseNewVote() error = %v", err)
	}
	if d, _ := guard.ReserveNewVote(ctx, "actor"); !d.Allowed {
		t.Fatal("reservation after release refused")
	}

	// Releasing more than was reserved never goes negative.
	guard.ReleaseNewVote(ctx, "actor")
	guard.ReleaseNewVote(ctx, "actor")
	if d, _ := guard.ReserveNewVote(ctx, "actor"); !d.Allowed {
		t.Fatal("reservation after over-release refused")
	}
	if d, _ := guard.ReserveNewVote(ctx, "actor"); d.Allowed {
		t.Fatal("ceiling must still hold after over-release")
	}
}

func TestRedisGuardQuotaResetsAtUTCMidnight(t *testing.T) {
	start := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	guard, _, clock := setupTestRedis(t, Limits{DailyQuota: 1}, start)
	ctx := context.Background()

	guard.ReserveNewVote(ctx, "actor")
	if d, _ := guard.ReserveNewVote(ctx, "actor"); d.Allowed || d.RetryAfter != time.Minute {
		t.Fatalf("ReserveNewVote() = %+v, want refused with 1m", d)
	}
	clock.Advance(time.Minute)
	if d, _ := guard.ReserveNewVote(ctx, "actor"); !d.Allowed {
		t.Fatal("new UTC day should reset the quota")
	}
}
