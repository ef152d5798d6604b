package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"tally/api/internal/config"
	"tally/api/internal/logging"
	"tally/api/internal/privilege"
	"tally/api/internal/ratelimit"
	"tally/api/internal/vote"
)

type VoteInput struct {
	ActorID    string
	TargetType string
	TargetID   string
	Value      int
	IPAddress  string
	UserAgent  string
}

// Outcome is what a submission left behind. Vote is nil when the actor no
// longer has a vote on the target.
type Outcome struct {
	Target     vote.Target
	Score      int
	Upvotes    int
	Downvotes  int
	Transition vote.Transition
	Vote       *vote.Vote
}

type ReputationSummary struct {
	UserID     string
	Total      int
	Tier       privilege.Tier
	Privileges []privilege.Privilege
	Entries    []vote.ReputationEntry
}

type dataStore interface {
	vote.Store
	CreateTarget(ctx context.Context, target vote.Target, authorID string) error
}

type rateGuard interface {
	Admit(ctx context.Context, actorID string) (ratelimit.Decision, error)
	ReserveNewVote(ctx context.Context, actorID string) (ratelimit.Decision, error)
	ReleaseNewVote(ctx context.Context, actorID string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// errUnreservedInsert aborts a transaction that is about to insert a vote
// the pre-transaction peek did not predict, so no quota was reserved.
var errUnreservedInsert = errors.New("insert without quota reservation")

type Service struct {
	cfg    config.Config
	store  dataStore
	guard  rateGuard
	clock  clockwork.Clock
	logger *slog.Logger
	newID  vote.IDFunc
}

type Option func(*Service)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithIDs(newID vote.IDFunc) Option {
	return func(s *Service) { s.newID = newID }
}

func New(cfg config.Config, dataStore dataStore, guard rateGuard, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		guard:  guard,
		clock:  clockwork.NewRealClock(),
		logger: logger,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// demoTargets are registered by Bootstrap when SeedDemo is set, so a fresh
// memory-backed server has something to vote on.
var demoTargets = []struct {
	target vote.Target
	author string
}{
	{target: vote.Target{Type: vote.TargetPost, ID: "welcome"}, author: "avery"},
	{target: vote.Target{Type: vote.TargetPost, ID: "release-notes"}, author: "marcus"},
	{target: vote.Target{Type: vote.TargetComment, ID: "welcome-1"}, author: "jamie"},
}

func (s *Service) Bootstrap(ctx context.Context) error {
	if !s.cfg.SeedDemo {
		return nil
	}
	for _, seed := range demoTargets {
		if err := s.store.CreateTarget(ctx, seed.target, seed.author); err != nil {
			return fmt.Errorf("seed %s: %w", seed.target, err)
		}
	}
	s.logger.InfoContext(ctx, "seeded demo targets", "count", len(demoTargets))
	return nil
}

// SubmitVote applies one vote request. Validation and rate checks run before
// any transaction; everything after runs in a single transaction and either
// commits whole or leaves no trace.
func (s *Service) SubmitVote(ctx context.Context, in VoteInput) (Outcome, error) {
	key, value, err := parseVoteInput(in)
	if err != nil {
		return Outcome{}, err
	}
	log := s.logger.With("actor_id", key.ActorID, "target", key.Target.String())

	decision, err := s.guard.Admit(ctx, key.ActorID)
	if err != nil {
		return Outcome{}, vote.Transient("velocity check", err)
	}
	if !decision.Allowed {
		log.InfoContext(ctx, "vote rate limited", "retry_after", decision.RetryAfter)
		return Outcome{}, &vote.LimitError{Kind: vote.ErrRateLimited, RetryAfter: decision.RetryAfter}
	}

	existing, err := s.store.GetVote(ctx, key)
	if err != nil {
		return Outcome{}, asTransient("peek vote", err)
	}

	reserved := false
	reserve := func() error {
		decision, err := s.guard.ReserveNewVote(ctx, key.ActorID)
		if err != nil {
			return vote.Transient("quota check", err)
		}
		if !decision.Allowed {
			log.InfoContext(ctx, "vote quota exceeded", "retry_after", decision.RetryAfter)
			return &vote.LimitError{Kind: vote.ErrQuotaExceeded, RetryAfter: decision.RetryAfter}
		}
		reserved = true
		return nil
	}
	if vote.Classify(existing, value).Kind == vote.KindInsert {
		if err := reserve(); err != nil {
			return Outcome{}, err
		}
	}

	meta := auditMeta{ip: optional(in.IPAddress), userAgent: optional(in.UserAgent)}
	outcome, err := s.apply(ctx, key, value, meta, reserved)
	if errors.Is(err, errUnreservedInsert) {
		// The vote the peek saw is gone; this is a new vote after all.
		if err := reserve(); err != nil {
			return Outcome{}, err
		}
		outcome, err = s.apply(ctx, key, value, meta, true)
	}

	if reserved && (err != nil || outcome.Transition.Kind != vote.KindInsert) {
		if releaseErr := s.guard.ReleaseNewVote(context.WithoutCancel(ctx), key.ActorID); releaseErr != nil {
			log.WarnContext(ctx, "release quota reservation failed", "error", releaseErr)
		}
	}
	if err != nil {
		log.WarnContext(ctx, "vote failed", "error", err)
		return Outcome{}, err
	}

	log.DebugContext(ctx, "vote applied",
		"transition", outcome.Transition.Kind.String(),
		"score", outcome.Score,
	)
	return outcome, nil
}

type auditMeta struct {
	ip        *string
	userAgent *string
}

func (s *Service) apply(ctx context.Context, key vote.Key, value vote.Value, meta auditMeta, reserved bool) (Outcome, error) {
	now := s.clock.Now().UTC()
	var outcome Outcome

	err := s.store.InTx(ctx, func(tx vote.Tx) error {
		agg, err := tx.LockTarget(ctx, key.Target)
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, vote.AuditEntry{
			ID:             s.newID(),
			ActorID:        key.ActorID,
			Target:         key.Target,
			RequestedValue: value,
			IPAddress:      meta.ip,
			UserAgent:      meta.userAgent,
			CreatedAt:      now,
		}); err != nil {
			return vote.Transient("append audit", err)
		}

		existing, err := tx.LockVote(ctx, key)
		if err != nil {
			return err
		}
		transition := vote.Classify(existing, value)
		if transition.Kind == vote.KindInsert && !reserved {
			return errUnreservedInsert
		}

		var current *vote.Vote
		switch transition.Kind {
		case vote.KindInsert:
			v := vote.Vote{ActorID: key.ActorID, Target: key.Target, Value: transition.New, CreatedAt: now}
			if err := tx.InsertVote(ctx, v); err != nil {
				return err
			}
			current = &v
		case vote.KindRemove:
			if err := tx.DeleteVote(ctx, key); err != nil {
				return err
			}
		case vote.KindFlip:
			if err := tx.UpdateVoteValue(ctx, key, transition.New); err != nil {
				return err
			}
			flipped := *existing
			flipped.Value = transition.New
			current = &flipped
		case vote.KindNone:
		}

		next, err := vote.ApplyEvent(agg, transition.Event())
		if err != nil {
			return err
		}
		if transition.Mutates() {
			if err := tx.SaveAggregate(ctx, next); err != nil {
				return err
			}
		}
		for _, entry := range vote.ReputationEffects(key.Target, transition, key.ActorID, agg.AuthorID, now, s.newID) {
			if err := tx.AppendReputation(ctx, entry); err != nil {
				return err
			}
		}

		outcome = Outcome{
			Target:     key.Target,
			Score:      next.Score,
			Upvotes:    next.Upvotes,
			Downvotes:  next.Downvotes,
			Transition: transition,
			Vote:       current,
		}
		return nil
	})
	if err != nil {
		return Outcome{}, asTransient("submit vote", err)
	}
	return outcome, nil
}

// CurrentVote returns the target counters and, when actorID is set, the
// actor's standing vote.
func (s *Service) CurrentVote(ctx context.Context, actorID, targetType, targetID string) (vote.Aggregate, *vote.Vote, error) {
	target, err := parseTarget(targetType, targetID)
	if err != nil {
		return vote.Aggregate{}, nil, err
	}
	agg, err := s.store.GetAggregate(ctx, target)
	if err != nil {
		return vote.Aggregate{}, nil, err
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return agg, nil, nil
	}
	current, err := s.store.GetVote(ctx, vote.Key{ActorID: actorID, Target: target})
	if err != nil {
		return vote.Aggregate{}, nil, err
	}
	return agg, current, nil
}

func (s *Service) Reputation(ctx context.Context, userID string, limit int) (ReputationSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ReputationSummary{}, domainError(http.StatusBadRequest, "INVALID_USER", "User id is required", nil)
	}
	total, err := s.store.Reputation(ctx, userID)
	if err != nil {
		return ReputationSummary{}, err
	}
	entries, err := s.store.ListReputation(ctx, userID, limit)
	if err != nil {
		return ReputationSummary{}, err
	}
	return ReputationSummary{
		UserID:     userID,
		Total:      total,
		Tier:       privilege.TierFor(total),
		Privileges: privilege.Unlocked(total),
		Entries:    entries,
	}, nil
}

// Ping verifies the store connection is alive
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingGuard checks the rate guard backend when it has one to check.
func (s *Service) PingGuard(ctx context.Context) error {
	if p, ok := s.guard.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func parseVoteInput(in VoteInput) (vote.Key, vote.Value, error) {
	actorID := strings.TrimSpace(in.ActorID)
	if actorID == "" {
		return vote.Key{}, vote.None, fmt.Errorf("%w: actor id is required", vote.ErrInvalidTarget)
	}
	value, err := vote.ParseValue(in.Value)
	if err != nil {
		return vote.Key{}, vote.None, err
	}
	target, err := parseTarget(in.TargetType, in.TargetID)
	if err != nil {
		return vote.Key{}, vote.None, err
	}
	return vote.Key{ActorID: actorID, Target: target}, value, nil
}

func parseTarget(targetType, targetID string) (vote.Target, error) {
	kind, err := vote.ParseTargetType(targetType)
	if err != nil {
		return vote.Target{}, err
	}
	target := vote.Target{Type: kind, ID: strings.TrimSpace(targetID)}
	if err := target.Validate(); err != nil {
		return vote.Target{}, err
	}
	return target, nil
}

// asTransient leaves domain outcomes alone and marks every other failure as
// retryable: a resubmission is reclassified from fresh state.
func asTransient(op string, err error) error {
	switch {
	case errors.Is(err, vote.ErrTransientStore),
		errors.Is(err, vote.ErrTargetNotFound),
		errors.Is(err, vote.ErrInvalidTarget),
		errors.Is(err, vote.ErrInvalidVoteValue),
		errors.Is(err, vote.ErrInconsistent),
		errors.Is(err, errUnreservedInsert):
		return err
	default:
		return vote.Transient(op, err)
	}
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

// retryAfterSeconds rounds up so a client never retries early.
func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
