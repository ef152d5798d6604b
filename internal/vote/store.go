package vote

import (
	"context"
	"time"
)

// Tx is the transaction-scoped view the engine mutates. Implementations must
// make every write visible atomically on commit and discard all of them when
// the transaction function returns an error.
type Tx interface {
	// LockTarget loads the aggregate and holds its row lock until the
	// transaction ends. Missing targets return ErrTargetNotFound.
	LockTarget(ctx context.Context, target Target) (Aggregate, error)
	// LockVote loads the actor's vote, or nil when none exists.
	LockVote(ctx context.Context, key Key) (*Vote, error)
	AppendAudit(ctx context.Context, entry AuditEntry) error
	InsertVote(ctx context.Context, v Vote) error
	UpdateVoteValue(ctx context.Context, key Key, value Value) error
	DeleteVote(ctx context.Context, key Key) error
	SaveAggregate(ctx context.Context, agg Aggregate) error
	AppendReputation(ctx context.Context, entry ReputationEntry) error
	// CountVotes recounts the target's vote rows by direction.
	CountVotes(ctx context.Context, target Target) (up, down int, err error)
}

// AggregateDrift is a target whose stored counters disagree with its votes.
type AggregateDrift struct {
	Stored    Aggregate
	Upvotes   int
	Downvotes int
}

// ReputationDrift is an (actor, target) pair whose ledger sum disagrees with
// the effect of the actor's current vote.
type ReputationDrift struct {
	ActorID  string
	AuthorID string
	Target   Target
	Actual   int
	Expected int
}

// Store is the persistence port of the engine.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	GetVote(ctx context.Context, key Key) (*Vote, error)
	GetAggregate(ctx context.Context, target Target) (Aggregate, error)
	Reputation(ctx context.Context, userID string) (int, error)
	ListReputation(ctx context.Context, userID string, limit int) ([]ReputationEntry, error)
	AggregateDrift(ctx context.Context) ([]AggregateDrift, error)
	ReputationDrift(ctx context.Context) ([]ReputationDrift, error)
	// AuditWindow and CountVotesSince back the advisory store rate guard.
	// oldest is the zero time when count is 0.
	AuditWindow(ctx context.Context, actorID string, since time.Time) (count int, oldest time.Time, err error)
	CountVotesSince(ctx context.Context, actorID string, since time.Time) (int, error)
	Ping(ctx context.Context) error
}
