package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tally/api/internal/vote"
)

var errLockTimeout = errors.New("lock wait timeout")

// MemoryStore is an in-process vote.Store used for local runs and tests.
// Transactions run one at a time; writes are staged and applied on commit,
// so a failing transaction leaves no trace. It enforces the same row
// constraints the Postgres schema declares.
type MemoryStore struct {
	sem         chan struct{}
	lockTimeout time.Duration

	mu         sync.RWMutex
	aggregates map[vote.Target]vote.Aggregate
	votes      map[vote.Key]vote.Vote
	audits     []vote.AuditEntry
	ledger     []vote.ReputationEntry
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &MemoryStore{
		sem:         make(chan struct{}, 1),
		lockTimeout: lockTimeout,
		aggregates:  map[vote.Target]vote.Aggregate{},
		votes:       map[vote.Key]vote.Vote{},
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(vote.Tx) error) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return vote.Transient("begin memory tx", ctx.Err())
	case <-timer.C:
		return vote.Transient("begin memory tx", errLockTimeout)
	}
	defer func() { <-s.sem }()

	tx := &memTx{
		store:      s,
		aggregates: map[vote.Target]vote.Aggregate{},
		votes:      map[vote.Key]*vote.Vote{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return vote.Transient("commit memory tx", err)
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for target, agg := range tx.aggregates {
		s.aggregates[target] = agg
	}
	for key, v := range tx.votes {
		if v == nil {
			delete(s.votes, key)
			continue
		}
		s.votes[key] = *v
	}
	s.audits = append(s.audits, tx.audits...)
	s.ledger = append(s.ledger, tx.ledger...)
}

// CreateTarget registers a voteable item with zeroed counters. Existing
// items are left untouched.
func (s *MemoryStore) CreateTarget(_ context.Context, target vote.Target, authorID string) error {
	if _, err := tableFor(target.Type); err != nil {
		return err
	}
	if err := requireAuthor(target, authorID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aggregates[target]; !ok {
		s.aggregates[target] = vote.Aggregate{Target: target, AuthorID: authorID}
	}
	return nil
}

func (s *MemoryStore) GetVote(_ context.Context, key vote.Key) (*vote.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.votes[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *MemoryStore) GetAggregate(_ context.Context, target vote.Target) (vote.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[target]
	if !ok || agg.AuthorID == "" {
		return vote.Aggregate{}, fmt.Errorf("%w: %s", vote.ErrTargetNotFound, target)
	}
	return agg, nil
}

func (s *MemoryStore) Reputation(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, entry := range s.ledger {
		if entry.AuthorID == userID {
			total += entry.Amount
		}
	}
	return total, nil
}

func (s *MemoryStore) ListReputation(_ context.Context, userID string, limit int) ([]vote.ReputationEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]vote.ReputationEntry, 0)
	for i := len(s.ledger) - 1; i >= 0 && len(items) < limit; i-- {
		if s.ledger[i].AuthorID == userID {
			items = append(items, s.ledger[i])
		}
	}
	return items, nil
}

func (s *MemoryStore) AggregateDrift(_ context.Context) ([]vote.AggregateDrift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type counts struct{ up, down int }
	byTarget := map[vote.Target]counts{}
	for _, v := range s.votes {
		c := byTarget[v.Target]
		if v.Value == vote.Up {
			c.up++
		} else {
			c.down++
		}
		byTarget[v.Target] = c
	}

	items := make([]vote.AggregateDrift, 0)
	for target, agg := range s.aggregates {
		c := byTarget[target]
		if agg.Upvotes != c.up || agg.Downvotes != c.down || !agg.Consistent() {
			items = append(items, vote.AggregateDrift{Stored: agg, Upvotes: c.up, Downvotes: c.down})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Stored.Target.String() < items[j].Stored.Target.String()
	})
	return items, nil
}

func (s *MemoryStore) ReputationDrift(_ context.Context) ([]vote.ReputationDrift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairs := map[vote.Key]*vote.ReputationDrift{}
	pair := func(key vote.Key) *vote.ReputationDrift {
		d, ok := pairs[key]
		if !ok {
			d = &vote.ReputationDrift{ActorID: key.ActorID, Target: key.Target}
			if agg, found := s.aggregates[key.Target]; found {
				d.AuthorID = agg.AuthorID
			}
			pairs[key] = d
		}
		return d
	}
	for key, v := range s.votes {
		d := pair(key)
		d.Expected = vote.ExpectedReputation(key.Target.Type, v.Value, key.ActorID, d.AuthorID)
	}
	for _, entry := range s.ledger {
		pair(vote.Key{ActorID: entry.ActorID, Target: entry.Target}).Actual += entry.Amount
	}

	items := make([]vote.ReputationDrift, 0)
	for _, d := range pairs {
		if d.Actual != d.Expected {
			items = append(items, *d)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ActorID != items[j].ActorID {
			return items[i].ActorID < items[j].ActorID
		}
		return items[i].Target.String() < items[j].Target.String()
	})
	return items, nil
}

func (s *MemoryStore) AuditWindow(_ context.Context, actorID string, since time.Time) (int, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	var oldest time.Time
	for _, entry := range s.audits {
		if entry.ActorID != actorID || entry.CreatedAt.Before(since) {
			continue
		}
		count++
		if oldest.IsZero() || entry.CreatedAt.Before(oldest) {
			oldest = entry.CreatedAt
		}
	}
	return count, oldest, nil
}

func (s *MemoryStore) CountVotesSince(_ context.Context, actorID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, v := range s.votes {
		if v.ActorID == actorID && !v.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// MemorySnapshot is a copy of the committed state.
type MemorySnapshot struct {
	Aggregates map[vote.Target]vote.Aggregate
	Votes      map[vote.Key]vote.Vote
	Audits     []vote.AuditEntry
	Ledger     []vote.ReputationEntry
}

func (s *MemoryStore) Snapshot() MemorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := MemorySnapshot{
		Aggregates: make(map[vote.Target]vote.Aggregate, len(s.aggregates)),
		Votes:      make(map[vote.Key]vote.Vote, len(s.votes)),
		Audits:     append([]vote.AuditEntry(nil), s.audits...),
		Ledger:     append([]vote.ReputationEntry(nil), s.ledger...),
	}
	for k, v := range s.aggregates {
		snap.Aggregates[k] = v
	}
	for k, v := range s.votes {
		snap.Votes[k] = v
	}
	return snap
}

// memTx stages writes over the committed state. A nil vote entry marks a
// deletion.
type memTx struct {
	store      *MemoryStore
	aggregates map[vote.Target]vote.Aggregate
	votes      map[vote.Key]*vote.Vote
	audits     []vote.AuditEntry
	ledger     []vote.ReputationEntry
}

func (t *memTx) lookupAggregate(target vote.Target) (vote.Aggregate, bool) {
	if agg, ok := t.aggregates[target]; ok {
		return agg, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	agg, ok := t.store.aggregates[target]
	return agg, ok
}

func (t *memTx) lookupVote(key vote.Key) *vote.Vote {
	if v, ok := t.votes[key]; ok {
		return v
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	v, ok := t.store.votes[key]
	if !ok {
		return nil
	}
	return &v
}

func (t *memTx) LockTarget(_ context.Context, target vote.Target) (vote.Aggregate, error) {
	if _, err := tableFor(target.Type); err != nil {
		return vote.Aggregate{}, err
	}
	agg, ok := t.lookupAggregate(target)
	if !ok || agg.AuthorID == "" {
		return vote.Aggregate{}, fmt.Errorf("%w: %s", vote.ErrTargetNotFound, target)
	}
	return agg, nil
}

func (t *memTx) LockVote(_ context.Context, key vote.Key) (*vote.Vote, error) {
	v := t.lookupVote(key)
	if v == nil {
		return nil, nil
	}
	copied := *v
	return &copied, nil
}

func (t *memTx) AppendAudit(_ context.Context, entry vote.AuditEntry) error {
	if entry.RequestedValue < vote.Down || entry.RequestedValue > vote.Up {
		return fmt.Errorf("append vote audit: %w: requested value %d", vote.ErrInconsistent, entry.RequestedValue)
	}
	t.audits = append(t.audits, entry)
	return nil
}

func (t *memTx) InsertVote(_ context.Context, v vote.Vote) error {
	if v.Value != vote.Up && v.Value != vote.Down {
		return fmt.Errorf("insert vote: %w: value %d", vote.ErrInconsistent, v.Value)
	}
	if _, ok := t.lookupAggregate(v.Target); !ok {
		return fmt.Errorf("insert vote: %w: %s", vote.ErrTargetNotFound, v.Target)
	}
	if t.lookupVote(v.Key()) != nil {
		return vote.Transient("insert vote", errors.New("duplicate vote key"))
	}
	t.votes[v.Key()] = &v
	return nil
}

func (t *memTx) UpdateVoteValue(_ context.Context, key vote.Key, value vote.Value) error {
	if value != vote.Up && value != vote.Down {
		return fmt.Errorf("update vote: %w: value %d", vote.ErrInconsistent, value)
	}
	current := t.lookupVote(key)
	if current == nil {
		return fmt.Errorf("update vote: %w: affected 0 rows", vote.ErrInconsistent)
	}
	next := *current
	next.Value = value
	t.votes[key] = &next
	return nil
}

func (t *memTx) DeleteVote(_ context.Context, key vote.Key) error {
	if t.lookupVote(key) == nil {
		return fmt.Errorf("delete vote: %w: affected 0 rows", vote.ErrInconsistent)
	}
	t.votes[key] = nil
	return nil
}

func (t *memTx) SaveAggregate(_ context.Context, agg vote.Aggregate) error {
	current, ok := t.lookupAggregate(agg.Target)
	if !ok {
		return fmt.Errorf("%w: %s", vote.ErrTargetNotFound, agg.Target)
	}
	if !agg.Consistent() {
		return fmt.Errorf("save aggregate: %w: %s", vote.ErrInconsistent, agg.Target)
	}
	// Authorship belongs to the content service.
	agg.AuthorID = current.AuthorID
	t.aggregates[agg.Target] = agg
	return nil
}

func (t *memTx) AppendReputation(_ context.Context, entry vote.ReputationEntry) error {
	if entry.AuthorID == entry.ActorID {
		return fmt.Errorf("append reputation: %w: self-vote ledger row", vote.ErrInconsistent)
	}
	t.ledger = append(t.ledger, entry)
	return nil
}

func (t *memTx) CountVotes(_ context.Context, target vote.Target) (int, int, error) {
	t.store.mu.RLock()
	keys := make([]vote.Key, 0)
	for key := range t.store.votes {
		if key.Target == target {
			keys = append(keys, key)
		}
	}
	t.store.mu.RUnlock()
	for key := range t.votes {
		if key.Target == target {
			keys = append(keys, key)
		}
	}

	seen := map[vote.Key]bool{}
	up, down := 0, 0
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		v := t.lookupVote(key)
		if v == nil {
			continue
		}
		if v.Value == vote.Up {
			up++
		} else {
			down++
		}
	}
	return up, down, nil
}
