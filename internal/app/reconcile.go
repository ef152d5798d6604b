package app

import (
	"context"
	"fmt"

	"tally/api/internal/vote"
)

// Report lists what a reconcile pass found and, when repairing, fixed.
type Report struct {
	AggregateDrift  []vote.AggregateDrift
	ReputationDrift []vote.ReputationDrift
	Recounted       int
	Adjusted        int
}

func (r Report) Clean() bool {
	return len(r.AggregateDrift) == 0 && len(r.ReputationDrift) == 0
}

// Reconcile compares stored counters and the ledger against the vote rows.
// With repair set, drifted counters are rewritten from a recount taken under
// the target lock and ledger gaps are closed with reconcile_adjustment
// entries.
func (s *Service) Reconcile(ctx context.Context, repair bool) (Report, error) {
	aggDrift, err := s.store.AggregateDrift(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("scan aggregate drift: %w", err)
	}
	repDrift, err := s.store.ReputationDrift(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("scan reputation drift: %w", err)
	}
	report := Report{AggregateDrift: aggDrift, ReputationDrift: repDrift}
	if !repair {
		return report, nil
	}

	for _, drift := range aggDrift {
		changed, err := s.recount(ctx, drift.Stored.Target)
		if err != nil {
			return report, fmt.Errorf("recount %s: %w", drift.Stored.Target, err)
		}
		if changed {
			report.Recounted++
		}
	}
	for _, drift := range repDrift {
		adjusted, err := s.adjustLedger(ctx, drift)
		if err != nil {
			return report, fmt.Errorf("adjust ledger %s/%s: %w", drift.ActorID, drift.Target, err)
		}
		if adjusted {
			report.Adjusted++
		}
	}
	s.logger.InfoContext(ctx, "reconcile repaired drift",
		"recounted", report.Recounted,
		"adjusted", report.Adjusted,
	)
	return report, nil
}

func (s *Service) recount(ctx context.Context, target vote.Target) (bool, error) {
	changed := false
	err := s.store.InTx(ctx, func(tx vote.Tx) error {
		agg, err := tx.LockTarget(ctx, target)
		if err != nil {
			return err
		}
		up, down, err := tx.CountVotes(ctx, target)
		if err != nil {
			return err
		}
		if agg.Upvotes == up && agg.Downvotes == down && agg.Score == up-down {
			return nil
		}
		agg.Upvotes, agg.Downvotes, agg.Score = up, down, up-down
		changed = true
		return tx.SaveAggregate(ctx, agg)
	})
	return changed, err
}

// adjustLedger appends the difference between the expected and actual sums.
// A committed vote moves both sums by the same amount, so the difference
// measured outside the lock is still correct inside it.
func (s *Service) adjustLedger(ctx context.Context, drift vote.ReputationDrift) (bool, error) {
	amount := drift.Expected - drift.Actual
	if amount == 0 || drift.AuthorID == "" || drift.AuthorID == drift.ActorID {
		return false, nil
	}
	err := s.store.InTx(ctx, func(tx vote.Tx) error {
		if _, err := tx.LockTarget(ctx, drift.Target); err != nil {
			return err
		}
		return tx.AppendReputation(ctx, vote.ReputationEntry{
			ID:        s.newID(),
			AuthorID:  drift.AuthorID,
			ActorID:   drift.ActorID,
			Amount:    amount,
			Reason:    vote.ReasonReconcile,
			Target:    drift.Target,
			CreatedAt: s.clock.Now().UTC(),
		})
	})
	return err == nil, err
}
