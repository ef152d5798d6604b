package vote

import "time"

const (
	PostUpvoteAmount    = 10
	CommentUpvoteAmount = 5
	DownvoteAmount      = -2

	ReasonReconcile = "reconcile_adjustment"
)

// Amount is the reputation an author earns from one standing vote.
func Amount(targetType TargetType, v Value) int {
	switch v {
	case Up:
		if targetType == TargetPost {
			return PostUpvoteAmount
		}
		return CommentUpvoteAmount
	case Down:
		return DownvoteAmount
	default:
		return 0
	}
}

// ExpectedReputation is the ledger sum a standing vote must leave behind for
// its (actor, target) pair.
func ExpectedReputation(targetType TargetType, v Value, actorID, authorID string) int {
	if actorID == authorID || authorID == "" {
		return 0
	}
	return Amount(targetType, v)
}

// IDFunc supplies ledger entry ids.
type IDFunc func() string

// ReputationEffects returns the ledger rows a transition writes for the
// target's author. A flip yields the reversal of the old effect followed by
// the new effect. Self-votes and no-ops yield nothing.
func ReputationEffects(target Target, t Transition, actorID, authorID string, now time.Time, newID IDFunc) []ReputationEntry {
	if actorID == authorID || authorID == "" {
		return nil
	}
	entry := func(amount int, reason string) ReputationEntry {
		return ReputationEntry{
			ID:        newID(),
			AuthorID:  authorID,
			ActorID:   actorID,
			Amount:    amount,
			Reason:    reason,
			Target:    target,
			CreatedAt: now,
		}
	}
	revert := func(old Value) ReputationEntry {
		return entry(-Amount(target.Type, old), "revert_"+reason(target.Type, old))
	}
	apply := func(v Value) ReputationEntry {
		return entry(Amount(target.Type, v), reason(target.Type, v))
	}

	switch t.Kind {
	case KindInsert:
		return []ReputationEntry{apply(t.New)}
	case KindRemove:
		return []ReputationEntry{revert(t.Old)}
	case KindFlip:
		return []ReputationEntry{revert(t.Old), apply(t.New)}
	default:
		return nil
	}
}

func reason(targetType TargetType, v Value) string {
	return string(targetType) + "_" + v.String()
}
