package vote

import "fmt"

// LifecycleEvent describes one vote-row change: insert (Old nil), delete
// (New nil) or update (both set).
type LifecycleEvent struct {
	Old *Value
	New *Value
}

// CounterDelta is the change an event makes to an Aggregate.
type CounterDelta struct {
	Upvotes   int
	Downvotes int
	Score     int
}

// Delta reverses the old contribution and applies the new one.
func (e LifecycleEvent) Delta() CounterDelta {
	var d CounterDelta
	if e.Old != nil {
		d = d.add(contribution(*e.Old), -1)
	}
	if e.New != nil {
		d = d.add(contribution(*e.New), 1)
	}
	return d
}

func (d CounterDelta) add(other CounterDelta, sign int) CounterDelta {
	return CounterDelta{
		Upvotes:   d.Upvotes + sign*other.Upvotes,
		Downvotes: d.Downvotes + sign*other.Downvotes,
		Score:     d.Score + sign*other.Score,
	}
}

func contribution(v Value) CounterDelta {
	switch v {
	case Up:
		return CounterDelta{Upvotes: 1, Score: 1}
	case Down:
		return CounterDelta{Downvotes: 1, Score: -1}
	default:
		return CounterDelta{}
	}
}

// ApplyEvent returns agg with the event's delta applied. It refuses to
// produce negative counters or a broken score; the caller aborts the
// transaction on error.
func ApplyEvent(agg Aggregate, event LifecycleEvent) (Aggregate, error) {
	if !agg.Consistent() {
		return agg, fmt.Errorf("%w: %s has upvotes=%d downvotes=%d score=%d",
			ErrInconsistent, agg.Target, agg.Upvotes, agg.Downvotes, agg.Score)
	}
	d := event.Delta()
	next := agg
	next.Upvotes += d.Upvotes
	next.Downvotes += d.Downvotes
	next.Score += d.Score
	if !next.Consistent() {
		return agg, fmt.Errorf("%w: applying %+v to %s underflows", ErrInconsistent, d, agg.Target)
	}
	return next, nil
}
