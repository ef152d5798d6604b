package vote

// Kind tags the effect a submission has on the vote row.
type Kind int

const (
	// KindNone is a removal request with nothing to remove.
	KindNone Kind = iota
	KindInsert
	KindRemove
	KindFlip
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindRemove:
		return "remove"
	case KindFlip:
		return "flip"
	default:
		return "none"
	}
}

// Transition is computed once from the stored and requested values. Old is
// None when no vote existed; New is None when the vote ends up deleted.
type Transition struct {
	Kind Kind
	Old  Value
	New  Value
}

// Classify maps (existing, requested) onto exactly one transition:
//
//	no vote,  0        -> None
//	no vote,  ±1       -> Insert
//	vote v,   v or 0   -> Remove (toggle-off / explicit removal)
//	vote v,   -v       -> Flip
func Classify(existing *Vote, requested Value) Transition {
	if existing == nil {
		if requested == None {
			return Transition{Kind: KindNone}
		}
		return Transition{Kind: KindInsert, New: requested}
	}
	if requested == None || requested == existing.Value {
		return Transition{Kind: KindRemove, Old: existing.Value}
	}
	return Transition{Kind: KindFlip, Old: existing.Value, New: requested}
}

// Event reports the vote-row lifecycle change the transition implies.
func (t Transition) Event() LifecycleEvent {
	switch t.Kind {
	case KindInsert:
		return LifecycleEvent{New: valuePtr(t.New)}
	case KindRemove:
		return LifecycleEvent{Old: valuePtr(t.Old)}
	case KindFlip:
		return LifecycleEvent{Old: valuePtr(t.Old), New: valuePtr(t.New)}
	default:
		return LifecycleEvent{}
	}
}

// Mutates reports whether the transition writes the vote row.
func (t Transition) Mutates() bool { return t.Kind != KindNone }

func valuePtr(v Value) *Value { return &v }
