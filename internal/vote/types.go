// Package vote holds the domain model of the voting subsystem: targets, votes,
// ledger entries, the transition classifier and the pure rules that turn a
// transition into counter and reputation effects.
package vote

import (
	"fmt"
	"strings"
	"time"
)

type TargetType string

const (
	TargetPost    TargetType = "post"
	TargetComment TargetType = "comment"
)

// ParseTargetType normalizes a wire value. Unknown types return ErrInvalidTarget.
func ParseTargetType(raw string) (TargetType, error) {
	switch TargetType(strings.ToLower(strings.TrimSpace(raw))) {
	case TargetPost:
		return TargetPost, nil
	case TargetComment:
		return TargetComment, nil
	default:
		return "", fmt.Errorf("%w: unknown target type %q", ErrInvalidTarget, raw)
	}
}

// Value is a requested or stored vote direction. Only Up and Down are ever
// stored; None is the transient "remove" request.
type Value int

const (
	Down Value = -1
	None Value = 0
	Up   Value = 1
)

func ParseValue(raw int) (Value, error) {
	switch Value(raw) {
	case Down, None, Up:
		return Value(raw), nil
	default:
		return None, fmt.Errorf("%w: %d", ErrInvalidVoteValue, raw)
	}
}

func (v Value) String() string {
	switch v {
	case Up:
		return "upvote"
	case Down:
		return "downvote"
	default:
		return "none"
	}
}

// Target identifies one voteable content item.
type Target struct {
	Type TargetType
	ID   string
}

func (t Target) String() string { return string(t.Type) + ":" + t.ID }

// Validate rejects unknown types and empty ids.
func (t Target) Validate() error {
	if _, err := ParseTargetType(string(t.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidTarget)
	}
	return nil
}

// Key is the primary key of a vote row.
type Key struct {
	ActorID string
	Target  Target
}

type Vote struct {
	ActorID   string
	Target    Target
	Value     Value
	CreatedAt time.Time
}

func (v Vote) Key() Key { return Key{ActorID: v.ActorID, Target: v.Target} }

type AuditEntry struct {
	ID             string
	ActorID        string
	Target         Target
	RequestedValue Value
	IPAddress      *string
	UserAgent      *string
	CreatedAt      time.Time
}

type ReputationEntry struct {
	ID        string
	AuthorID  string
	ActorID   string
	Amount    int
	Reason    string
	Target    Target
	CreatedAt time.Time
}

// Aggregate is the denormalized counter block carried by a post or comment.
type Aggregate struct {
	Target    Target
	AuthorID  string
	Upvotes   int
	Downvotes int
	Score     int
}

// Consistent reports whether the counters satisfy the score invariant.
func (a Aggregate) Consistent() bool {
	return a.Upvotes >= 0 && a.Downvotes >= 0 && a.Score == a.Upvotes-a.Downvotes
}
