package vote

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func existing(v Value) *Vote {
	return &Vote{ActorID: "a", Target: Target{Type: TargetPost, ID: "p"}, Value: v}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		existing  *Vote
		requested Value
		want      Transition
	}{
		{name: "remove with nothing stored", existing: nil, requested: None, want: Transition{Kind: KindNone}},
		{name: "new upvote", existing: nil, requested: Up, want: Transition{Kind: KindInsert, New: Up}},
		{name: "new downvote", existing: nil, requested: Down, want: Transition{Kind: KindInsert, New: Down}},
		{name: "toggle off upvote", existing: existing(Up), requested: Up, want: Transition{Kind: KindRemove, Old: Up}},
		{name: "toggle off downvote", existing: existing(Down), requested: Down, want: Transition{Kind: KindRemove, Old: Down}},
		{name: "explicit removal", existing: existing(Down), requested: None, want: Transition{Kind: KindRemove, Old: Down}},
		{name: "flip up to down", existing: existing(Up), requested: Down, want: Transition{Kind: KindFlip, Old: Up, New: Down}},
		{name: "flip down to up", existing: existing(Down), requested: Up, want: Transition{Kind: KindFlip, Old: Down, New: Up}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.existing, tc.requested); got != tc.want {
				t.Fatalf("Classify() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseValueRejectsOutOfRange(t *testing.T) {
	for _, raw := range []int{-2, 2, 100} {
		if _, err := ParseValue(raw); !errors.Is(err, ErrInvalidVoteValue) {
			t.Fatalf("ParseValue(%d) error = %v, want ErrInvalidVoteValue", raw, err)
		}
	}
	for _, raw := range []int{-1, 0, 1} {
		if _, err := ParseValue(raw); err != nil {
			t.Fatalf("ParseValue(%d) unexpected error: %v", raw, err)
		}
	}
}

func TestTargetValidate(t *testing.T) {
	if err := (Target{Type: "thread", ID: "x"}).Validate(); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget for unknown type, got %v", err)
	}
	if err := (Target{Type: TargetComment, ID: "  "}).Validate(); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget for blank id, got %v", err)
	}
	if err := (Target{Type: TargetComment, ID: "c1"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApplyEvent(t *testing.T) {
	base := Aggregate{Target: Target{Type: TargetPost, ID: "p"}, Upvotes: 3, Downvotes: 1, Score: 2}

	cases := []struct {
		name       string
		transition Transition
		want       Aggregate
	}{
		{name: "insert up", transition: Transition{Kind: KindInsert, New: Up}, want: Aggregate{Upvotes: 4, Downvotes: 1, Score: 3}},
		{name: "insert down", transition: Transition{Kind: KindInsert, New: Down}, want: Aggregate{Upvotes: 3, Downvotes: 2, Score: 1}},
		{name: "remove up", transition: Transition{Kind: KindRemove, Old: Up}, want: Aggregate{Upvotes: 2, Downvotes: 1, Score: 1}},
		{name: "remove down", transition: Transition{Kind: KindRemove, Old: Down}, want: Aggregate{Upvotes: 3, Downvotes: 0, Score: 3}},
		{name: "flip up to down", transition: Transition{Kind: KindFlip, Old: Up, New: Down}, want: Aggregate{Upvotes: 2, Downvotes: 2, Score: 0}},
		{name: "flip down to up", transition: Transition{Kind: KindFlip, Old: Down, New: Up}, want: Aggregate{Upvotes: 4, Downvotes: 0, Score: 4}},
		{name: "none", transition: Transition{Kind: KindNone}, want: Aggregate{Upvotes: 3, Downvotes: 1, Score: 2}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ApplyEvent(base, tc.transition.Event())
			if err != nil {
				t.Fatalf("ApplyEvent() error = %v", err)
			}
			if got.Upvotes != tc.want.Upvotes || got.Downvotes != tc.want.Downvotes || got.Score != tc.want.Score {
				t.Fatalf("ApplyEvent() = %+v, want counters %+v", got, tc.want)
			}
			if !got.Consistent() {
				t.Fatalf("result violates score invariant: %+v", got)
			}
		})
	}
}

func TestApplyEventRefusesUnderflow(t *testing.T) {
	empty := Aggregate{Target: Target{Type: TargetComment, ID: "c"}}
	_, err := ApplyEvent(empty, Transition{Kind: KindRemove, Old: Up}.Event())
	if !errors.Is(err, ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}

	broken := Aggregate{Upvotes: 1, Downvotes: 0, Score: 5}
	if _, err := ApplyEvent(broken, Transition{Kind: KindInsert, New: Up}.Event()); !errors.Is(err, ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent for a broken starting aggregate, got %v", err)
	}
}

func sequentialIDs() IDFunc {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("rep-%d", n)
	}
}

func sum(entries []ReputationEntry) int {
	total := 0
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

func TestReputationEffects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	post := Target{Type: TargetPost, ID: "p"}
	comment := Target{Type: TargetComment, ID: "c"}

	cases := []struct {
		name    string
		target  Target
		t       Transition
		amounts []int
		reasons []string
	}{
		{name: "post upvote", target: post, t: Transition{Kind: KindInsert, New: Up}, amounts: []int{10}, reasons: []string{"post_upvote"}},
		{name: "comment upvote", target: comment, t: Transition{Kind: KindInsert, New: Up}, amounts: []int{5}, reasons: []string{"comment_upvote"}},
		{name: "post downvote", target: post, t: Transition{Kind: KindInsert, New: Down}, amounts: []int{-2}, reasons: []string{"post_downvote"}},
		{name: "revert post upvote", target: post, t: Transition{Kind: KindRemove, Old: Up}, amounts: []int{-10}, reasons: []string{"revert_post_upvote"}},
		{name: "revert comment upvote", target: comment, t: Transition{Kind: KindRemove, Old: Up}, amounts: []int{-5}, reasons: []string{"revert_comment_upvote"}},
		{name: "revert downvote", target: comment, t: Transition{Kind: KindRemove, Old: Down}, amounts: []int{2}, reasons: []string{"revert_comment_downvote"}},
		{name: "flip post up to down", target: post, t: Transition{Kind: KindFlip, Old: Up, New: Down}, amounts: []int{-10, -2}, reasons: []string{"revert_post_upvote", "post_downvote"}},
		{name: "flip comment down to up", target: comment, t: Transition{Kind: KindFlip, Old: Down, New: Up}, amounts: []int{2, 5}, reasons: []string{"revert_comment_downvote", "comment_upvote"}},
		{name: "none", target: post, t: Transition{Kind: KindNone}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ReputationEffects(tc.target, tc.t, "voter", "author", now, sequentialIDs())
			if len(got) != len(tc.amounts) {
				t.Fatalf("got %d entries, want %d: %+v", len(got), len(tc.amounts), got)
			}
			for i, entry := range got {
				if entry.Amount != tc.amounts[i] || entry.Reason != tc.reasons[i] {
					t.Fatalf("entry %d = (%d, %q), want (%d, %q)", i, entry.Amount, entry.Reason, tc.amounts[i], tc.reasons[i])
				}
				if entry.AuthorID != "author" || entry.ActorID != "voter" || entry.Target != tc.target || !entry.CreatedAt.Equal(now) {
					t.Fatalf("entry %d has wrong attribution: %+v", i, entry)
				}
			}
		})
	}
}

func TestReputationEffectsSkipSelfVotes(t *testing.T) {
	target := Target{Type: TargetPost, ID: "p"}
	for _, tr := range []Transition{
		{Kind: KindInsert, New: Up},
		{Kind: KindRemove, Old: Down},
		{Kind: KindFlip, Old: Up, New: Down},
	} {
		if got := ReputationEffects(target, tr, "same", "same", time.Now(), sequentialIDs()); len(got) != 0 {
			t.Fatalf("self-vote %v produced ledger rows: %+v", tr.Kind, got)
		}
	}
}

// Replaying any transition chain must leave the pair's ledger sum equal to
// the effect of the final standing vote.
func TestReputationEffectsTrackStandingVote(t *testing.T) {
	target := Target{Type: TargetComment, ID: "c"}
	requests := []Value{Up, Down, Down, Up, None, Down, Up, Up, Down}

	var current *Vote
	total := 0
	for _, req := range requests {
		tr := Classify(current, req)
		total += sum(ReputationEffects(target, tr, "voter", "author", time.Now(), sequentialIDs()))
		switch tr.Kind {
		case KindInsert, KindFlip:
			current = &Vote{ActorID: "voter", Target: target, Value: tr.New}
		case KindRemove:
			current = nil
		}

		want := 0
		if current != nil {
			want = ExpectedReputation(target.Type, current.Value, "voter", "author")
		}
		if total != want {
			t.Fatalf("after request %d ledger sum=%d, want %d", req, total, want)
		}
	}
}

func TestExpectedReputationWithoutAuthor(t *testing.T) {
	if got := ExpectedReputation(TargetPost, Up, "voter", ""); got != 0 {
		t.Fatalf("ExpectedReputation(no author) = %d, want 0", got)
	}
	if got := ReputationEffects(Target{Type: TargetPost, ID: "p"}, Transition{Kind: KindInsert, New: Up}, "voter", "", time.Now(), func() string { return "id" }); len(got) != 0 {
		t.Fatalf("ReputationEffects(no author) = %+v, want none", got)
	}
}
