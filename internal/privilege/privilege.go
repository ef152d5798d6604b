// Package privilege maps accumulated reputation onto the moderation rights
// it unlocks. Enforcement happens in the content service.
package privilege

import "math"

type Privilege string

const (
	PrivilegeVote         Privilege = "vote"
	PrivilegeEditOthers   Privilege = "edit_others"
	PrivilegeDeleteOthers Privilege = "delete_others"
)

var thresholds = []struct {
	privilege Privilege
	minimum   int
}{
	// Voting is never revoked; a negative balance only hides the others.
	{privilege: PrivilegeVote, minimum: math.MinInt},
	{privilege: PrivilegeEditOthers, minimum: 100},
	{privilege: PrivilegeDeleteOthers, minimum: 500},
}

// Threshold is the reputation a privilege requires; unknown privileges
// report ok=false.
func Threshold(p Privilege) (int, bool) {
	for _, t := range thresholds {
		if t.privilege == p {
			return t.minimum, true
		}
	}
	return 0, false
}

func Can(reputation int, p Privilege) bool {
	minimum, ok := Threshold(p)
	return ok && reputation >= minimum
}

// Unlocked lists every privilege held at the given reputation, lowest
// threshold first.
func Unlocked(reputation int) []Privilege {
	out := make([]Privilege, 0, len(thresholds))
	for _, t := range thresholds {
		if reputation >= t.minimum {
			out = append(out, t.privilege)
		}
	}
	return out
}

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

// TierFor is the display tier shown next to a reputation balance.
func TierFor(reputation int) Tier {
	switch {
	case reputation >= 1000:
		return TierDiamond
	case reputation >= 500:
		return TierPlatinum
	case reputation >= 200:
		return TierGold
	case reputation >= 50:
		return TierSilver
	default:
		return TierBronze
	}
}
