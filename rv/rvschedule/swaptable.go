package rvschedule

import (
	"slices"

	"github.com/raven-engine/raven/rv/rvconsensus"
)

// LeaderOutcome records one already-decided leader round:
// who was scheduled and whether the decision committed or skipped them.
type LeaderOutcome struct {
	Round  rvconsensus.Round
	Leader rvconsensus.AuthorityIndex

	Committed bool
}

// SwapConfig bounds the history the swap table may consider.
type SwapConfig struct {
	// Window is how many trailing decided rounds are examined.
	Window int

	// SkipThreshold is the number of skips within the window at which an
	// authority is considered a historically slow leader and swapped out.
	SkipThreshold int
}

// DefaultSwapConfig returns the tuning used by the engine unless overridden.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		Window:        32,
		SkipThreshold: 3,
	}
}

// LeaderSwapTable substitutes historically slow leaders with authorities
// that have recently committed, so rounds nominally led by a crashed or
// lagging authority stop burning the leader timeout.
//
// The table is a pure function of decided history, never of local timers;
// see [BuildLeaderSwapTable].
type LeaderSwapTable struct {
	swaps map[rvconsensus.AuthorityIndex]rvconsensus.AuthorityIndex
}

func noSwaps() *LeaderSwapTable {
	return &LeaderSwapTable{}
}

// Swap returns the substitute for nominal, if one is in effect.
func (t *LeaderSwapTable) Swap(nominal rvconsensus.AuthorityIndex) (rvconsensus.AuthorityIndex, bool) {
	s, ok := t.swaps[nominal]
	return s, ok
}

// Len returns the number of substitutions in effect.
func (t *LeaderSwapTable) Len() int { return len(t.swaps) }

// BuildLeaderSwapTable derives substitutions from the trailing window of
// decided leader rounds.
//
// An authority skipped at least cfg.SkipThreshold times within the window
// is swapped with a committed authority from the same window. Substitutes
// are drawn best-first (most commits, ties broken by lower index) and each
// substitute replaces at most one slow leader, so the mapping stays
// injective. An authority that is itself slow is never used as a
// substitute; if there are more slow leaders than committed authorities,
// the remainder keep their nominal slots.
func BuildLeaderSwapTable(
	committee *rvconsensus.Committee,
	outcomes []LeaderOutcome,
	cfg SwapConfig,
) *LeaderSwapTable {
	if cfg.Window <= 0 || cfg.SkipThreshold <= 0 {
		return noSwaps()
	}
	if len(outcomes) > cfg.Window {
		outcomes = outcomes[len(outcomes)-cfg.Window:]
	}

	skips := make(map[rvconsensus.AuthorityIndex]int)
	commits := make(map[rvconsensus.AuthorityIndex]int)
	for _, o := range outcomes {
		if o.Committed {
			commits[o.Leader]++
		} else {
			skips[o.Leader]++
		}
	}

	var slow []rvconsensus.AuthorityIndex
	for a, n := range skips {
		if n >= cfg.SkipThreshold {
			slow = append(slow, a)
		}
	}
	if len(slow) == 0 {
		return noSwaps()
	}
	slices.Sort(slow)

	var good []rvconsensus.AuthorityIndex
	for a, n := range commits {
		if n == 0 {
			continue
		}
		if skips[a] >= cfg.SkipThreshold {
			continue
		}
		good = append(good, a)
	}
	slices.SortFunc(good, func(a, b rvconsensus.AuthorityIndex) int {
		if commits[a] != commits[b] {
			return commits[b] - commits[a]
		}
		return int(a) - int(b)
	})

	swaps := make(map[rvconsensus.AuthorityIndex]rvconsensus.AuthorityIndex)
	for i, s := range slow {
		if i >= len(good) {
			break
		}
		swaps[s] = good[i]
	}

	return &LeaderSwapTable{swaps: swaps}
}
