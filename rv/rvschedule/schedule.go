package rvschedule

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/raven-engine/raven/rv/rvconsensus"
)

// Config holds what a [LeaderSchedule] needs at construction.
type Config struct {
	Committee *rvconsensus.Committee

	// Swap bounds the history the swap table may consider.
	// The zero value falls back to [DefaultSwapConfig].
	Swap SwapConfig

	// Lag is how many rounds behind a round's own number the decided
	// history used for its swap table is cut off. A larger lag means swap
	// tables react more slowly but leaders become computable earlier
	// relative to the decision frontier. Zero falls back to 16.
	Lag rvconsensus.Round
}

// LeaderSchedule deterministically selects the leader authority for each
// round: a stake-weighted choice seeded by (epoch, round), adjusted by a
// [LeaderSwapTable] derived from already-decided history.
//
// The swap table consulted for round R is built solely from the outcomes
// of rounds at or below R-lag, a prefix of the agreed decision sequence
// identical on every authority, never from local timers or delivery
// order. Until that prefix is locally complete the leader for R is simply
// not computable yet, and LeaderFor reports false; it never guesses.
//
// A LeaderSchedule is owned by a single goroutine, like the DAG state.
type LeaderSchedule struct {
	committee *rvconsensus.Committee
	swapCfg   SwapConfig
	lag       rvconsensus.Round

	// outcomes[r-1] is the decision for leader round r;
	// every decided round has exactly one, commit or skip.
	outcomes []LeaderOutcome

	// Swap tables memoized by history cutoff round.
	tables map[rvconsensus.Round]*LeaderSwapTable
}

// NewLeaderSchedule returns a schedule with no decided history.
func NewLeaderSchedule(cfg Config) *LeaderSchedule {
	if cfg.Swap == (SwapConfig{}) {
		cfg.Swap = DefaultSwapConfig()
	}
	if cfg.Lag == 0 {
		cfg.Lag = 16
	}
	return &LeaderSchedule{
		committee: cfg.Committee,
		swapCfg:   cfg.Swap,
		lag:       cfg.Lag,

		tables: make(map[rvconsensus.Round]*LeaderSwapTable),
	}
}

// RecordOutcome appends the decision for the next leader round.
// Outcomes must be recorded in round order with no gaps, one per decided
// round whether skip or commit, since they are positions in the agreed sequence.
func (s *LeaderSchedule) RecordOutcome(o LeaderOutcome) {
	if want := rvconsensus.Round(len(s.outcomes)) + 1; o.Round != want {
		panic(fmt.Sprintf(
			"rvschedule: outcome for round %d recorded out of order (expected round %d)",
			o.Round, want,
		))
	}
	s.outcomes = append(s.outcomes, o)
}

// LeaderFor returns the leader authority for the round.
//
// It reports false when the decided history this round's swap table
// depends on is not locally complete yet; callers must treat the round
// as undecidable until more decisions land.
func (s *LeaderSchedule) LeaderFor(round rvconsensus.Round) (rvconsensus.AuthorityIndex, bool) {
	nominal := s.nominalLeader(round)

	if round <= s.lag {
		// Bootstrap rounds precede any usable history.
		return nominal, true
	}

	cutoff := round - s.lag
	if rvconsensus.Round(len(s.outcomes)) < cutoff {
		return 0, false
	}

	table, ok := s.tables[cutoff]
	if !ok {
		table = BuildLeaderSwapTable(s.committee, s.outcomes[:cutoff], s.swapCfg)
		s.tables[cutoff] = table
	}

	if swapped, swap := table.Swap(nominal); swap {
		return swapped, true
	}
	return nominal, true
}

// DecidedRounds returns how many leader rounds have recorded outcomes.
func (s *LeaderSchedule) DecidedRounds() rvconsensus.Round {
	return rvconsensus.Round(len(s.outcomes))
}

// nominalLeader maps blake2b(epoch, round) into the committee's
// cumulative stake, so an authority's chance of leading a round is
// proportional to its stake.
func (s *LeaderSchedule) nominalLeader(round rvconsensus.Round) rvconsensus.AuthorityIndex {
	var seed [12]byte
	binary.BigEndian.PutUint64(seed[:8], s.committee.Epoch())
	binary.BigEndian.PutUint32(seed[8:], uint32(round))

	h := blake2b.Sum256(seed[:])
	pos := rvconsensus.Stake(binary.BigEndian.Uint64(h[:8]) % uint64(s.committee.TotalStake()))

	var cumulative rvconsensus.Stake
	for i := range s.committee.Size() {
		cumulative += s.committee.Stake(rvconsensus.AuthorityIndex(i))
		if pos < cumulative {
			return rvconsensus.AuthorityIndex(i)
		}
	}

	// Unreachable: pos < TotalStake by construction.
	panic("rvschedule: cumulative stake walk overran committee")
}
