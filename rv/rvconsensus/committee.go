package rvconsensus

import "fmt"

// Round is a layer of the DAG.
// All blocks at round R reference parents at round R-1.
type Round uint32

// AuthorityIndex is a dense index into a [Committee].
//
// Components in this module deal in authority indices, never in
// public keys or network addresses; resolving an index to anything
// concrete is the caller's concern.
type AuthorityIndex uint32

// Stake is the voting weight of an authority.
type Stake uint64

// CommitIndex is the sequence number of an agreed commit decision.
// The first decision has index 1; 0 means no commit yet.
type CommitIndex uint64

// Authority is a single entry in a [Committee].
type Authority struct {
	// Stake must be positive.
	Stake Stake

	// Name is a human-readable label used only for logging.
	Name string
}

// Committee is the immutable per-epoch authority and stake table.
//
// A Committee is constructed once per epoch and shared by reference
// into every component; none of its methods mutate it.
type Committee struct {
	epoch       uint64
	authorities []Authority
	totalStake  Stake
}

// NewCommittee returns a committee for the given epoch.
// It panics if authorities is empty or any stake is zero,
// since that indicates a configuration error rather than runtime input.
func NewCommittee(epoch uint64, authorities []Authority) *Committee {
	if len(authorities) == 0 {
		panic("rvconsensus: committee must have at least one authority")
	}

	var total Stake
	as := make([]Authority, len(authorities))
	for i, a := range authorities {
		if a.Stake == 0 {
			panic(fmt.Sprintf("rvconsensus: authority %d has zero stake", i))
		}
		as[i] = a
		total += a.Stake
	}

	return &Committee{
		epoch:       epoch,
		authorities: as,
		totalStake:  total,
	}
}

// Epoch returns the epoch this committee serves.
func (c *Committee) Epoch() uint64 { return c.epoch }

// Size returns the number of authorities.
func (c *Committee) Size() int { return len(c.authorities) }

// TotalStake returns the sum of all authorities' stake.
func (c *Committee) TotalStake() Stake { return c.totalStake }

// QuorumThreshold returns the 2f+1 certification threshold:
// the smallest stake amount strictly greater than two thirds of the total.
func (c *Committee) QuorumThreshold() Stake {
	return 2*c.totalStake/3 + 1
}

// ValidityThreshold returns the f+1 threshold:
// the smallest stake amount guaranteed to include an honest authority.
func (c *Committee) ValidityThreshold() Stake {
	return c.totalStake/3 + 1
}

// Stake returns the stake of the authority at index i.
func (c *Committee) Stake(i AuthorityIndex) Stake {
	return c.authorities[i].Stake
}

// Authority returns the authority entry at index i.
func (c *Committee) Authority(i AuthorityIndex) Authority {
	return c.authorities[i]
}

// IsValidIndex reports whether i is within this committee.
func (c *Committee) IsValidIndex(i AuthorityIndex) bool {
	return int(i) < len(c.authorities)
}
