package rvconsensustest

import (
	"fmt"

	"github.com/raven-engine/raven/rv/rvconsensus"
)

// NewEqualStakeCommittee returns a committee of n authorities,
// each with stake 1, for epoch 0.
func NewEqualStakeCommittee(n int) *rvconsensus.Committee {
	return NewCommittee(0, uniformStakes(n, 1))
}

// NewCommittee returns a committee with the given stakes,
// naming each authority by its index.
func NewCommittee(epoch uint64, stakes []rvconsensus.Stake) *rvconsensus.Committee {
	as := make([]rvconsensus.Authority, len(stakes))
	for i, s := range stakes {
		as[i] = rvconsensus.Authority{
			Stake: s,
			Name:  fmt.Sprintf("authority-%d", i),
		}
	}
	return rvconsensus.NewCommittee(epoch, as)
}

func uniformStakes(n int, stake rvconsensus.Stake) []rvconsensus.Stake {
	ss := make([]rvconsensus.Stake, n)
	for i := range ss {
		ss[i] = stake
	}
	return ss
}
