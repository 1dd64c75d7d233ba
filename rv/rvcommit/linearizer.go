package rvcommit

import (
	"slices"

	"github.com/raven-engine/raven/rv/rvconsensus"
	"github.com/raven-engine/raven/rv/rvdag"
)

// Linearizer turns a positive leader decision into a [rvconsensus.CommittedSubDag]:
// the leader's causal ancestry not already claimed by an earlier commit,
// in a deterministic total order.
type Linearizer struct {
	dag *rvdag.DAGState
}

// NewLinearizer returns a linearizer over the given DAG.
func NewLinearizer(dag *rvdag.DAGState) *Linearizer {
	return &Linearizer{dag: dag}
}

// Linearize collects the uncommitted causal closure of the committed
// leader, marks every collected block committed, and returns the sub-DAG
// carrying the given index.
//
// The closure is ordered by (round, author, digest) with the leader block
// appended last. The walk stops at already-committed blocks, whose history
// belongs to earlier sub-DAGs, and never descends to rounds at or below
// the DAG's GC round, whose blocks are covered by the decided prefix.
//
// Linearize must be called exactly once per decision;
// committing a leader twice would violate the gapless-index invariant,
// and the committed marks make the second walk come up empty.
func (l *Linearizer) Linearize(leader rvconsensus.Block, index rvconsensus.CommitIndex) rvconsensus.CommittedSubDag {
	gcRound := l.dag.GCRound()

	var collected []rvconsensus.Block
	seen := map[rvconsensus.BlockRef]struct{}{leader.Ref(): {}}
	frontier := []rvconsensus.Block{leader}

	for len(frontier) > 0 {
		b := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		if b.Ref() != leader.Ref() {
			collected = append(collected, b)
		}

		for _, p := range b.Parents() {
			if p.Round <= gcRound {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}

			if l.dag.IsCommitted(p) {
				continue
			}
			pb, ok := l.dag.Get(p)
			if !ok {
				continue
			}
			frontier = append(frontier, pb)
		}
	}

	slices.SortFunc(collected, func(a, b rvconsensus.Block) int {
		return rvconsensus.CompareBlockRefs(a.Ref(), b.Ref())
	})

	ordered := append(collected, leader)
	for _, b := range ordered {
		l.dag.SetCommitted(b.Ref())
	}

	return rvconsensus.CommittedSubDag{
		Index:     index,
		Leader:    leader.Ref(),
		Blocks:    ordered,
		Timestamp: leader.Timestamp(),
	}
}
