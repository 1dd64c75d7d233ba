package rvconsensustest

import (
	"fmt"
	"slices"
	"time"

	"github.com/raven-engine/raven/rv/rvconsensus"
)

// DAGBuilder constructs layered DAGs for tests, one round at a time.
//
// The builder starts at the genesis layer (round 0) and produces
// deterministic blocks: timestamps derive from the round number, so two
// builders over the same committee, fed the same layer configurations,
// produce byte-identical DAGs.
type DAGBuilder struct {
	committee *rvconsensus.Committee

	round  rvconsensus.Round
	blocks []rvconsensus.Block

	// Refs of the most recent layer, candidates for the next layer's parents.
	lastRefs []rvconsensus.BlockRef

	bySlot map[rvconsensus.Slot]rvconsensus.Block
}

// RoundConfig adjusts how a single layer is produced.
// The zero value produces a fully connected layer from all authorities.
type RoundConfig struct {
	// SkipAuthors do not produce a block this round.
	SkipAuthors []rvconsensus.AuthorityIndex

	// ExcludeParents are withheld from every block's parent set this round,
	// e.g. to deny a leader its certifiers.
	ExcludeParents []rvconsensus.BlockRef

	// ExcludeParentsFor withholds refs from specific authors' parent sets,
	// for layers where only part of the committee votes for a leader.
	ExcludeParentsFor map[rvconsensus.AuthorityIndex][]rvconsensus.BlockRef

	// RejectVotes are attached to every block produced this round.
	RejectVotes []rvconsensus.BlockRef
}

// NewDAGBuilder returns a builder seeded with the committee's genesis layer.
func NewDAGBuilder(committee *rvconsensus.Committee) *DAGBuilder {
	b := &DAGBuilder{
		committee: committee,
		bySlot:    make(map[rvconsensus.Slot]rvconsensus.Block),
	}

	for _, g := range rvconsensus.GenesisBlocks(committee) {
		b.blocks = append(b.blocks, g)
		b.lastRefs = append(b.lastRefs, g.Ref())
		b.bySlot[g.Slot()] = g
	}
	return b
}

// AddRound produces a fully connected layer:
// every authority emits a block referencing the entire previous layer.
func (b *DAGBuilder) AddRound() {
	b.AddRoundWith(RoundConfig{})
}

// AddRounds calls AddRound n times.
func (b *DAGBuilder) AddRounds(n int) {
	for range n {
		b.AddRound()
	}
}

// AddRoundWith produces the next layer under the given configuration.
func (b *DAGBuilder) AddRoundWith(cfg RoundConfig) {
	round := b.round + 1

	parents := make([]rvconsensus.BlockRef, 0, len(b.lastRefs))
	for _, ref := range b.lastRefs {
		if slices.Contains(cfg.ExcludeParents, ref) {
			continue
		}
		parents = append(parents, ref)
	}

	var nextRefs []rvconsensus.BlockRef
	for i := range b.committee.Size() {
		author := rvconsensus.AuthorityIndex(i)
		if slices.Contains(cfg.SkipAuthors, author) {
			continue
		}

		authorParents := slices.Clone(parents)
		if excl := cfg.ExcludeParentsFor[author]; len(excl) > 0 {
			authorParents = slices.DeleteFunc(authorParents, func(r rvconsensus.BlockRef) bool {
				return slices.Contains(excl, r)
			})
		}

		blk := rvconsensus.NewBlock(
			round,
			author,
			authorParents,
			nil,
			slices.Clone(cfg.RejectVotes),
			time.Unix(int64(round), 0).UTC(),
		)
		b.blocks = append(b.blocks, blk)
		nextRefs = append(nextRefs, blk.Ref())
		b.bySlot[blk.Slot()] = blk
	}

	b.round = round
	b.lastRefs = nextRefs
}

// Blocks returns every non-genesis block in creation order
// (round by round, authority index ascending within a round).
func (b *DAGBuilder) Blocks() []rvconsensus.Block {
	var out []rvconsensus.Block
	for _, blk := range b.blocks {
		if blk.Round() == 0 {
			continue
		}
		out = append(out, blk)
	}
	return out
}

// LastRound returns the highest round the builder has produced.
func (b *DAGBuilder) LastRound() rvconsensus.Round { return b.round }

// LastRefs returns the refs of the most recently produced layer.
func (b *DAGBuilder) LastRefs() []rvconsensus.BlockRef {
	return slices.Clone(b.lastRefs)
}

// BlockAt returns the block this builder produced at the given slot.
// It panics if the slot was skipped, since that is a test authoring error.
func (b *DAGBuilder) BlockAt(round rvconsensus.Round, author rvconsensus.AuthorityIndex) rvconsensus.Block {
	blk, ok := b.bySlot[rvconsensus.Slot{Round: round, Author: author}]
	if !ok {
		panic(fmt.Sprintf("rvconsensustest: no block built at %d@%d", author, round))
	}
	return blk
}
