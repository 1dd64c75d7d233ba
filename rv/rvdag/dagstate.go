package rvdag

import (
	"log/slog"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/raven-engine/raven/rv/rvconsensus"
)

// Config holds what a [DAGState] needs at construction.
type Config struct {
	Log *slog.Logger

	Committee *rvconsensus.Committee

	// GCDepth is the number of trailing rounds retained behind the last
	// commit before pruning is permitted. Zero disables GC.
	GCDepth rvconsensus.Round
}

// DAGState owns every accepted block of one authority's DAG view.
//
// It is deliberately not safe for concurrent use: the engine kernel is its
// single owner, and all ingestion is funneled through the kernel's
// acceptance queue before touching it.
//
// Stored blocks are never mutated; they are only pruned by GC once their
// round falls behind the GC round, at which point no undecided leader can
// reach them.
type DAGState struct {
	log       *slog.Logger
	committee *rvconsensus.Committee
	gcDepth   rvconsensus.Round

	blocks  map[rvconsensus.BlockRef]rvconsensus.Block
	byRound map[rvconsensus.Round]map[rvconsensus.AuthorityIndex][]rvconsensus.BlockRef

	// Stake tallies, maintained incrementally on acceptance.
	// Each accumulates distinct-author stake toward a threshold and is
	// consulted by the commit rule; resolution happens exactly once there.
	certifiers map[rvconsensus.BlockRef]*stakeTally
	rejects    map[rvconsensus.BlockRef]*stakeTally
	roundStake map[rvconsensus.Round]*stakeTally

	// Suspended blocks waiting on ancestors.
	waiters   map[rvconsensus.BlockRef][]rvconsensus.BlockRef
	suspended map[rvconsensus.BlockRef]suspendedBlock
	missing   map[rvconsensus.BlockRef]struct{}

	committed       map[rvconsensus.BlockRef]struct{}
	lastCommitRound rvconsensus.Round

	highestAccepted rvconsensus.Round
	thresholdRound  rvconsensus.Round
}

type suspendedBlock struct {
	block rvconsensus.Block

	// Number of parents not yet accepted.
	missingParents int
}

// stakeTally accumulates distinct-author stake.
// An author counted twice (duplicate parent refs, equivocating blocks)
// contributes its stake only once.
type stakeTally struct {
	authors *bitset.BitSet
	stake   rvconsensus.Stake
}

func newStakeTally(committeeSize int) *stakeTally {
	return &stakeTally{authors: bitset.New(uint(committeeSize))}
}

// add counts the author's stake if not already counted,
// reporting whether it was newly counted.
func (t *stakeTally) add(author rvconsensus.AuthorityIndex, stake rvconsensus.Stake) bool {
	if t.authors.Test(uint(author)) {
		return false
	}
	t.authors.Set(uint(author))
	t.stake += stake
	return true
}

func (t *stakeTally) has(author rvconsensus.AuthorityIndex) bool {
	return t.authors.Test(uint(author))
}

// NewDAGState returns a DAG state seeded with the committee's genesis layer.
func NewDAGState(cfg Config) *DAGState {
	d := &DAGState{
		log:       cfg.Log,
		committee: cfg.Committee,
		gcDepth:   cfg.GCDepth,

		blocks:  make(map[rvconsensus.BlockRef]rvconsensus.Block),
		byRound: make(map[rvconsensus.Round]map[rvconsensus.AuthorityIndex][]rvconsensus.BlockRef),

		certifiers: make(map[rvconsensus.BlockRef]*stakeTally),
		rejects:    make(map[rvconsensus.BlockRef]*stakeTally),
		roundStake: make(map[rvconsensus.Round]*stakeTally),

		waiters:   make(map[rvconsensus.BlockRef][]rvconsensus.BlockRef),
		suspended: make(map[rvconsensus.BlockRef]suspendedBlock),
		missing:   make(map[rvconsensus.BlockRef]struct{}),

		committed: make(map[rvconsensus.BlockRef]struct{}),
	}

	for _, g := range rvconsensus.GenesisBlocks(cfg.Committee) {
		d.index(g)
	}
	return d
}

// Add ingests one verified block.
//
// On success, accepted contains every block newly accepted into the DAG in
// causal order: the given block, plus any previously suspended blocks it
// unblocked. If the block's ancestors are not all present it is suspended:
// accepted is empty and err is nil; the missing refs appear in
// [DAGState.MissingAncestors]. A structurally invalid block yields an
// [rvconsensus.InvalidBlockError] and nothing is stored.
//
// Add is idempotent: a block already accepted or suspended yields (nil, nil).
func (d *DAGState) Add(block rvconsensus.Block) (accepted []rvconsensus.Block, err error) {
	ref := block.Ref()

	if _, ok := d.blocks[ref]; ok {
		return nil, nil
	}
	if _, ok := d.suspended[ref]; ok {
		return nil, nil
	}

	// Below the GC round the block can no longer affect any decision.
	if gcRound := d.GCRound(); gcRound > 0 && block.Round() <= gcRound {
		d.log.Debug("Dropping block at or below GC round", "block", ref, "gc_round", gcRound)
		return nil, nil
	}

	if err := d.validateStructure(block); err != nil {
		return nil, err
	}

	missingParents := 0
	for _, p := range block.Parents() {
		if _, ok := d.blocks[p]; ok {
			continue
		}
		missingParents++
		d.waiters[p] = append(d.waiters[p], ref)
		if _, isSuspended := d.suspended[p]; !isSuspended {
			d.missing[p] = struct{}{}
		}
	}

	if missingParents > 0 {
		d.suspended[ref] = suspendedBlock{block: block, missingParents: missingParents}
		d.log.Debug("Suspending block on missing ancestors", "block", ref, "missing", missingParents)
		return nil, nil
	}

	return d.acceptAndUnsuspend(block), nil
}

// acceptAndUnsuspend indexes the block, then accepts any suspended blocks
// whose last missing ancestor this acceptance (transitively) supplied.
func (d *DAGState) acceptAndUnsuspend(block rvconsensus.Block) []rvconsensus.Block {
	accepted := []rvconsensus.Block{block}
	d.index(block)

	queue := []rvconsensus.BlockRef{block.Ref()}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]

		ws := d.waiters[ref]
		if len(ws) == 0 {
			continue
		}
		delete(d.waiters, ref)

		for _, wref := range ws {
			sb, ok := d.suspended[wref]
			if !ok {
				continue
			}
			sb.missingParents--
			if sb.missingParents > 0 {
				d.suspended[wref] = sb
				continue
			}

			delete(d.suspended, wref)
			d.index(sb.block)
			accepted = append(accepted, sb.block)
			queue = append(queue, wref)
		}
	}

	return accepted
}

// validateStructure applies the acceptance rules that do not depend on
// ancestor presence.
func (d *DAGState) validateStructure(block rvconsensus.Block) error {
	ref := block.Ref()

	if !d.committee.IsValidIndex(block.Author()) {
		return rvconsensus.InvalidBlockError{Ref: ref, Reason: "author outside committee"}
	}

	if block.Round() == 0 {
		// Genesis is seeded locally; an externally supplied round-0 block
		// is either a duplicate or a forgery attempt.
		return rvconsensus.InvalidBlockError{Ref: ref, Reason: "round 0 is reserved for genesis"}
	}

	parentTally := newStakeTally(d.committee.Size())
	for _, p := range block.Parents() {
		if p.Round != block.Round()-1 {
			return rvconsensus.InvalidBlockError{Ref: ref, Reason: "parent not at previous round"}
		}
		if !d.committee.IsValidIndex(p.Author) {
			return rvconsensus.InvalidBlockError{Ref: ref, Reason: "parent author outside committee"}
		}
		// Duplicate-author parents count once.
		parentTally.add(p.Author, d.committee.Stake(p.Author))
	}
	if parentTally.stake < d.committee.QuorumThreshold() {
		return rvconsensus.InvalidBlockError{Ref: ref, Reason: "parent stake below quorum"}
	}

	return nil
}

// index stores an accepted block and folds it into every tally.
func (d *DAGState) index(block rvconsensus.Block) {
	ref := block.Ref()
	d.blocks[ref] = block
	delete(d.missing, ref)

	byAuthor, ok := d.byRound[block.Round()]
	if !ok {
		byAuthor = make(map[rvconsensus.AuthorityIndex][]rvconsensus.BlockRef)
		d.byRound[block.Round()] = byAuthor
	}
	byAuthor[block.Author()] = append(byAuthor[block.Author()], ref)

	stake := d.committee.Stake(block.Author())

	rt, ok := d.roundStake[block.Round()]
	if !ok {
		rt = newStakeTally(d.committee.Size())
		d.roundStake[block.Round()] = rt
	}
	rt.add(block.Author(), stake)

	// Every parent edge is a certification of a previous-round block.
	for _, p := range block.Parents() {
		ct, ok := d.certifiers[p]
		if !ok {
			ct = newStakeTally(d.committee.Size())
			d.certifiers[p] = ct
		}
		ct.add(block.Author(), stake)
	}

	for _, rv := range block.RejectVotes() {
		jt, ok := d.rejects[rv]
		if !ok {
			jt = newStakeTally(d.committee.Size())
			d.rejects[rv] = jt
		}
		jt.add(block.Author(), stake)
	}

	if block.Round() > d.highestAccepted {
		d.highestAccepted = block.Round()
	}

	// Advance the threshold clock while quorum holds round by round.
	for {
		t, ok := d.roundStake[d.thresholdRound]
		if !ok || t.stake < d.committee.QuorumThreshold() {
			break
		}
		d.thresholdRound++
	}
}

// Get returns the block stored for ref.
func (d *DAGState) Get(ref rvconsensus.BlockRef) (rvconsensus.Block, bool) {
	b, ok := d.blocks[ref]
	return b, ok
}

// Contains reports whether ref has been accepted.
func (d *DAGState) Contains(ref rvconsensus.BlockRef) bool {
	_, ok := d.blocks[ref]
	return ok
}

// BlocksAtSlot returns every accepted block at the slot, ordered by digest.
// More than one block appears only under equivocation.
func (d *DAGState) BlocksAtSlot(slot rvconsensus.Slot) []rvconsensus.Block {
	refs := d.byRound[slot.Round][slot.Author]
	out := make([]rvconsensus.Block, 0, len(refs))
	for _, ref := range refs {
		out = append(out, d.blocks[ref])
	}
	slices.SortFunc(out, func(a, b rvconsensus.Block) int {
		return rvconsensus.CompareBlockRefs(a.Ref(), b.Ref())
	})
	return out
}

// BlocksAtRound returns every accepted block at the round,
// in (author, digest) order.
func (d *DAGState) BlocksAtRound(round rvconsensus.Round) []rvconsensus.Block {
	var out []rvconsensus.Block
	for _, refs := range d.byRound[round] {
		for _, ref := range refs {
			out = append(out, d.blocks[ref])
		}
	}
	slices.SortFunc(out, func(a, b rvconsensus.Block) int {
		return rvconsensus.CompareBlockRefs(a.Ref(), b.Ref())
	})
	return out
}

// CertifierStake returns the distinct-author stake of next-round blocks
// referencing ref as a parent.
func (d *DAGState) CertifierStake(ref rvconsensus.BlockRef) rvconsensus.Stake {
	if t, ok := d.certifiers[ref]; ok {
		return t.stake
	}
	return 0
}

// IsCertifier reports whether the author has an accepted block
// referencing ref as a parent.
func (d *DAGState) IsCertifier(ref rvconsensus.BlockRef, author rvconsensus.AuthorityIndex) bool {
	t, ok := d.certifiers[ref]
	return ok && t.has(author)
}

// RejectStake returns the distinct-author stake of accepted blocks
// carrying a reject vote against ref.
func (d *DAGState) RejectStake(ref rvconsensus.BlockRef) rvconsensus.Stake {
	if t, ok := d.rejects[ref]; ok {
		return t.stake
	}
	return 0
}

// NonCertifierStake returns the distinct-author stake present at
// ref.Round+1 that does not reference ref as a parent. Once this reaches
// quorum, ref can never be directly certified.
func (d *DAGState) NonCertifierStake(ref rvconsensus.BlockRef) rvconsensus.Stake {
	rt, ok := d.roundStake[ref.Round+1]
	if !ok {
		return 0
	}
	ct := d.certifiers[ref]

	var stake rvconsensus.Stake
	for i := range d.committee.Size() {
		author := rvconsensus.AuthorityIndex(i)
		if !rt.has(author) {
			continue
		}
		if ct != nil && ct.has(author) {
			continue
		}
		stake += d.committee.Stake(author)
	}
	return stake
}

// RoundStake returns the distinct-author stake accepted at the round.
func (d *DAGState) RoundStake(round rvconsensus.Round) rvconsensus.Stake {
	if t, ok := d.roundStake[round]; ok {
		return t.stake
	}
	return 0
}

// ThresholdClockRound returns the round the local authority may propose at:
// one past the highest round prefix whose every round holds quorum stake.
func (d *DAGState) ThresholdClockRound() rvconsensus.Round {
	return d.thresholdRound
}

// HighestAcceptedRound returns the highest round with any accepted block.
func (d *DAGState) HighestAcceptedRound() rvconsensus.Round {
	return d.highestAccepted
}

// MissingAncestors returns the refs currently blocking suspended blocks,
// in canonical order. A fetcher should request exactly these.
func (d *DAGState) MissingAncestors() []rvconsensus.BlockRef {
	out := make([]rvconsensus.BlockRef, 0, len(d.missing))
	for ref := range d.missing {
		out = append(out, ref)
	}
	slices.SortFunc(out, rvconsensus.CompareBlockRefs)
	return out
}

// SetCommitted marks ref as included in a committed sub-DAG,
// reporting whether it was not already marked.
func (d *DAGState) SetCommitted(ref rvconsensus.BlockRef) bool {
	if _, ok := d.committed[ref]; ok {
		return false
	}
	d.committed[ref] = struct{}{}
	return true
}

// IsCommitted reports whether ref is part of any committed sub-DAG.
func (d *DAGState) IsCommitted(ref rvconsensus.BlockRef) bool {
	_, ok := d.committed[ref]
	return ok
}

// NoteCommitRound records that the leader of a commit decision was at round,
// moving the GC horizon forward.
func (d *DAGState) NoteCommitRound(round rvconsensus.Round) {
	if round > d.lastCommitRound {
		d.lastCommitRound = round
	}
}

// LastCommitRound returns the round of the most recently committed leader.
func (d *DAGState) LastCommitRound() rvconsensus.Round {
	return d.lastCommitRound
}

// GCRound returns the highest round eligible for pruning.
// Everything at or below it is already covered by a decided prefix:
// no undecided leader can reach blocks there, because the linearizer
// never descends below this round.
func (d *DAGState) GCRound() rvconsensus.Round {
	if d.gcDepth == 0 || d.lastCommitRound <= d.gcDepth {
		return 0
	}
	return d.lastCommitRound - d.gcDepth
}

// RunGC prunes blocks, tallies, and suspended state at or below the GC
// round, returning the number of blocks pruned.
func (d *DAGState) RunGC() int {
	gcRound := d.GCRound()
	if gcRound == 0 {
		return 0
	}

	pruned := 0
	for round, byAuthor := range d.byRound {
		if round > gcRound {
			continue
		}
		for _, refs := range byAuthor {
			for _, ref := range refs {
				delete(d.blocks, ref)
				delete(d.committed, ref)
				pruned++
			}
		}
		delete(d.byRound, round)
		delete(d.roundStake, round)
	}

	// Tallies and waiter lists can be keyed by refs that were never
	// accepted, such as reject votes against a block that never arrived.
	// Sweep them by key round so they cannot outlive the horizon.
	for ref := range d.certifiers {
		if ref.Round <= gcRound {
			delete(d.certifiers, ref)
		}
	}
	for ref := range d.rejects {
		if ref.Round <= gcRound {
			delete(d.rejects, ref)
		}
	}
	for ref := range d.waiters {
		if ref.Round <= gcRound {
			delete(d.waiters, ref)
		}
	}
	for ref := range d.missing {
		if ref.Round <= gcRound {
			delete(d.missing, ref)
		}
	}
	for ref, sb := range d.suspended {
		if sb.block.Round() <= gcRound {
			delete(d.suspended, ref)
		}
	}

	if pruned > 0 {
		d.log.Debug("Pruned DAG state", "gc_round", gcRound, "blocks", pruned)
	}
	return pruned
}
