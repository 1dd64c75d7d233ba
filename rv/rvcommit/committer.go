package rvcommit

import (
	"fmt"
	"log/slog"

	"github.com/raven-engine/raven/rv/rvconsensus"
	"github.com/raven-engine/raven/rv/rvdag"
	"github.com/raven-engine/raven/rv/rvschedule"
)

// DecisionKind classifies the outcome of evaluating one leader round.
type DecisionKind uint8

const (
	_ DecisionKind = iota // Zero value reserved.

	// The leader is committed; its sub-DAG will be linearized.
	DecisionCommit

	// The leader round is skipped: no block from this slot
	// will ever appear as a committed leader.
	DecisionSkip

	// Not enough DAG structure has accumulated to decide either way.
	DecisionUndecided
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionCommit:
		return "commit"
	case DecisionSkip:
		return "skip"
	case DecisionUndecided:
		return "undecided"
	default:
		return fmt.Sprintf("DecisionKind(%d)", uint8(k))
	}
}

// LeaderStatus is the decision for one leader round.
type LeaderStatus struct {
	Kind DecisionKind

	// Slot is the leader's DAG position, set for every kind.
	Slot rvconsensus.Slot

	// Block is the committed leader block; only set when Kind is DecisionCommit.
	Block rvconsensus.Block
}

func (s LeaderStatus) String() string {
	return fmt.Sprintf("%s(%s)", s.Kind, s.Slot)
}

// Config holds what a [Committer] needs at construction.
type Config struct {
	Log *slog.Logger

	Committee *rvconsensus.Committee
	DAG       *rvdag.DAGState
	Schedule  *rvschedule.LeaderSchedule

	// IndirectDepth bounds how many rounds above an undecided leader the
	// indirect rule searches for a committed anchor. It must not exceed the
	// DAG's GC depth, or an anchor's history could already be pruned.
	IndirectDepth rvconsensus.Round
}

// Committer evaluates outstanding leader rounds against locally observed
// DAG structure, producing the gapless sequence of commit/skip decisions
// every correct authority arrives at independently.
//
// The committer accumulates no decision state of its own: every evaluation
// is a pure function of the DAG and the schedule, so re-evaluating an
// already-decided leader returns the identical status.
type Committer struct {
	log *slog.Logger

	committee *rvconsensus.Committee
	dag       *rvdag.DAGState
	schedule  *rvschedule.LeaderSchedule

	indirectDepth rvconsensus.Round
}

// NewCommitter returns a committer over the given DAG and schedule.
func NewCommitter(cfg Config) *Committer {
	if cfg.IndirectDepth == 0 {
		cfg.IndirectDepth = 8
	}
	return &Committer{
		log: cfg.Log,

		committee: cfg.Committee,
		dag:       cfg.DAG,
		schedule:  cfg.Schedule,

		indirectDepth: cfg.IndirectDepth,
	}
}

// TryDecide evaluates every leader round above lastDecided and returns the
// maximal gapless run of decided statuses, in ascending round order.
// The first round that remains undecided stops the run: commit indices may
// never skip ahead of it.
//
// Leader rounds are evaluated from the highest candidate downward so that
// the indirect rule can consult the (tentative) decisions of later rounds
// while deciding an earlier one.
func (c *Committer) TryDecide(lastDecided rvconsensus.Round) []LeaderStatus {
	highest := c.dag.HighestAcceptedRound()
	if highest <= lastDecided {
		return nil
	}

	// statuses[i] holds the status for round highest-i.
	statuses := make([]LeaderStatus, 0, highest-lastDecided)
	for round := highest; round > lastDecided; round-- {
		statuses = append(statuses, c.decide(round, statuses))
	}

	// Reverse into ascending round order, then cut at the first undecided.
	out := make([]LeaderStatus, 0, len(statuses))
	for i := len(statuses) - 1; i >= 0; i-- {
		st := statuses[i]
		if st.Kind == DecisionUndecided {
			break
		}
		out = append(out, st)
	}
	return out
}

// decide evaluates the leader round. later holds the statuses of every
// round above it, highest first.
func (c *Committer) decide(round rvconsensus.Round, later []LeaderStatus) LeaderStatus {
	leader, ok := c.schedule.LeaderFor(round)
	if !ok {
		// The swap table for this round depends on decisions not yet made;
		// the round is undecidable until the lower rounds land.
		return LeaderStatus{Kind: DecisionUndecided, Slot: rvconsensus.Slot{Round: round}}
	}
	slot := rvconsensus.Slot{Round: round, Author: leader}

	if st, ok := c.tryDirectDecide(slot); ok {
		c.log.Debug("Direct decision", "status", st)
		return st
	}

	if st, ok := c.tryIndirectDecide(slot, later); ok {
		c.log.Debug("Indirect decision", "status", st)
		return st
	}

	return LeaderStatus{Kind: DecisionUndecided, Slot: slot}
}

// tryDirectDecide applies the reject, direct-commit, and direct-skip rules.
func (c *Committer) tryDirectDecide(slot rvconsensus.Slot) (LeaderStatus, bool) {
	quorum := c.committee.QuorumThreshold()
	candidates := c.dag.BlocksAtSlot(slot)

	// A quorum of reject votes kills a candidate outright,
	// regardless of any certification it may also have gathered.
	live := candidates[:0:0]
	for _, b := range candidates {
		if c.dag.RejectStake(b.Ref()) >= quorum {
			continue
		}
		live = append(live, b)
	}
	if len(candidates) > 0 && len(live) == 0 {
		return LeaderStatus{Kind: DecisionSkip, Slot: slot}, true
	}

	// Direct commit: a candidate whose next round references it
	// with quorum distinct-author stake. At most one candidate of an
	// equivocating leader can reach this, since certification quorums
	// intersect in an honest authority.
	for _, b := range live {
		if c.dag.CertifierStake(b.Ref()) >= quorum {
			return LeaderStatus{Kind: DecisionCommit, Slot: slot, Block: b}, true
		}
	}

	// Direct skip: quorum stake at the voting round certifies none of the
	// slot's candidates, leaving at most f stake that ever could.
	if c.slotSkipStake(slot, candidates) >= quorum {
		return LeaderStatus{Kind: DecisionSkip, Slot: slot}, true
	}

	return LeaderStatus{}, false
}

// slotSkipStake returns the distinct-author stake at slot.Round+1 whose
// accepted blocks certify none of the slot's candidates.
func (c *Committer) slotSkipStake(slot rvconsensus.Slot, candidates []rvconsensus.Block) rvconsensus.Stake {
	votingRound := slot.Round + 1

	var stake rvconsensus.Stake
	for i := range c.committee.Size() {
		author := rvconsensus.AuthorityIndex(i)
		voting := rvconsensus.Slot{Round: votingRound, Author: author}
		if len(c.dag.BlocksAtSlot(voting)) == 0 {
			continue
		}

		certifiesAny := false
		for _, b := range candidates {
			if c.dag.IsCertifier(b.Ref(), author) {
				certifiesAny = true
				break
			}
		}
		if !certifiesAny {
			stake += c.committee.Stake(author)
		}
	}
	return stake
}

// tryIndirectDecide resolves a leader the direct rule could not, by
// consulting committed anchors above it in ascending round order. Each
// anchor's verdict is a pure function of its own causal history, so every
// authority walking the same anchor sequence reaches the same decision.
//
// An undecided later round blocks the search, since its eventual decision
// could change the anchor sequence. The search never looks further than
// indirectDepth rounds ahead.
func (c *Committer) tryIndirectDecide(slot rvconsensus.Slot, later []LeaderStatus) (LeaderStatus, bool) {
	// later is ordered highest round first; walk it backward
	// to visit rounds in ascending order.
	for i := len(later) - 1; i >= 0; i-- {
		anchor := later[i]
		if anchor.Slot.Round > slot.Round+c.indirectDepth {
			break
		}

		switch anchor.Kind {
		case DecisionSkip:
			continue
		case DecisionUndecided:
			return LeaderStatus{}, false
		case DecisionCommit:
			// Anchor rounds at or below the voting round cannot
			// carry votes for this slot.
			if anchor.Slot.Round <= slot.Round+1 {
				continue
			}
			if st, ok := c.decideByAnchor(slot, anchor.Block); ok {
				return st, true
			}
			// This anchor's history proves neither outcome;
			// a later anchor may have absorbed more votes.
		}
	}

	return LeaderStatus{}, false
}

// decideByAnchor evaluates the slot against one committed anchor's causal
// history down to the voting round.
//
// The slot commits when a live candidate holds quorum distinct-author
// voting stake inside that history: a certified leader the decided
// sequence is already built on. It skips only when the history itself
// carries quorum distinct-author stake voting for no candidate of the
// slot, so no view of the DAG can direct-commit one. A history proving
// neither is not a decision; a quorum of votes outside the anchor's
// ancestry may still direct-commit the leader, and skipping here would
// fork the committed sequence.
func (c *Committer) decideByAnchor(slot rvconsensus.Slot, anchor rvconsensus.Block) (LeaderStatus, bool) {
	quorum := c.committee.QuorumThreshold()
	votingBlocks := c.ancestorsAtRound(anchor, slot.Round+1)
	candidates := c.dag.BlocksAtSlot(slot)

	// Which authors' history blocks vote for each candidate, and which
	// authors appear in the history without voting for any. Only
	// candidates referenced from the history can tally votes, so both
	// maps are fixed once the anchor is accepted.
	votedFor := make(map[rvconsensus.BlockRef]map[rvconsensus.AuthorityIndex]struct{})
	votedAny := make(map[rvconsensus.AuthorityIndex]bool, len(votingBlocks))
	for _, vb := range votingBlocks {
		author := vb.Author()
		if _, ok := votedAny[author]; !ok {
			votedAny[author] = false
		}
		for _, cand := range candidates {
			if !referencesParent(vb, cand.Ref()) {
				continue
			}
			votedAny[author] = true

			set := votedFor[cand.Ref()]
			if set == nil {
				set = make(map[rvconsensus.AuthorityIndex]struct{})
				votedFor[cand.Ref()] = set
			}
			set[author] = struct{}{}
		}
	}

	// Candidates with a quorum of reject votes never commit,
	// no matter what support the history carries.
	for _, cand := range candidates {
		if c.dag.RejectStake(cand.Ref()) >= quorum {
			continue
		}

		var stake rvconsensus.Stake
		for author := range votedFor[cand.Ref()] {
			stake += c.committee.Stake(author)
		}
		if stake >= quorum {
			return LeaderStatus{Kind: DecisionCommit, Slot: slot, Block: cand}, true
		}
	}

	var skipStake rvconsensus.Stake
	for author, voted := range votedAny {
		if !voted {
			skipStake += c.committee.Stake(author)
		}
	}
	if skipStake >= quorum {
		return LeaderStatus{Kind: DecisionSkip, Slot: slot}, true
	}

	return LeaderStatus{}, false
}

// ancestorsAtRound collects the blocks at exactly the given round reachable
// from b through parent edges.
func (c *Committer) ancestorsAtRound(b rvconsensus.Block, round rvconsensus.Round) []rvconsensus.Block {
	if b.Round() <= round {
		return nil
	}

	seen := map[rvconsensus.BlockRef]struct{}{b.Ref(): {}}
	frontier := []rvconsensus.Block{b}
	var out []rvconsensus.Block

	for len(frontier) > 0 {
		cur := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		for _, p := range cur.Parents() {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}

			pb, ok := c.dag.Get(p)
			if !ok {
				// Parents of accepted blocks are accepted by construction;
				// a miss means the ref was GC'd, below the round of interest.
				continue
			}
			if pb.Round() == round {
				out = append(out, pb)
			} else if pb.Round() > round {
				frontier = append(frontier, pb)
			}
		}
	}

	return out
}

func referencesParent(b rvconsensus.Block, ref rvconsensus.BlockRef) bool {
	for _, p := range b.Parents() {
		if p == ref {
			return true
		}
	}
	return false
}
