package rvengine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/raven-engine/raven/internal/rchan"
	"github.com/raven-engine/raven/rv/rvcommit"
	"github.com/raven-engine/raven/rv/rvconsensus"
	"github.com/raven-engine/raven/rv/rvdag"
	"github.com/raven-engine/raven/rv/rvschedule"
)

// kernel is the engine's single mutable-state owner. The DAG state,
// committer, schedule, and proposer bookkeeping are all confined to the
// run goroutine.
type kernel struct {
	cfg Config

	blockRequests  <-chan blockRequest
	statusRequests <-chan chan Status

	dag       *rvdag.DAGState
	schedule  *rvschedule.LeaderSchedule
	committer *rvcommit.Committer
	lin       *rvcommit.Linearizer

	commitIndex rvconsensus.CommitIndex
	lastDecided rvconsensus.Round

	// Leader rounds of delivered commits the consumer has not yet
	// acknowledged through its monitor. The GC horizon only advances
	// past a round once its commit index is acknowledged.
	pendingAcks map[rvconsensus.CommitIndex]rvconsensus.Round

	proposedRound  rvconsensus.Round
	lastProposalAt time.Time

	// Leader wait state: the round we want to propose at, and when the
	// threshold clock first permitted it. Cleared on proposal.
	waitingRound rvconsensus.Round
	waitingSince time.Time

	// Blocks held back for excessive forward timestamp drift,
	// ordered by the local time they become acceptable.
	held []heldBlock

	timer *time.Timer
}

type heldBlock struct {
	block      rvconsensus.Block
	eligibleAt time.Time
}

func newKernel(
	cfg Config,
	blockRequests <-chan blockRequest,
	statusRequests <-chan chan Status,
) *kernel {
	dag := rvdag.NewDAGState(rvdag.Config{
		Log:       cfg.Log.With("sys", "dag"),
		Committee: cfg.Committee,
		GCDepth:   cfg.GCDepth,
	})
	schedule := rvschedule.NewLeaderSchedule(rvschedule.Config{
		Committee: cfg.Committee,
		Swap:      cfg.Swap,
		Lag:       cfg.Lag,
	})

	return &kernel{
		cfg: cfg,

		blockRequests:  blockRequests,
		statusRequests: statusRequests,

		dag:      dag,
		schedule: schedule,
		committer: rvcommit.NewCommitter(rvcommit.Config{
			Log:           cfg.Log.With("sys", "committer"),
			Committee:     cfg.Committee,
			DAG:           dag,
			Schedule:      schedule,
			IndirectDepth: cfg.IndirectDepth,
		}),
		lin: rvcommit.NewLinearizer(dag),

		pendingAcks: make(map[rvconsensus.CommitIndex]rvconsensus.Round),
	}
}

func (k *kernel) run(ctx context.Context) error {
	k.timer = time.NewTimer(time.Hour)
	defer k.timer.Stop()

	k.cfg.Log.Info(
		"Consensus kernel started",
		"authority", k.cfg.LocalAuthority,
		"committee_size", k.cfg.Committee.Size(),
		"epoch", k.cfg.Committee.Epoch(),
	)

	// Genesis alone may already permit proposing round 1.
	if err := k.advance(ctx); err != nil {
		return err
	}

	for {
		k.armTimer()

		select {
		case <-ctx.Done():
			k.cfg.Log.Info("Consensus kernel stopping", "cause", context.Cause(ctx))
			return context.Cause(ctx)

		case req := <-k.blockRequests:
			err := k.ingest(ctx, req.block)
			var ibe rvconsensus.InvalidBlockError
			if errors.As(err, &ibe) {
				// Invalid input goes back to the caller; the kernel keeps running.
				req.resp <- err
				continue
			}
			req.resp <- nil
			if err != nil {
				return err
			}

		case <-k.timer.C:
			if err := k.onTimer(ctx); err != nil {
				return err
			}

		case resp := <-k.statusRequests:
			resp <- k.status()
		}
	}
}

// ingest handles one inbound block: drift gating, DAG acceptance, and the
// commit/proposal work any acceptance may unlock. The returned error is an
// InvalidBlockError for bad input, or a fatal kernel error.
func (k *kernel) ingest(ctx context.Context, block rvconsensus.Block) error {
	now := k.cfg.Now()

	if drift := block.Timestamp().Sub(now); drift > k.cfg.MaxForwardTimeDrift {
		// Not yet valid by our clock: hold and re-evaluate as time advances.
		k.holdForDrift(block, now.Add(drift-k.cfg.MaxForwardTimeDrift))
		k.cfg.Log.Debug(
			"Holding block with future timestamp",
			"block", block.Ref(), "drift", drift,
		)
		return nil
	}

	accepted, err := k.dag.Add(block)
	if err != nil {
		return err
	}
	if len(accepted) == 0 {
		return nil
	}

	return k.advance(ctx)
}

// advance runs the commit rule and the proposer until neither makes
// progress. Called after every acceptance and timer event.
func (k *kernel) advance(ctx context.Context) error {
	for {
		if err := k.processCommits(); err != nil {
			return err
		}

		proposed, err := k.maybePropose(ctx)
		if err != nil {
			return err
		}
		if !proposed {
			return nil
		}
	}
}

// processCommits drains every leader decision the DAG now supports,
// linearizing commits into the consumer in index order.
func (k *kernel) processCommits() error {
	statuses := k.committer.TryDecide(k.lastDecided)

	for _, st := range statuses {
		switch st.Kind {
		case rvcommit.DecisionCommit:
			k.commitIndex++
			sub := k.lin.Linearize(st.Block, k.commitIndex)
			if err := k.cfg.Consumer.Deliver(sub); err != nil {
				// The consensus-to-execution pipeline is gone;
				// this authority cannot usefully continue.
				return fmt.Errorf("delivering commit %d: %w", sub.Index, err)
			}
			k.pendingAcks[sub.Index] = st.Slot.Round
			k.cfg.Log.Info(
				"Committed leader",
				"leader", st.Block.Ref(),
				"commit_index", k.commitIndex,
				"blocks", len(sub.Blocks),
			)

		case rvcommit.DecisionSkip:
			k.cfg.Log.Info("Skipped leader round", "slot", st.Slot)
		}

		k.schedule.RecordOutcome(rvschedule.LeaderOutcome{
			Round:     st.Slot.Round,
			Leader:    st.Slot.Author,
			Committed: st.Kind == rvcommit.DecisionCommit,
		})
		k.lastDecided = st.Slot.Round
	}

	k.collectAcks()
	return nil
}

// collectAcks moves the GC horizon forward for every delivered commit the
// consumer's monitor has acknowledged. Pruning waits for the execution side
// so history a lagging consumer may still need stays resident.
func (k *kernel) collectAcks() {
	handled := k.cfg.Consumer.Monitor().HighestHandledCommit()

	advanced := false
	for idx, round := range k.pendingAcks {
		if idx > handled {
			continue
		}
		k.dag.NoteCommitRound(round)
		delete(k.pendingAcks, idx)
		advanced = true
	}
	if advanced {
		k.dag.RunGC()
	}
}

// maybePropose produces the local authority's next block if the threshold
// clock permits and the pacing rules allow, reporting whether it did.
func (k *kernel) maybePropose(ctx context.Context) (bool, error) {
	target := k.dag.ThresholdClockRound()
	if target <= k.proposedRound {
		return false, nil
	}

	now := k.cfg.Now()

	// Floor: never produce rounds faster than MinRoundDelay.
	if !k.lastProposalAt.IsZero() && now.Sub(k.lastProposalAt) < k.cfg.MinRoundDelay {
		return false, nil
	}

	// Ceiling: wait up to LeaderTimeout for the previous round's leader
	// block, then proceed without it to preserve liveness.
	if prev := target - 1; prev >= 1 {
		if leader, ok := k.schedule.LeaderFor(prev); ok {
			leaderSlot := rvconsensus.Slot{Round: prev, Author: leader}
			if len(k.dag.BlocksAtSlot(leaderSlot)) == 0 {
				if k.waitingRound != target {
					k.waitingRound = target
					k.waitingSince = now
				}
				if now.Sub(k.waitingSince) < k.cfg.LeaderTimeout {
					return false, nil
				}
				k.cfg.Log.Info(
					"Leader timeout; proposing without leader block",
					"round", target, "awaited_leader", leaderSlot,
				)
			}
		}
	}

	return true, k.propose(ctx, target, now)
}

func (k *kernel) propose(ctx context.Context, round rvconsensus.Round, now time.Time) error {
	var parents []rvconsensus.BlockRef
	var rejects []rvconsensus.BlockRef

	prevLeader, prevLeaderKnown := k.schedule.LeaderFor(round - 1)

	for i := range k.cfg.Committee.Size() {
		author := rvconsensus.AuthorityIndex(i)
		slot := rvconsensus.Slot{Round: round - 1, Author: author}
		blocks := k.dag.BlocksAtSlot(slot)
		if len(blocks) == 0 {
			continue
		}

		// One parent per authority, lowest digest for determinism.
		parents = append(parents, blocks[0].Ref())

		// An equivocating previous-round leader gets reject votes against
		// every candidate: none of them should ever be committed.
		if len(blocks) > 1 && prevLeaderKnown && author == prevLeader {
			for _, b := range blocks {
				rejects = append(rejects, b.Ref())
			}
		}
	}

	var payload [][]byte
	if k.cfg.Source != nil {
		payload = k.cfg.Source.NextPayload()
	}

	block := rvconsensus.NewBlock(
		round, k.cfg.LocalAuthority,
		parents, payload, rejects, now,
	)

	if _, err := k.dag.Add(block); err != nil {
		// Own blocks are built from accepted parents with threshold-clock
		// quorum; failing acceptance is an internal invariant violation.
		return fmt.Errorf("own proposal rejected: %w", err)
	}

	k.proposedRound = round
	k.lastProposalAt = now
	k.waitingRound = 0

	k.cfg.Log.Debug(
		"Proposed block",
		"block", block.Ref(), "parents", len(parents), "rejects", len(rejects),
	)

	if k.cfg.ProposedBlocksOut != nil {
		if !rchan.SendC(
			ctx, k.cfg.Log,
			k.cfg.ProposedBlocksOut, block,
			"sending proposed block for dissemination",
		) {
			return context.Cause(ctx)
		}
	}

	return nil
}

// onTimer re-evaluates anything time-gated: drift-held blocks whose moment
// has come, the leader-timeout path, and the min-round-delay floor.
func (k *kernel) onTimer(ctx context.Context) error {
	now := k.cfg.Now()

	for len(k.held) > 0 && !k.held[0].eligibleAt.After(now) {
		hb := k.held[0]
		k.held = k.held[1:]

		if _, err := k.dag.Add(hb.block); err != nil {
			// Held blocks were not structurally validated on arrival;
			// an invalid one is simply dropped here.
			k.cfg.Log.Debug("Dropping held block", "block", hb.block.Ref(), "err", err)
		}
	}

	return k.advance(ctx)
}

// holdForDrift inserts the block into the drift buffer,
// keeping it ordered by eligibility time.
func (k *kernel) holdForDrift(block rvconsensus.Block, eligibleAt time.Time) {
	at, _ := slices.BinarySearchFunc(k.held, eligibleAt, func(h heldBlock, t time.Time) int {
		return h.eligibleAt.Compare(t)
	})
	k.held = slices.Insert(k.held, at, heldBlock{block: block, eligibleAt: eligibleAt})
}

// armTimer points the kernel's single timer at the earliest pending
// deadline: drift re-evaluation, leader timeout, or the proposal floor.
// With no deadline pending the timer idles far in the future.
func (k *kernel) armTimer() {
	now := k.cfg.Now()
	deadline := now.Add(time.Hour)

	if len(k.held) > 0 && k.held[0].eligibleAt.Before(deadline) {
		deadline = k.held[0].eligibleAt
	}
	if k.waitingRound != 0 {
		if d := k.waitingSince.Add(k.cfg.LeaderTimeout); d.Before(deadline) {
			deadline = d
		}
	}
	if k.dag.ThresholdClockRound() > k.proposedRound && !k.lastProposalAt.IsZero() {
		if d := k.lastProposalAt.Add(k.cfg.MinRoundDelay); d.Before(deadline) {
			deadline = d
		}
	}

	if !k.timer.Stop() {
		select {
		case <-k.timer.C:
		default:
		}
	}
	k.timer.Reset(deadline.Sub(now))
}

func (k *kernel) status() Status {
	return Status{
		ProposedRound:        k.proposedRound,
		ThresholdRound:       k.dag.ThresholdClockRound(),
		HighestAcceptedRound: k.dag.HighestAcceptedRound(),
		LastCommitIndex:      k.commitIndex,
		LastDecidedRound:     k.lastDecided,
		MissingAncestors:     len(k.dag.MissingAncestors()),
		GCRound:              k.dag.GCRound(),
	}
}
