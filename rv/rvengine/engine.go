package rvengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raven-engine/raven/rv/rvconsensus"
	"github.com/raven-engine/raven/rv/rvengine/rvelink"
	"github.com/raven-engine/raven/rv/rvschedule"
)

// ErrEngineStopped is returned by [Engine.HandleBlock] once the engine's
// kernel has exited, whether cleanly or due to a fatal pipeline error.
var ErrEngineStopped = errors.New("consensus engine stopped")

// ProposalSource supplies the opaque transaction payload for the local
// authority's own blocks. Implementations must not block; returning an
// empty payload is always acceptable.
type ProposalSource interface {
	NextPayload() [][]byte
}

// Config holds the configuration required to start an [Engine].
type Config struct {
	Log *slog.Logger

	Committee      *rvconsensus.Committee
	LocalAuthority rvconsensus.AuthorityIndex

	// Consumer receives every committed sub-DAG, in index order.
	Consumer *rvelink.CommitConsumer

	// Source supplies payloads for own proposals. May be nil.
	Source ProposalSource

	// ProposedBlocksOut, if set, receives every block this authority
	// proposes, for the caller to disseminate. The engine blocks on this
	// channel only until its context is cancelled, so the caller should
	// buffer it generously.
	ProposedBlocksOut chan<- rvconsensus.Block

	// LeaderTimeout is how long the proposer waits for the previous
	// round's leader block before proposing without it. Default 250ms.
	LeaderTimeout time.Duration

	// MinRoundDelay is the floor between own proposals, throttling round
	// rate when parents arrive instantly. Default 50ms.
	MinRoundDelay time.Duration

	// MaxForwardTimeDrift bounds how far ahead of the local clock a
	// block's timestamp may be before the block is held back. Default 500ms.
	MaxForwardTimeDrift time.Duration

	// GCDepth is the number of trailing rounds retained behind the last
	// commit. Zero disables pruning. Default 64.
	GCDepth rvconsensus.Round

	// IndirectDepth bounds the commit rule's anchor search;
	// it is clamped to GCDepth when GC is enabled. Default 8.
	IndirectDepth rvconsensus.Round

	// Swap and Lag configure the leader schedule's slow-leader
	// substitution; zero values take the schedule's defaults.
	Swap rvschedule.SwapConfig
	Lag  rvconsensus.Round

	// Now is the engine's clock, for tests. Defaults to [time.Now].
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.LeaderTimeout == 0 {
		c.LeaderTimeout = 250 * time.Millisecond
	}
	if c.MinRoundDelay == 0 {
		c.MinRoundDelay = 50 * time.Millisecond
	}
	if c.MaxForwardTimeDrift == 0 {
		c.MaxForwardTimeDrift = 500 * time.Millisecond
	}
	if c.GCDepth == 0 {
		c.GCDepth = 64
	}
	if c.IndirectDepth == 0 {
		c.IndirectDepth = 8
	}
	if c.IndirectDepth > c.GCDepth {
		c.IndirectDepth = c.GCDepth
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Status is a point-in-time snapshot of one engine's progress,
// answered by the kernel for observability and tests.
type Status struct {
	// ProposedRound is the highest round this authority has produced
	// a block for.
	ProposedRound rvconsensus.Round

	// ThresholdRound is the round the threshold clock currently permits
	// proposing at.
	ThresholdRound rvconsensus.Round

	// HighestAcceptedRound is the highest round with any accepted block.
	HighestAcceptedRound rvconsensus.Round

	// LastCommitIndex is the index of the most recent commit decision.
	LastCommitIndex rvconsensus.CommitIndex

	// LastDecidedRound is the highest leader round decided
	// (committed or skipped).
	LastDecidedRound rvconsensus.Round

	// MissingAncestors is how many block refs are currently blocking
	// suspended blocks.
	MissingAncestors int

	// GCRound is the highest round pruning may currently reach. It trails
	// the consumer's acknowledged commits, not just the decided sequence.
	GCRound rvconsensus.Round
}

// Engine runs one authority's consensus instance: a single kernel
// goroutine owns the DAG state, commit rule, leader schedule, and
// proposer, and every input is funneled through it. Agreement with other
// authorities emerges purely from the DAG contents each observes.
type Engine struct {
	log *slog.Logger

	blockRequests  chan blockRequest
	statusRequests chan chan Status

	done     chan struct{}
	finalErr error
}

type blockRequest struct {
	block rvconsensus.Block
	resp  chan error
}

// New starts an engine. It runs until ctx is cancelled or a fatal
// pipeline error occurs; see [Engine.Wait].
func New(ctx context.Context, cfg Config) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		log: cfg.Log,

		blockRequests:  make(chan blockRequest),
		statusRequests: make(chan chan Status),

		done: make(chan struct{}),
	}

	k := newKernel(cfg, e.blockRequests, e.statusRequests)
	go func() {
		defer close(e.done)
		e.finalErr = k.run(ctx)
	}()

	return e
}

// HandleBlock ingests one externally verified block.
//
// A structurally invalid block yields an [rvconsensus.InvalidBlockError].
// A block with missing ancestors or excessive timestamp drift is buffered
// and HandleBlock returns nil: suspension is not failure. HandleBlock is
// safe to call from any number of goroutines; ingestion is serialized by
// the kernel.
func (e *Engine) HandleBlock(ctx context.Context, block rvconsensus.Block) error {
	req := blockRequest{
		block: block,
		resp:  make(chan error, 1),
	}

	select {
	case e.blockRequests <- req:
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-e.done:
		return e.stoppedErr()
	}

	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-e.done:
		return e.stoppedErr()
	}
}

func (e *Engine) stoppedErr() error {
	if e.finalErr == nil {
		return ErrEngineStopped
	}
	return fmt.Errorf("%w: %w", ErrEngineStopped, e.finalErr)
}

// Status reports a snapshot of the kernel's progress.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	resp := make(chan Status, 1)

	select {
	case e.statusRequests <- resp:
	case <-ctx.Done():
		return Status{}, context.Cause(ctx)
	case <-e.done:
		return Status{}, e.stoppedErr()
	}

	select {
	case st := <-resp:
		return st, nil
	case <-ctx.Done():
		return Status{}, context.Cause(ctx)
	case <-e.done:
		return Status{}, e.stoppedErr()
	}
}

// Wait blocks until the kernel has exited and returns its fatal error,
// or nil after a clean context-cancelled shutdown.
func (e *Engine) Wait() error {
	<-e.done
	if errors.Is(e.finalErr, context.Canceled) {
		return nil
	}
	return e.finalErr
}
