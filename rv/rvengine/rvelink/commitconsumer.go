package rvelink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/raven-engine/raven/rv/rvconsensus"
)

// ErrClosed is returned by [CommitConsumer.Deliver] once the consuming side
// has closed the consumer. It is fatal for the consensus-to-execution
// pipeline of this authority: the engine surfaces it instead of retrying.
var ErrClosed = errors.New("commit consumer closed")

// CommitConsumer is the single boundary between the consensus core and the
// execution layer: a single-producer, single-consumer, unbounded queue of
// committed sub-DAGs.
//
// The queue is unbounded by design. Consensus must never block on
// execution speed, so a stalled consumer costs memory, not liveness;
// that trade is accepted and the [CommitConsumerMonitor] is how operators
// observe consumer lag.
//
// Crash recovery: construct the consumer with the last durably processed
// commit index. Replayed sub-DAGs at or below that index are suppressed,
// so the first item the consumer receives carries index K+1.
type CommitConsumer struct {
	lastProcessed rvconsensus.CommitIndex
	monitor       *CommitConsumerMonitor

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []rvconsensus.CommittedSubDag
	closed bool

	// Highest index accepted into the queue, for the gapless check.
	lastEnqueued rvconsensus.CommitIndex

	out  chan rvconsensus.CommittedSubDag
	done chan struct{}
}

// NewCommitConsumer returns a consumer that suppresses commit indices at or
// below lastProcessed. Its monitor starts at lastProcessed.
func NewCommitConsumer(lastProcessed rvconsensus.CommitIndex) *CommitConsumer {
	c := &CommitConsumer{
		lastProcessed: lastProcessed,
		monitor:       NewCommitConsumerMonitor(lastProcessed),

		lastEnqueued: lastProcessed,

		out:  make(chan rvconsensus.CommittedSubDag),
		done: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	go c.pump()
	return c
}

// Deliver enqueues one committed sub-DAG. It never blocks on the consumer.
//
// Sub-DAGs at or below the construction-time lastProcessed index are
// dropped silently: they are deterministic replays the consumer has
// already durably applied. A gap or repeat above that point is an internal
// invariant violation and is reported as an error distinct from [ErrClosed].
func (c *CommitConsumer) Deliver(sub rvconsensus.CommittedSubDag) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if sub.Index <= c.lastProcessed {
		return nil
	}
	if sub.Index != c.lastEnqueued+1 {
		return fmt.Errorf(
			"commit index %d out of sequence: expected %d",
			sub.Index, c.lastEnqueued+1,
		)
	}

	c.lastEnqueued = sub.Index
	c.queue = append(c.queue, sub)
	c.cond.Signal()
	return nil
}

// Commits returns the receive side of the queue.
// It is closed after [CommitConsumer.Close].
func (c *CommitConsumer) Commits() <-chan rvconsensus.CommittedSubDag {
	return c.out
}

// Monitor returns the shared progress cursor for this consumer.
func (c *CommitConsumer) Monitor() *CommitConsumerMonitor {
	return c.monitor
}

// Close is called by the consuming side when it stops dequeuing.
// Subsequent Delivers fail with [ErrClosed]; queued items are discarded.
// Close is idempotent.
func (c *CommitConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.cond.Signal()
}

// pump moves queued sub-DAGs to the outbound channel,
// blocking only on the consumer, never on the producer.
func (c *CommitConsumer) pump() {
	defer close(c.out)

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		sub := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		select {
		case c.out <- sub:
		case <-c.done:
			return
		}
	}
}
