package rvelink

import (
	"sync/atomic"

	"github.com/raven-engine/raven/rv/rvconsensus"
)

// CommitConsumerMonitor is the progress cursor for a [CommitConsumer]:
// written by the consumer after each sub-DAG is durably processed,
// read by GC gating and observability.
//
// It is a bare atomic, never a lock: readers are arbitrary concurrent
// observers and must not contend with the consumer's hot path.
type CommitConsumerMonitor struct {
	highest atomic.Uint64
}

// NewCommitConsumerMonitor returns a monitor starting at the given index.
func NewCommitConsumerMonitor(start rvconsensus.CommitIndex) *CommitConsumerMonitor {
	m := new(CommitConsumerMonitor)
	m.highest.Store(uint64(start))
	return m
}

// SetHighestHandledCommit records that every commit up to and including
// index has been durably processed. Called only by the consumer.
func (m *CommitConsumerMonitor) SetHighestHandledCommit(index rvconsensus.CommitIndex) {
	m.highest.Store(uint64(index))
}

// HighestHandledCommit returns the most recently recorded index.
func (m *CommitConsumerMonitor) HighestHandledCommit() rvconsensus.CommitIndex {
	return rvconsensus.CommitIndex(m.highest.Load())
}
