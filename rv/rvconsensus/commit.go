package rvconsensus

import (
	"fmt"
	"time"
)

// CommittedSubDag is the ordered causal closure of blocks finalized
// by one commit decision. It is created once by the linearizer and
// immutable thereafter; downstream consumers receive each exactly once.
type CommittedSubDag struct {
	// Index is the gapless sequence number of this decision, starting at 1.
	Index CommitIndex

	// Leader is the block whose decision produced this sub-DAG.
	Leader BlockRef

	// Blocks is the leader's uncommitted causal closure,
	// ordered by (round, author, digest), with the leader block last.
	Blocks []Block

	// Timestamp is the leader block's timestamp.
	Timestamp time.Time
}

func (s CommittedSubDag) String() string {
	return fmt.Sprintf("commit %d: leader %s, %d blocks", s.Index, s.Leader, len(s.Blocks))
}
