package rvconsensus

import "fmt"

// InvalidBlockError reports a block that failed structural acceptance.
// The block is dropped at the boundary; whether to penalize the peer
// that sent it is a decision for the network layer, not this module.
type InvalidBlockError struct {
	Ref    BlockRef
	Reason string
}

func (e InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block %s: %s", e.Ref, e.Reason)
}
