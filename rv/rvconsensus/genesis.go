package rvconsensus

import "time"

// GenesisBlocks returns the round-0 block for each authority in the committee.
//
// Genesis blocks have no parents and an empty payload, so every authority
// derives the identical refs without any exchange; they anchor the parent
// quorum requirement for round 1.
func GenesisBlocks(c *Committee) []Block {
	ts := time.Unix(0, 0).UTC()
	blocks := make([]Block, c.Size())
	for i := range blocks {
		blocks[i] = NewBlock(0, AuthorityIndex(i), nil, nil, nil, ts)
	}
	return blocks
}
