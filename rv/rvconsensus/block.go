package rvconsensus

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// BlockDigest is the blake2b-256 digest of a block's deterministic encoding.
type BlockDigest [32]byte

func (d BlockDigest) String() string {
	return hex.EncodeToString(d[:4])
}

// Slot is a DAG position: at most one block is expected there
// from an honest authority.
type Slot struct {
	Round  Round
	Author AuthorityIndex
}

func (s Slot) String() string {
	return fmt.Sprintf("%d@%d", s.Author, s.Round)
}

// BlockRef is a weak reference to a block, used for parent edges
// and reject votes. It never implies the referenced block is locally present.
type BlockRef struct {
	Round  Round
	Author AuthorityIndex
	Digest BlockDigest
}

// Slot returns the DAG position this reference points at.
func (r BlockRef) Slot() Slot {
	return Slot{Round: r.Round, Author: r.Author}
}

func (r BlockRef) String() string {
	return fmt.Sprintf("%d@%d(%s)", r.Author, r.Round, r.Digest)
}

// CompareBlockRefs orders references by (round, author, digest).
// This is the canonical ordering used everywhere a deterministic
// sequence of blocks is required.
func CompareBlockRefs(a, b BlockRef) int {
	if a.Round != b.Round {
		if a.Round < b.Round {
			return -1
		}
		return 1
	}
	if a.Author != b.Author {
		if a.Author < b.Author {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Digest[:], b.Digest[:])
}

// Block is a single DAG vertex, immutable once constructed.
//
// A Block reaching this package has already had its signature and
// authorship verified by the (out of scope) network layer;
// structural acceptance is still the DAG state's responsibility.
type Block struct {
	round  Round
	author AuthorityIndex

	// Parents are references to round-1 blocks.
	// Their combined distinct-author stake must meet quorum,
	// which is enforced at acceptance, not construction.
	parents []BlockRef

	// Payload is opaque transaction data; consensus never inspects it.
	payload [][]byte

	// RejectVotes name prior leader blocks this author disputes.
	rejectVotes []BlockRef

	timestamp time.Time

	digest BlockDigest
}

// NewBlock constructs a block and computes its digest.
// The slices are retained; callers must not mutate them afterward.
func NewBlock(
	round Round,
	author AuthorityIndex,
	parents []BlockRef,
	payload [][]byte,
	rejectVotes []BlockRef,
	timestamp time.Time,
) Block {
	b := Block{
		round:       round,
		author:      author,
		parents:     parents,
		payload:     payload,
		rejectVotes: rejectVotes,
		timestamp:   timestamp,
	}
	b.digest = b.computeDigest()
	return b
}

func (b Block) Round() Round            { return b.round }
func (b Block) Author() AuthorityIndex  { return b.author }
func (b Block) Parents() []BlockRef     { return b.parents }
func (b Block) Payload() [][]byte       { return b.payload }
func (b Block) RejectVotes() []BlockRef { return b.rejectVotes }
func (b Block) Timestamp() time.Time    { return b.timestamp }
func (b Block) Digest() BlockDigest     { return b.digest }

// Slot returns the DAG position of this block.
func (b Block) Slot() Slot {
	return Slot{Round: b.round, Author: b.author}
}

// Ref returns the reference other blocks would use to name this block.
func (b Block) Ref() BlockRef {
	return BlockRef{Round: b.round, Author: b.author, Digest: b.digest}
}

func (b Block) String() string {
	return b.Ref().String()
}

// computeDigest hashes a deterministic binary encoding of every field,
// so two blocks differing in any field occupy distinct references
// and an equivocation at a slot is observable.
func (b Block) computeDigest() BlockDigest {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails on a bad key; we pass none.
		panic(err)
	}

	var scratch [8]byte
	writeU32 := func(v uint32) {
		binary.BigEndian.PutUint32(scratch[:4], v)
		_, _ = h.Write(scratch[:4])
	}
	writeU64 := func(v uint64) {
		binary.BigEndian.PutUint64(scratch[:8], v)
		_, _ = h.Write(scratch[:8])
	}
	writeRef := func(r BlockRef) {
		writeU32(uint32(r.Round))
		writeU32(uint32(r.Author))
		_, _ = h.Write(r.Digest[:])
	}

	writeU32(uint32(b.round))
	writeU32(uint32(b.author))
	writeU64(uint64(b.timestamp.UnixNano()))

	writeU64(uint64(len(b.parents)))
	for _, p := range b.parents {
		writeRef(p)
	}

	writeU64(uint64(len(b.rejectVotes)))
	for _, rv := range b.rejectVotes {
		writeRef(rv)
	}

	writeU64(uint64(len(b.payload)))
	for _, tx := range b.payload {
		writeU64(uint64(len(tx)))
		_, _ = h.Write(tx)
	}

	var d BlockDigest
	copy(d[:], h.Sum(nil))
	return d
}
