package rvconsensus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raven-engine/raven/rv/rvconsensus"
)

func TestBlock_DigestIsDeterministic(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1000, 0)
	parents := []rvconsensus.BlockRef{
		{Round: 1, Author: 0},
		{Round: 1, Author: 1},
	}

	b1 := rvconsensus.NewBlock(2, 0, parents, nil, nil, ts)
	b2 := rvconsensus.NewBlock(2, 0, parents, nil, nil, ts)
	require.Equal(t, b1.Digest(), b2.Digest())
	require.Equal(t, b1.Ref(), b2.Ref())
}

func TestBlock_DigestCoversEveryField(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1000, 0)
	base := rvconsensus.NewBlock(2, 0, nil, nil, nil, ts)

	cases := map[string]rvconsensus.Block{
		"round":     rvconsensus.NewBlock(3, 0, nil, nil, nil, ts),
		"author":    rvconsensus.NewBlock(2, 1, nil, nil, nil, ts),
		"timestamp": rvconsensus.NewBlock(2, 0, nil, nil, nil, ts.Add(time.Millisecond)),
		"parents": rvconsensus.NewBlock(2, 0, []rvconsensus.BlockRef{
			{Round: 1, Author: 0},
		}, nil, nil, ts),
		"payload": rvconsensus.NewBlock(2, 0, nil, [][]byte{[]byte("tx")}, nil, ts),
		"reject votes": rvconsensus.NewBlock(2, 0, nil, nil, []rvconsensus.BlockRef{
			{Round: 1, Author: 2},
		}, ts),
	}

	for name, b := range cases {
		require.NotEqual(t, base.Digest(), b.Digest(), "digest ignored %s", name)
	}
}

func TestBlock_EquivocationHasDistinctRef(t *testing.T) {
	t.Parallel()

	// Two blocks at the same slot with different payloads
	// are both addressable: same slot, different refs.
	ts := time.Unix(1000, 0)
	b1 := rvconsensus.NewBlock(5, 2, nil, [][]byte{[]byte("a")}, nil, ts)
	b2 := rvconsensus.NewBlock(5, 2, nil, [][]byte{[]byte("b")}, nil, ts)

	require.Equal(t, b1.Slot(), b2.Slot())
	require.NotEqual(t, b1.Ref(), b2.Ref())
}

func TestCompareBlockRefs(t *testing.T) {
	t.Parallel()

	a := rvconsensus.BlockRef{Round: 1, Author: 0}
	b := rvconsensus.BlockRef{Round: 1, Author: 1}
	c := rvconsensus.BlockRef{Round: 2, Author: 0}

	require.Negative(t, rvconsensus.CompareBlockRefs(a, b))
	require.Negative(t, rvconsensus.CompareBlockRefs(b, c))
	require.Positive(t, rvconsensus.CompareBlockRefs(c, a))
	require.Zero(t, rvconsensus.CompareBlockRefs(a, a))

	d1 := a
	d1.Digest[0] = 1
	d2 := a
	d2.Digest[0] = 2
	require.Negative(t, rvconsensus.CompareBlockRefs(d1, d2))
}
