package rvcommit_test

import (
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/raven-engine/raven/rv/rvcommit"
	"github.com/raven-engine/raven/rv/rvconsensus"
	"github.com/raven-engine/raven/rv/rvconsensus/rvconsensustest"
	"github.com/raven-engine/raven/rv/rvdag"
	"github.com/raven-engine/raven/rv/rvschedule"
)

type fixture struct {
	Committee *rvconsensus.Committee
	DAG       *rvdag.DAGState
	Schedule  *rvschedule.LeaderSchedule
	Committer *rvcommit.Committer
	Builder   *rvconsensustest.DAGBuilder
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()

	committee := rvconsensustest.NewEqualStakeCommittee(n)
	dag := rvdag.NewDAGState(rvdag.Config{
		Log:       slogt.New(t),
		Committee: committee,
	})
	schedule := rvschedule.NewLeaderSchedule(rvschedule.Config{Committee: committee})

	return &fixture{
		Committee: committee,
		DAG:       dag,
		Schedule:  schedule,
		Committer: rvcommit.NewCommitter(rvcommit.Config{
			Log:       slogt.New(t),
			Committee: committee,
			DAG:       dag,
			Schedule:  schedule,
		}),
		Builder: rvconsensustest.NewDAGBuilder(committee),
	}
}

func (f *fixture) leaderFor(t *testing.T, round rvconsensus.Round) rvconsensus.AuthorityIndex {
	t.Helper()
	leader, ok := f.Schedule.LeaderFor(round)
	require.True(t, ok)
	return leader
}

func (f *fixture) addAll(t *testing.T) {
	t.Helper()
	for _, blk := range f.Builder.Blocks() {
		_, err := f.DAG.Add(blk)
		require.NoError(t, err)
	}
}

func TestCommitter_DirectCommitFullDAG(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	f.Builder.AddRounds(10)
	f.addAll(t)

	statuses := f.Committer.TryDecide(0)

	// Round 10 has no voting round yet; rounds 1-9 all commit directly.
	require.Len(t, statuses, 9)
	for i, st := range statuses {
		round := rvconsensus.Round(i + 1)
		require.Equal(t, rvcommit.DecisionCommit, st.Kind, "round %d", round)
		require.Equal(t, round, st.Slot.Round)
		require.Equal(t, f.leaderFor(t, round), st.Slot.Author)
		require.Equal(t, f.Builder.BlockAt(round, st.Slot.Author).Ref(), st.Block.Ref())
	}
}

func TestCommitter_QuorumOfThreeCommitsLeader(t *testing.T) {
	t.Parallel()

	// Committee of 4, quorum 3: the round-1 leader's block is referenced by
	// the other three authorities' round-2 blocks, which alone must commit it.
	f := newFixture(t, 4)
	leader := f.leaderFor(t, 1)

	f.Builder.AddRound()
	f.Builder.AddRoundWith(rvconsensustest.RoundConfig{
		SkipAuthors: []rvconsensus.AuthorityIndex{leader},
	})
	f.addAll(t)

	statuses := f.Committer.TryDecide(0)
	require.NotEmpty(t, statuses)
	require.Equal(t, rvcommit.DecisionCommit, statuses[0].Kind)
	require.Equal(t, f.Builder.BlockAt(1, leader).Ref(), statuses[0].Block.Ref())
}

func TestCommitter_DirectSkip(t *testing.T) {
	t.Parallel()

	// No round-2 block references the round-1 leader:
	// quorum stake votes against, so the leader is skipped directly.
	f := newFixture(t, 4)
	leader := f.leaderFor(t, 1)
	leaderBlock := func() rvconsensus.Block { return f.Builder.BlockAt(1, leader) }

	f.Builder.AddRound()
	f.Builder.AddRoundWith(rvconsensustest.RoundConfig{
		ExcludeParents: []rvconsensus.BlockRef{leaderBlock().Ref()},
	})
	f.addAll(t)

	statuses := f.Committer.TryDecide(0)
	require.NotEmpty(t, statuses)
	require.Equal(t, rvcommit.DecisionSkip, statuses[0].Kind)
	require.Equal(t, rvconsensus.Slot{Round: 1, Author: leader}, statuses[0].Slot)
}

func TestCommitter_RejectVotesOverrideCertification(t *testing.T) {
	t.Parallel()

	// Every round-2 block both references the round-1 leader as a parent
	// and carries a reject vote against it. The reject quorum wins.
	f := newFixture(t, 4)
	leader := f.leaderFor(t, 1)

	f.Builder.AddRound()
	leaderRef := f.Builder.BlockAt(1, leader).Ref()
	f.Builder.AddRoundWith(rvconsensustest.RoundConfig{
		RejectVotes: []rvconsensus.BlockRef{leaderRef},
	})
	f.Builder.AddRounds(2)
	f.addAll(t)

	statuses := f.Committer.TryDecide(0)
	require.NotEmpty(t, statuses)
	require.Equal(t, rvcommit.DecisionSkip, statuses[0].Kind)
	require.Equal(t, leaderRef.Slot(), statuses[0].Slot)

	// The rejected leader never shows up in a later decision either.
	for _, st := range statuses[1:] {
		require.Equal(t, rvcommit.DecisionCommit, st.Kind)
		require.NotEqual(t, leaderRef, st.Block.Ref())
	}
}

func TestCommitter_IndirectSkip(t *testing.T) {
	t.Parallel()

	// Three authorities' round-2 blocks vote against the round-1 leader,
	// but one of them also produced a voting twin, so neither direct tally
	// reaches quorum: certifiers {leader, twin author} and blamers
	// {two others} both hold 2 < 3. The committed round-3 anchor was built
	// on the blaming twin, so its history carries three non-voters, and
	// the leader is skipped indirectly.
	f := newFixture(t, 4)
	leader := f.leaderFor(t, 1)

	f.Builder.AddRound()
	leaderRef := f.Builder.BlockAt(1, leader).Ref()

	var blamers []rvconsensus.AuthorityIndex
	for i := range 4 {
		a := rvconsensus.AuthorityIndex(i)
		if a != leader {
			blamers = append(blamers, a)
		}
	}
	exclude := make(map[rvconsensus.AuthorityIndex][]rvconsensus.BlockRef)
	for _, a := range blamers {
		exclude[a] = []rvconsensus.BlockRef{leaderRef}
	}
	f.Builder.AddRoundWith(rvconsensustest.RoundConfig{ExcludeParentsFor: exclude})
	f.Builder.AddRounds(2)
	f.addAll(t)

	// The voting twin equivocates with the builder's blaming block:
	// same slot, full round-1 parents.
	var parents []rvconsensus.BlockRef
	for i := range 4 {
		parents = append(parents, f.Builder.BlockAt(1, rvconsensus.AuthorityIndex(i)).Ref())
	}
	blamed := f.Builder.BlockAt(2, blamers[0])
	twin := rvconsensus.NewBlock(
		2, blamers[0],
		parents,
		[][]byte{[]byte("voting twin")},
		nil,
		blamed.Timestamp(),
	)
	_, err := f.DAG.Add(twin)
	require.NoError(t, err)

	statuses := f.Committer.TryDecide(0)
	require.NotEmpty(t, statuses)
	require.Equal(t, rvcommit.DecisionSkip, statuses[0].Kind)
	require.Equal(t, leaderRef.Slot(), statuses[0].Slot)

	// Later rounds decide normally despite the skip.
	require.Equal(t, rvcommit.DecisionCommit, statuses[1].Kind)
}

func TestCommitter_IndirectNeverSkipsCommittableLeader(t *testing.T) {
	t.Parallel()

	// One authority withholds its vote for the round-1 leader, and every
	// round-3 block builds past the leader's own round-2 vote. A replica
	// holding all blocks direct-commits the leader with the vote quorum
	// {leader, v1, v2}. A replica missing only the leader's round-2 block
	// sees two votes and one blame, and its round-3 anchor's history holds
	// two votes and one non-voter: neither quorum, so it must stay
	// undecided until the vote arrives rather than skip a leader another
	// replica already committed.
	f := newFixture(t, 4)
	leader := f.leaderFor(t, 1)

	var nonVoter rvconsensus.AuthorityIndex
	for i := range 4 {
		if a := rvconsensus.AuthorityIndex(i); a != leader {
			nonVoter = a
			break
		}
	}

	f.Builder.AddRound()
	leaderRef := f.Builder.BlockAt(1, leader).Ref()
	f.Builder.AddRoundWith(rvconsensustest.RoundConfig{
		ExcludeParentsFor: map[rvconsensus.AuthorityIndex][]rvconsensus.BlockRef{
			nonVoter: {leaderRef},
		},
	})
	leaderVote := f.Builder.BlockAt(2, leader)
	f.Builder.AddRoundWith(rvconsensustest.RoundConfig{
		ExcludeParents: []rvconsensus.BlockRef{leaderVote.Ref()},
	})
	f.Builder.AddRound()

	// Full view: the three votes commit the leader directly.
	f.addAll(t)
	full := f.Committer.TryDecide(0)
	require.NotEmpty(t, full)
	require.Equal(t, rvcommit.DecisionCommit, full[0].Kind)
	require.Equal(t, leaderRef, full[0].Block.Ref())

	// Partial view: same blocks minus the leader's round-2 vote.
	g := newFixture(t, 4)
	for _, blk := range f.Builder.Blocks() {
		if blk.Ref() == leaderVote.Ref() {
			continue
		}
		_, err := g.DAG.Add(blk)
		require.NoError(t, err)
	}
	require.Empty(t, g.Committer.TryDecide(0))

	// Once the missing vote arrives, both views agree.
	_, err := g.DAG.Add(leaderVote)
	require.NoError(t, err)

	caught := g.Committer.TryDecide(0)
	require.NotEmpty(t, caught)
	require.Equal(t, rvcommit.DecisionCommit, caught[0].Kind)
	require.Equal(t, full[0].Block.Ref(), caught[0].Block.Ref())
}

func TestCommitter_EquivocatingLeaderCommitsCertifiedTwin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	leader := f.leaderFor(t, 1)

	f.Builder.AddRounds(2)
	f.addAll(t)

	// A twin of the leader block arrives late; everyone already
	// certified the original, which must be the one committed.
	original := f.Builder.BlockAt(1, leader)
	twin := rvconsensus.NewBlock(
		1, leader,
		original.Parents(),
		[][]byte{[]byte("equivocation")},
		nil,
		original.Timestamp(),
	)
	_, err := f.DAG.Add(twin)
	require.NoError(t, err)

	statuses := f.Committer.TryDecide(0)
	require.NotEmpty(t, statuses)
	require.Equal(t, rvcommit.DecisionCommit, statuses[0].Kind)
	require.Equal(t, original.Ref(), statuses[0].Block.Ref())
}

func TestCommitter_UndecidedStopsRun(t *testing.T) {
	t.Parallel()

	// Round 2 holds only two blocks, neither certifying nor condemning
	// quorum for the round-1 leader exists, and no anchor is committed:
	// nothing can be decided yet.
	f := newFixture(t, 4)
	leader := f.leaderFor(t, 1)

	f.Builder.AddRound()
	leaderRef := f.Builder.BlockAt(1, leader).Ref()

	var nonVoters []rvconsensus.AuthorityIndex
	var voters []rvconsensus.AuthorityIndex
	for i := range 4 {
		a := rvconsensus.AuthorityIndex(i)
		if a != leader && len(nonVoters) < 2 {
			nonVoters = append(nonVoters, a)
			continue
		}
		voters = append(voters, a)
	}

	exclude := make(map[rvconsensus.AuthorityIndex][]rvconsensus.BlockRef)
	for _, a := range nonVoters {
		exclude[a] = []rvconsensus.BlockRef{leaderRef}
	}
	// Only the two non-voters produce round 2: the leader's tally can still
	// move either way once the remaining authorities' blocks arrive.
	f.Builder.AddRoundWith(rvconsensustest.RoundConfig{
		SkipAuthors:       voters,
		ExcludeParentsFor: exclude,
	})
	f.addAll(t)

	require.Empty(t, f.Committer.TryDecide(0))
}

func TestCommitter_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	f.Builder.AddRounds(6)
	f.addAll(t)

	first := f.Committer.TryDecide(0)
	second := f.Committer.TryDecide(0)
	require.Equal(t, first, second)

	// Resuming past a decided prefix yields the matching suffix.
	tail := f.Committer.TryDecide(3)
	require.Equal(t, first[3:], tail)
}

func TestCommitter_SevenAuthorities(t *testing.T) {
	t.Parallel()

	// Committee of 7, quorum 5: exactly five voters suffice,
	// and four do not.
	f := newFixture(t, 7)
	leader := f.leaderFor(t, 1)

	f.Builder.AddRound()
	leaderRef := f.Builder.BlockAt(1, leader).Ref()

	var nonVoters []rvconsensus.AuthorityIndex
	for i := range 7 {
		a := rvconsensus.AuthorityIndex(i)
		if a != leader && len(nonVoters) < 2 {
			nonVoters = append(nonVoters, a)
		}
	}
	exclude := make(map[rvconsensus.AuthorityIndex][]rvconsensus.BlockRef)
	for _, a := range nonVoters {
		exclude[a] = []rvconsensus.BlockRef{leaderRef}
	}

	f.Builder.AddRoundWith(rvconsensustest.RoundConfig{ExcludeParentsFor: exclude})
	f.addAll(t)

	statuses := f.Committer.TryDecide(0)
	require.NotEmpty(t, statuses)
	require.Equal(t, rvcommit.DecisionCommit, statuses[0].Kind)
	require.Equal(t, leaderRef, statuses[0].Block.Ref())
}
