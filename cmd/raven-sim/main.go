// Command raven-sim runs an in-process consensus simulation: one engine
// per authority, exchanging blocks over a fanout tree with optional
// delivery jitter, until a requested number of commits has been observed
// by every authority. It then confirms all authorities committed the
// identical leader sequence.
//
// It exists to exercise the whole pipeline end to end and to give a feel
// for round pacing under different timeout settings.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/spf13/cobra"

	"github.com/raven-engine/raven/rv/rvconsensus"
	"github.com/raven-engine/raven/rv/rvengine"
	"github.com/raven-engine/raven/rv/rvengine/rvelink"
	"github.com/raven-engine/raven/rv/rvnet"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		authorities   int
		fanout        int
		commits       uint64
		leaderTimeout time.Duration
		minRoundDelay time.Duration
		jitter        time.Duration
		seed          uint64
		debug         bool
	)

	cmd := &cobra.Command{
		Use:   "raven-sim",
		Short: "Run an in-process multi-authority consensus simulation",

		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			}))

			return runSim(cmd.Context(), log, simConfig{
				Authorities:   authorities,
				Fanout:        fanout,
				Commits:       rvconsensus.CommitIndex(commits),
				LeaderTimeout: leaderTimeout,
				MinRoundDelay: minRoundDelay,
				Jitter:        jitter,
				Seed:          seed,
			})
		},
	}

	cmd.Flags().IntVar(&authorities, "authorities", 4, "number of authorities in the committee")
	cmd.Flags().IntVar(&fanout, "fanout", 3, "branch factor of the block dissemination tree")
	cmd.Flags().Uint64Var(&commits, "commits", 20, "stop once every authority has observed this many commits")
	cmd.Flags().DurationVar(&leaderTimeout, "leader-timeout", 250*time.Millisecond, "how long to wait for a leader block before proposing without it")
	cmd.Flags().DurationVar(&minRoundDelay, "min-round-delay", 50*time.Millisecond, "floor between own proposals")
	cmd.Flags().DurationVar(&jitter, "jitter", 0, "maximum random per-hop delivery delay")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "seed for the delivery jitter source")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

type simConfig struct {
	Authorities   int
	Fanout        int
	Commits       rvconsensus.CommitIndex
	LeaderTimeout time.Duration
	MinRoundDelay time.Duration
	Jitter        time.Duration
	Seed          uint64
}

func runSim(ctx context.Context, log *slog.Logger, cfg simConfig) error {
	if cfg.Authorities < 1 {
		return fmt.Errorf("need at least one authority, got %d", cfg.Authorities)
	}
	if cfg.Fanout < 1 {
		return fmt.Errorf("fanout must be at least 1, got %d", cfg.Fanout)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	as := make([]rvconsensus.Authority, cfg.Authorities)
	for i := range as {
		as[i] = rvconsensus.Authority{
			Stake: 1,
			Name:  petname.Generate(2, "-"),
		}
	}
	committee := rvconsensus.NewCommittee(1, as)

	log.Info("Starting simulation", "authorities", cfg.Authorities, "target_commits", cfg.Commits)
	for i := range as {
		log.Info("Authority", "index", i, "name", as[i].Name)
	}

	engines := make([]*rvengine.Engine, cfg.Authorities)
	consumers := make([]*rvelink.CommitConsumer, cfg.Authorities)
	outs := make([]chan rvconsensus.Block, cfg.Authorities)

	for i := range engines {
		consumers[i] = rvelink.NewCommitConsumer(0)
		defer consumers[i].Close()

		outs[i] = make(chan rvconsensus.Block, 4096)

		engines[i] = rvengine.New(ctx, rvengine.Config{
			Log:            log.With("authority", as[i].Name),
			Committee:      committee,
			LocalAuthority: rvconsensus.AuthorityIndex(i),
			Consumer:       consumers[i],

			ProposedBlocksOut: outs[i],

			LeaderTimeout: cfg.LeaderTimeout,
			MinRoundDelay: cfg.MinRoundDelay,
		})
	}

	// Blocks travel down a fanout tree rooted at their author: each
	// authority hands a received block to its children before any other
	// work, so dissemination is O(log n) hops rather than a full mesh.
	tree := rvnet.FanoutTree{Branch: cfg.Fanout}
	delay := newJitterSource(cfg.Seed, cfg.Jitter)
	var relay func(block rvconsensus.Block, pos int)
	relay = func(block rvconsensus.Block, pos int) {
		for _, c := range tree.Children(pos, cfg.Authorities) {
			target := rvnet.AuthorityAt(block.Author(), c, cfg.Authorities)
			go func() {
				if d := delay.next(); d > 0 {
					select {
					case <-time.After(d):
					case <-ctx.Done():
						return
					}
				}
				if err := engines[target].HandleBlock(ctx, block); err != nil {
					return
				}
				relay(block, c)
			}()
		}
	}

	for i := range engines {
		go func() {
			for {
				select {
				case block := <-outs[i]:
					relay(block, 0)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	start := time.Now()

	seqs := make([][]rvconsensus.BlockRef, cfg.Authorities)

	var wg sync.WaitGroup
	for i := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seqs[i] = observeCommits(ctx, log, committee, consumers[i], cfg.Commits, i == 0)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		log.Info("Simulation interrupted")
	} else {
		log.Info(
			"Simulation complete",
			"commits", cfg.Commits,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}

	cancel()
	for i := range engines {
		if err := engines[i].Wait(); err != nil {
			return fmt.Errorf("engine %q failed: %w", as[i].Name, err)
		}
	}

	if ctx.Err() == nil {
		if err := verifySequences(seqs); err != nil {
			return err
		}
		log.Info("All authorities committed identical sequences")
	}
	return nil
}

// verifySequences confirms every authority committed the same leaders in
// the same order over their common prefix.
func verifySequences(seqs [][]rvconsensus.BlockRef) error {
	for i := 1; i < len(seqs); i++ {
		common := min(len(seqs[0]), len(seqs[i]))
		for c := range common {
			if seqs[i][c] != seqs[0][c] {
				return fmt.Errorf(
					"authority %d committed %s at index %d where authority 0 committed %s",
					i, seqs[i][c], c+1, seqs[0][c],
				)
			}
		}
	}
	return nil
}

// observeCommits drains one authority's commit stream until the target
// index, logging each commit for the designated reporter authority and
// returning the sequence of committed leader refs.
func observeCommits(
	ctx context.Context,
	log *slog.Logger,
	committee *rvconsensus.Committee,
	c *rvelink.CommitConsumer,
	target rvconsensus.CommitIndex,
	report bool,
) []rvconsensus.BlockRef {
	var seq []rvconsensus.BlockRef
	for {
		select {
		case sub := <-c.Commits():
			c.Monitor().SetHighestHandledCommit(sub.Index)
			seq = append(seq, sub.Leader)
			if report {
				log.Info(
					"Commit",
					"index", sub.Index,
					"leader_round", sub.Leader.Round,
					"leader", committee.Authority(sub.Leader.Author).Name,
					"blocks", len(sub.Blocks),
				)
			}
			if sub.Index >= target {
				return seq
			}
		case <-ctx.Done():
			return seq
		}
	}
}

// jitterSource produces seeded random delivery delays,
// safe for use from concurrent relay goroutines.
type jitterSource struct {
	mu  sync.Mutex
	rng *rand.Rand
	max time.Duration
}

func newJitterSource(seed uint64, max time.Duration) *jitterSource {
	return &jitterSource{
		rng: rand.New(rand.NewPCG(seed, seed)),
		max: max,
	}
}

func (j *jitterSource) next() time.Duration {
	if j.max <= 0 {
		return 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Duration(j.rng.Int64N(int64(j.max)))
}
