package asyncre

import (
	"math/rand"
	"time"
)

// Option configures a Scheduler at construction. Functional options keep
// New's signature stable as the coordinator grows operational knobs.
type Option func(*schedulerConfig)

type schedulerConfig struct {
	cycleTime            time.Duration
	checkpointEveryTicks  int
	attemptsPerRound      int
	exchangeConcurrency   int
	seed                  int64
	drainTimeout          time.Duration
	maxConsecutivePilotDown int
	maxConsecutiveCheckpointFail int
}

func defaultSchedulerConfig() schedulerConfig {
	return schedulerConfig{
		cycleTime:                    defaultCycleTime.Duration(),
		checkpointEveryTicks:         1,
		attemptsPerRound:             0, // 0 means "use |W_set|", resolved at run time
		exchangeConcurrency:          0,
		seed:                         0,
		drainTimeout:                 5 * time.Minute,
		maxConsecutivePilotDown:      10,
		maxConsecutiveCheckpointFail: 3,
	}
}

// WithCycleTime sets the scheduler's tick cadence (CYCLE_TIME).
func WithCycleTime(d time.Duration) Option {
	return func(c *schedulerConfig) { c.cycleTime = d }
}

// WithCheckpointEvery sets how many ticks elapse between checkpoint writes.
func WithCheckpointEvery(ticks int) Option {
	return func(c *schedulerConfig) { c.checkpointEveryTicks = ticks }
}

// WithAttemptsPerRound sets the number of pairwise-exchange attempts per
// round for plug-ins using ModePairwiseMetropolis. Zero (the default)
// means one attempt per replica currently eligible for exchange.
func WithAttemptsPerRound(n int) Option {
	return func(c *schedulerConfig) { c.attemptsPerRound = n }
}

// WithExchangeConcurrency bounds how many ExtractEnergies calls the
// exchange engine runs concurrently during one round's unlocked phase.
func WithExchangeConcurrency(n int) Option {
	return func(c *schedulerConfig) { c.exchangeConcurrency = n }
}

// WithSeed sets the seed of the scheduler's PRNG, which each exchange round
// receives as Exchanger.Rand. Exchanger.Run does not draw from it; the
// Metropolis accept/reject draws come from the Plugin's own PRNG, which
// cmd/asyncred seeds from the same -seed value.
func WithSeed(seed int64) Option {
	return func(c *schedulerConfig) { c.seed = seed }
}

// WithDrainTimeout bounds how long the scheduler waits, after entering
// drain mode, for all R replicas to return to W before giving up.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *schedulerConfig) { c.drainTimeout = d }
}

// WithMaxConsecutivePilotDown sets the number of consecutive ticks a
// PilotUnavailableError may occur before the scheduler enters drain mode.
func WithMaxConsecutivePilotDown(n int) Option {
	return func(c *schedulerConfig) { c.maxConsecutivePilotDown = n }
}

// newRand builds the PRNG a scheduler hands to its exchange engine, seeded per
// WithSeed (or a fixed zero seed by default, since spec.md requires
// reproducibility be opt-in but deterministic, never silently
// time-seeded).
func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
