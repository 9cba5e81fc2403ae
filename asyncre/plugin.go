package asyncre

import "context"

// PermutationMode declares which exchange-proposal algorithm a Plugin uses.
// The core does not care which one a plug-in picks; it only needs to know,
// for logging and for the reference plug-in's test coverage, which path
// ProposePermutation took.
type PermutationMode string

const (
	// ModePairwiseMetropolis proposes swaps between randomly attempted
	// replica pairs, accepting each with the Metropolis criterion.
	ModePairwiseMetropolis PermutationMode = "pairwise_metropolis"
	// ModeGibbs proposes a full-set permutation via an independence
	// sampler (Gibbs) over the current reduced-energy matrix.
	ModeGibbs PermutationMode = "gibbs"
)

// ExchangeInput is what ProposePermutation needs: the replicas currently
// eligible for exchange, their current state assignment, and the
// reduced-energy table ExtractEnergies produced for each of them against
// every state in play.
type ExchangeInput struct {
	ReplicaIDs []int
	StateOf    map[int]StateID
	// Energies[i][s] is replica i's reduced energy in state s, for every
	// state the scheme exchanges among — not just the replica's own
	// current state.
	Energies map[int]map[StateID]float64
}

// Plugin is the exchange scheme boundary (C4). The core guarantees
// BuildInput and ExtractEnergies never run concurrently for the same
// replica; it makes no such guarantee across distinct replicas.
type Plugin interface {
	// CheckInput validates scheme-specific settings at startup. A
	// non-nil error is a ConfigError: the coordinator must not start.
	CheckInput(settings map[string]any) error

	// BuildInput materializes replica's engine input files for cycle in
	// dir. Must be idempotent: the core may call it again after a crash
	// with the exact same (replica, cycle), and the result must be the
	// same as if it had only been called once.
	BuildInput(ctx context.Context, dir string, replica, cycle int, state StateID) error

	// ExtractEnergies returns replica's reduced energy in every state the
	// scheme exchanges among, reading whatever artifacts cycle's
	// completed subjob produced in dir.
	ExtractEnergies(ctx context.Context, dir string, replica, cycle int) (map[StateID]float64, error)

	// ProposePermutation returns a new replica->state assignment for the
	// replicas named in input. The returned map need not include every
	// replica in input; omitted replicas are left at their current state.
	ProposePermutation(ctx context.Context, input ExchangeInput) (map[int]StateID, error)

	// Mode reports which algorithm ProposePermutation implements.
	Mode() PermutationMode
}

// CompletionOverrider is implemented by a Plugin that wants to replace the
// core's default hasCompleted check (normally C3's own terminal-status
// query) with scheme-specific logic — e.g. checking for a scheme-specific
// marker file in addition to the subjob's own terminal state.
type CompletionOverrider interface {
	HasCompleted(ctx context.Context, replica, cycle int) (bool, error)
}
