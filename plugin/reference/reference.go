// Package reference implements a minimal, physics-agnostic exchange
// plug-in used by the core's own test suite and by the worked examples:
// it treats extractEnergies as returning a caller-supplied synthetic
// reduced-energy table rather than reading anything out of a real MD
// engine's output files, so the exchange engine's pairwise-attempt driver
// and its Gibbs path can both be exercised without depending on any real
// MD engine.
package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/asyncre-go/asyncre/asyncre"
	"github.com/asyncre-go/asyncre/asyncre/template"
)

// EnergyTable lets a caller (a test, or a worked example) supply the
// reduced-energy matrix ExtractEnergies returns for a given
// (replica, cycle) pair, keyed the way Plugin.ExtractEnergies is keyed.
// A missing entry is treated as an error: the scheme has no physics of
// its own to fall back on.
type EnergyTable map[int]map[int]map[asyncre.StateID]float64

// Scheme is the reference Plugin implementation. It is safe for
// concurrent use by multiple goroutines calling BuildInput/ExtractEnergies
// for distinct replicas, matching the core's own concurrency contract.
type Scheme struct {
	// PermMode selects which proposal algorithm ProposePermutation runs.
	PermMode asyncre.PermutationMode

	// Energies supplies the synthetic reduced-energy table ExtractEnergies
	// returns. Tests populate this directly; BuildInput does not need to
	// have run first.
	Energies EnergyTable

	// Rand drives both the Metropolis acceptance draws and the Gibbs
	// independence sampler. Nil means rand.New(rand.NewSource(1)), so a
	// Scheme constructed with zero values is still deterministic.
	Rand *rand.Rand

	// TemplatePath, when non-empty, is rendered via template.Render on
	// every BuildInput call using a "replica"/"cycle"/"state" placeholder
	// set, exercising the same templating path a real scheme would use
	// for its MD engine's input deck.
	TemplatePath string
}

// New returns a Scheme in the given mode with a deterministic default PRNG.
func New(mode asyncre.PermutationMode) *Scheme {
	return &Scheme{
		PermMode: mode,
		Energies: make(EnergyTable),
		Rand:     rand.New(rand.NewSource(1)),
	}
}

func (s *Scheme) rng() *rand.Rand {
	if s.Rand == nil {
		s.Rand = rand.New(rand.NewSource(1))
	}
	return s.Rand
}

// CheckInput validates the scheme settings block the way the teacher's
// model clients probe loosely-typed provider JSON: via gjson path queries
// rather than binding to a struct the core would then have to own. The
// reference scheme only recognizes one optional setting, "mode", and
// rejects an unrecognized mode value; every other key is accepted and
// ignored.
func (s *Scheme) CheckInput(settings map[string]any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return &asyncre.ConfigError{Key: "plugin.settings", Msg: err.Error()}
	}
	if mode := gjson.GetBytes(raw, "mode"); mode.Exists() {
		switch asyncre.PermutationMode(mode.String()) {
		case asyncre.ModePairwiseMetropolis, asyncre.ModeGibbs:
			s.PermMode = asyncre.PermutationMode(mode.String())
		default:
			return &asyncre.ConfigError{Key: "mode", Msg: fmt.Sprintf("unrecognized mode %q", mode.String())}
		}
	}
	return nil
}

// BuildInput writes a trivial marker file for (replica, cycle, state) into
// dir, rendering TemplatePath through template.Render when one is set so
// the templating path is exercised the same way a real scheme would use
// it for its MD engine's input deck. BuildInput is idempotent: writing the
// same marker twice produces the same bytes.
func (s *Scheme) BuildInput(_ context.Context, dir string, replica, cycle int, state asyncre.StateID) error {
	if s.TemplatePath != "" {
		placeholders := map[string]string{
			"replica": fmt.Sprintf("%d", replica),
			"cycle":   fmt.Sprintf("%d", cycle),
			"state":   fmt.Sprintf("%d", state),
		}
		outPath := fmt.Sprintf("%s/input_%d_%d", dir, replica, cycle)
		if err := template.Render(placeholders, s.TemplatePath, outPath); err != nil {
			return err
		}
		return nil
	}

	marker := fmt.Sprintf("%s/input_%d_%d.marker", dir, replica, cycle)
	body := []byte(fmt.Sprintf("replica=%d cycle=%d state=%d\n", replica, cycle, state))
	if err := os.WriteFile(marker, body, 0o644); err != nil {
		return fmt.Errorf("reference: write marker: %w", err)
	}
	return nil
}

// ExtractEnergies returns the caller-populated Energies[replica][cycle]
// entry. A missing entry is a hard error rather than a zero-valued table:
// the reference scheme has no physics to synthesize one from.
func (s *Scheme) ExtractEnergies(_ context.Context, _ string, replica, cycle int) (map[asyncre.StateID]float64, error) {
	byCycle, ok := s.Energies[replica]
	if !ok {
		return nil, fmt.Errorf("reference: no energies registered for replica %d", replica)
	}
	energies, ok := byCycle[cycle]
	if !ok {
		return nil, fmt.Errorf("reference: no energies registered for replica %d cycle %d", replica, cycle)
	}
	return energies, nil
}

// ProposePermutation dispatches to the pairwise-Metropolis or Gibbs
// proposal according to PermMode.
func (s *Scheme) ProposePermutation(_ context.Context, input asyncre.ExchangeInput) (map[int]asyncre.StateID, error) {
	switch s.PermMode {
	case asyncre.ModeGibbs:
		return s.proposeGibbs(input)
	default:
		return s.proposePairwise(input)
	}
}

// Mode reports which algorithm ProposePermutation implements.
func (s *Scheme) Mode() asyncre.PermutationMode {
	if s.PermMode == "" {
		return asyncre.ModePairwiseMetropolis
	}
	return s.PermMode
}

// proposePairwise attempts a single random exchange between two distinct
// replicas drawn from input, accepting with the standard Metropolis
// criterion over the reduced-energy crossing term:
//
//	delta = (E_i(s_j) + E_j(s_i)) - (E_i(s_i) + E_j(s_j))
//
// accepted with probability min(1, exp(-delta)).
func (s *Scheme) proposePairwise(input asyncre.ExchangeInput) (map[int]asyncre.StateID, error) {
	replicas := sortedIDs(input.ReplicaIDs)
	if len(replicas) < 2 {
		return nil, nil
	}

	r := s.rng()
	i := replicas[r.Intn(len(replicas))]
	j := i
	for j == i {
		j = replicas[r.Intn(len(replicas))]
	}

	si, sj := input.StateOf[i], input.StateOf[j]
	eiSi, err := energyOf(input, i, si)
	if err != nil {
		return nil, err
	}
	eiSj, err := energyOf(input, i, sj)
	if err != nil {
		return nil, err
	}
	ejSi, err := energyOf(input, j, si)
	if err != nil {
		return nil, err
	}
	ejSj, err := energyOf(input, j, sj)
	if err != nil {
		return nil, err
	}

	delta := (eiSj + ejSi) - (eiSi + ejSj)
	accept := delta <= 0 || r.Float64() < math.Exp(-delta)
	if !accept {
		return map[int]asyncre.StateID{}, nil
	}
	return map[int]asyncre.StateID{i: sj, j: si}, nil
}

// proposeGibbs draws a full-set permutation via an independence sampler:
// for each replica in turn, a candidate state is drawn uniformly from the
// states already assigned to replicas in the set and accepted with weight
// proportional to exp(-E), falling back to the replica's current state on
// a rejected draw. It is not a rigorous Gibbs sampler for every possible
// energy landscape; it exists to exercise the engine's Gibbs code path
// with a second, independent, allocation strategy distinct from pairwise
// exchange.
func (s *Scheme) proposeGibbs(input asyncre.ExchangeInput) (map[int]asyncre.StateID, error) {
	replicas := sortedIDs(input.ReplicaIDs)
	states := make([]asyncre.StateID, 0, len(replicas))
	for _, id := range replicas {
		states = append(states, input.StateOf[id])
	}

	r := s.rng()
	result := make(map[int]asyncre.StateID, len(replicas))
	for _, id := range replicas {
		candidate := states[r.Intn(len(states))]
		eCur, err := energyOf(input, id, input.StateOf[id])
		if err != nil {
			return nil, err
		}
		eCand, err := energyOf(input, id, candidate)
		if err != nil {
			return nil, err
		}
		delta := eCand - eCur
		if delta <= 0 || r.Float64() < math.Exp(-delta) {
			result[id] = candidate
		} else {
			result[id] = input.StateOf[id]
		}
	}
	return result, nil
}

func energyOf(input asyncre.ExchangeInput, replica int, state asyncre.StateID) (float64, error) {
	byState, ok := input.Energies[replica]
	if !ok {
		return 0, fmt.Errorf("reference: no energy table for replica %d", replica)
	}
	e, ok := byState[state]
	if !ok {
		return 0, fmt.Errorf("reference: no energy for replica %d in state %d", replica, state)
	}
	return e, nil
}

func sortedIDs(ids []int) []int {
	out := make([]int, len(ids))
	copy(out, ids)
	sort.Ints(out)
	return out
}

