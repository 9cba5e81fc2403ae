package reference

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/asyncre-go/asyncre/asyncre"
)

func TestScheme_Mode(t *testing.T) {
	s := New(asyncre.ModeGibbs)
	if s.Mode() != asyncre.ModeGibbs {
		t.Errorf("Mode() = %v, want %v", s.Mode(), asyncre.ModeGibbs)
	}

	var zero Scheme
	if zero.Mode() != asyncre.ModePairwiseMetropolis {
		t.Errorf("zero-value Mode() = %v, want %v", zero.Mode(), asyncre.ModePairwiseMetropolis)
	}
}

func TestScheme_CheckInput(t *testing.T) {
	t.Run("accepts known mode", func(t *testing.T) {
		s := New(asyncre.ModePairwiseMetropolis)
		if err := s.CheckInput(map[string]any{"mode": "gibbs"}); err != nil {
			t.Fatalf("CheckInput() error = %v", err)
		}
		if s.PermMode != asyncre.ModeGibbs {
			t.Errorf("PermMode = %v, want %v", s.PermMode, asyncre.ModeGibbs)
		}
	})

	t.Run("rejects unknown mode", func(t *testing.T) {
		s := New(asyncre.ModePairwiseMetropolis)
		err := s.CheckInput(map[string]any{"mode": "bogus"})
		if err == nil {
			t.Fatal("expected error for unrecognized mode, got nil")
		}
		var cfgErr *asyncre.ConfigError
		if ce, ok := err.(*asyncre.ConfigError); ok {
			cfgErr = ce
		}
		if cfgErr == nil {
			t.Errorf("expected *asyncre.ConfigError, got %T", err)
		}
	})

	t.Run("nil settings is valid", func(t *testing.T) {
		s := New(asyncre.ModePairwiseMetropolis)
		if err := s.CheckInput(nil); err != nil {
			t.Fatalf("CheckInput(nil) error = %v", err)
		}
	})
}

func TestScheme_BuildInput_WritesMarker(t *testing.T) {
	dir := t.TempDir()
	s := New(asyncre.ModePairwiseMetropolis)

	if err := s.BuildInput(context.Background(), dir, 2, 3, asyncre.StateID(1)); err != nil {
		t.Fatalf("BuildInput() error = %v", err)
	}

	path := filepath.Join(dir, "input_2_3.marker")
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected marker file, read error: %v", err)
	}
	if len(body) == 0 {
		t.Error("expected non-empty marker body")
	}
}

func TestScheme_BuildInput_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := New(asyncre.ModePairwiseMetropolis)

	if err := s.BuildInput(context.Background(), dir, 1, 1, asyncre.StateID(0)); err != nil {
		t.Fatalf("first BuildInput() error = %v", err)
	}
	first, _ := os.ReadFile(filepath.Join(dir, "input_1_1.marker"))

	if err := s.BuildInput(context.Background(), dir, 1, 1, asyncre.StateID(0)); err != nil {
		t.Fatalf("second BuildInput() error = %v", err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, "input_1_1.marker"))

	if string(first) != string(second) {
		t.Errorf("expected idempotent output, got %q then %q", first, second)
	}
}

func TestScheme_BuildInput_WithTemplate(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "input.tmpl")
	if err := os.WriteFile(tmplPath, []byte("replica={{replica}} cycle={{cycle}} state={{state}}\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	s := New(asyncre.ModePairwiseMetropolis)
	s.TemplatePath = tmplPath

	if err := s.BuildInput(context.Background(), dir, 4, 5, asyncre.StateID(2)); err != nil {
		t.Fatalf("BuildInput() error = %v", err)
	}

	out, err := os.ReadFile(filepath.Join(dir, "input_4_5"))
	if err != nil {
		t.Fatalf("read rendered output: %v", err)
	}
	want := "replica=4 cycle=5 state=2\n"
	if string(out) != want {
		t.Errorf("rendered = %q, want %q", out, want)
	}
}

func TestScheme_ExtractEnergies(t *testing.T) {
	s := New(asyncre.ModePairwiseMetropolis)
	s.Energies = EnergyTable{
		0: {1: {asyncre.StateID(0): -1.5, asyncre.StateID(1): 2.0}},
	}

	energies, err := s.ExtractEnergies(context.Background(), "unused", 0, 1)
	if err != nil {
		t.Fatalf("ExtractEnergies() error = %v", err)
	}
	if energies[asyncre.StateID(0)] != -1.5 {
		t.Errorf("energies[0] = %v, want -1.5", energies[asyncre.StateID(0)])
	}
}

func TestScheme_ExtractEnergies_MissingEntry(t *testing.T) {
	s := New(asyncre.ModePairwiseMetropolis)

	_, err := s.ExtractEnergies(context.Background(), "unused", 9, 9)
	if err == nil {
		t.Fatal("expected error for unregistered replica, got nil")
	}
}

func TestScheme_ProposePermutation_Pairwise(t *testing.T) {
	s := New(asyncre.ModePairwiseMetropolis)
	s.Rand = rand.New(rand.NewSource(42))

	input := asyncre.ExchangeInput{
		ReplicaIDs: []int{0, 1},
		StateOf:    map[int]asyncre.StateID{0: 0, 1: 1},
		Energies: map[int]map[asyncre.StateID]float64{
			0: {0: 5.0, 1: -5.0},
			1: {0: -5.0, 1: 5.0},
		},
	}

	result, err := s.ProposePermutation(context.Background(), input)
	if err != nil {
		t.Fatalf("ProposePermutation() error = %v", err)
	}
	// A favorable crossing (both replicas lower energy by swapping) must
	// be accepted deterministically regardless of the draw.
	if len(result) != 2 {
		t.Fatalf("expected a swap to be proposed, got %+v", result)
	}
	if result[0] != 1 || result[1] != 0 {
		t.Errorf("expected swap {0:1, 1:0}, got %+v", result)
	}
}

func TestScheme_ProposePermutation_PairwiseRejectsUnfavorable(t *testing.T) {
	s := New(asyncre.ModePairwiseMetropolis)
	s.Rand = rand.New(rand.NewSource(1))

	input := asyncre.ExchangeInput{
		ReplicaIDs: []int{0, 1},
		StateOf:    map[int]asyncre.StateID{0: 0, 1: 1},
		Energies: map[int]map[asyncre.StateID]float64{
			0: {0: -5.0, 1: 50.0},
			1: {0: 50.0, 1: -5.0},
		},
	}

	// With r.Float64() seeded deterministically and an extremely
	// unfavorable delta, acceptance probability is ~0: repeated draws
	// should overwhelmingly reject.
	rejected := 0
	for i := 0; i < 20; i++ {
		result, err := s.ProposePermutation(context.Background(), input)
		if err != nil {
			t.Fatalf("ProposePermutation() error = %v", err)
		}
		if len(result) == 0 {
			rejected++
		}
	}
	if rejected == 0 {
		t.Error("expected at least one rejected proposal for a strongly unfavorable crossing")
	}
}

func TestScheme_ProposePermutation_FewerThanTwoReplicas(t *testing.T) {
	s := New(asyncre.ModePairwiseMetropolis)
	input := asyncre.ExchangeInput{
		ReplicaIDs: []int{0},
		StateOf:    map[int]asyncre.StateID{0: 0},
		Energies:   map[int]map[asyncre.StateID]float64{0: {0: 1.0}},
	}

	result, err := s.ProposePermutation(context.Background(), input)
	if err != nil {
		t.Fatalf("ProposePermutation() error = %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected no proposal with fewer than two replicas, got %+v", result)
	}
}

func TestScheme_ProposePermutation_Gibbs(t *testing.T) {
	s := New(asyncre.ModeGibbs)
	s.Rand = rand.New(rand.NewSource(7))

	input := asyncre.ExchangeInput{
		ReplicaIDs: []int{0, 1, 2},
		StateOf:    map[int]asyncre.StateID{0: 0, 1: 1, 2: 2},
		Energies: map[int]map[asyncre.StateID]float64{
			0: {0: 0, 1: 0, 2: 0},
			1: {0: 0, 1: 0, 2: 0},
			2: {0: 0, 1: 0, 2: 0},
		},
	}

	result, err := s.ProposePermutation(context.Background(), input)
	if err != nil {
		t.Fatalf("ProposePermutation() error = %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("expected an assignment for every replica, got %+v", result)
	}
	for _, id := range input.ReplicaIDs {
		if _, ok := result[id]; !ok {
			t.Errorf("missing assignment for replica %d", id)
		}
	}
}

func TestScheme_InterfaceContract(t *testing.T) {
	var _ asyncre.Plugin = New(asyncre.ModePairwiseMetropolis)
}
