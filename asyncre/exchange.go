package asyncre

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Exchanger runs the C7 exchange protocol: snapshot the waiting set under
// the store's lock, extract energies without holding it, propose a
// permutation, then reacquire the lock and apply the result only to
// replicas that are still waiting with an unchanged cycle — anything else
// moved under us and is silently skipped, preserving invariant 5 (a
// replica's state only ever changes while it is W).
type Exchanger struct {
	Store   *Store
	Plugin  Plugin
	Dir     string

	// Concurrency bounds how many ExtractEnergies calls run at once.
	// Zero means unbounded (one goroutine per replica in the snapshot).
	Concurrency int

	// Tick labels LastAudit with the scheduler tick this round ran at. Zero
	// is a valid tick number, so a caller that cares about the label sets
	// this explicitly; it plays no role in the exchange itself.
	Tick int64

	// Rand is the scheduler's seeded PRNG (see WithSeed). Run does not read
	// it: the audit hash is computed from the round's inputs alone, the
	// number of ProposePermutation calls is set by AttemptsPerRound, and
	// any random draws are made by the Plugin with its own source.
	Rand *rand.Rand

	// AttemptsPerRound, for a ModePairwiseMetropolis plug-in only, is how
	// many independent ProposePermutation calls one round performs before
	// applying the merged result — spec.md's "attempts per round" knob.
	// Zero means |W_set| attempts. It is ignored for ModeGibbs plug-ins,
	// whose single call already proposes a full-set permutation.
	AttemptsPerRound int

	// LastProposal, LastStateBefore, and LastAudit report the most recent
	// Run's details (the merged proposal before it was applied, the
	// snapshot's pre-round state assignment, and a determinism-audit hash
	// pair), for a caller that wants to persist them to a diagnostic sink
	// without Run itself depending on one.
	LastProposal    map[int]StateID
	LastStateBefore map[int]StateID
	LastAudit       ExchangeAudit

	sf singleflight.Group
}

// exchangeSnapshot is what gets captured under the lock at the start of a
// round: the waiting replicas, each one's current state, and its cycle at
// snapshot time (used to detect staleness when applying results).
type exchangeSnapshot struct {
	replicas  []int
	stateOf   map[int]StateID
	cycleAt   map[int]int
}

func (e *Exchanger) snapshot() exchangeSnapshot {
	waiting, _ := e.Store.Partition()
	snap := exchangeSnapshot{
		replicas: waiting,
		stateOf:  make(map[int]StateID, len(waiting)),
		cycleAt:  make(map[int]int, len(waiting)),
	}
	for _, id := range waiting {
		rec, ok := e.Store.Get(id)
		if !ok {
			continue
		}
		snap.stateOf[id] = rec.StateIDCurrent
		snap.cycleAt[id] = rec.CycleCurrent
	}
	return snap
}

// Run executes one exchange round. It returns the number of replicas whose
// proposed state change was actually applied (as opposed to skipped because
// the replica moved on before the round completed).
func (e *Exchanger) Run(ctx context.Context) (applied int, err error) {
	snap := e.snapshot()
	if len(snap.replicas) < 2 {
		return 0, nil
	}

	energies, err := e.extractAll(ctx, snap)
	if err != nil {
		return 0, &ExchangePluginError{Stage: "extractEnergies", Err: err}
	}

	proposal, err := e.propose(ctx, snap, energies)
	if err != nil {
		return 0, err
	}
	e.LastProposal = proposal
	e.LastStateBefore = snap.stateOf
	if audit, auditErr := AuditRound(e.Tick, ExchangeInput{ReplicaIDs: snap.replicas, StateOf: snap.stateOf, Energies: energies}, proposal); auditErr == nil {
		e.LastAudit = audit
	}

	for replicaID, newState := range proposal {
		wantCycle, tracked := snap.cycleAt[replicaID]
		ok := e.Store.Update(replicaID, func(r Record) (Record, bool) {
			if !tracked || r.RunningStatus != StatusWaiting || r.CycleCurrent != wantCycle {
				return r, false
			}
			r.StateIDCurrent = newState
			return r, true
		})
		if ok {
			applied++
		}
	}
	return applied, nil
}

// propose runs the plug-in's ProposePermutation once per attempt, merging
// results across attempts (a later attempt's entry for a replica overrides
// an earlier one) and feeding each attempt the running StateOf produced by
// the attempts before it, so a sequence of pairwise swaps composes into a
// single round the way spec.md's "attempts per round" knob describes. A
// ModeGibbs plug-in always runs exactly one attempt: its single call already
// proposes a full-set permutation, so repeating it would just discard work.
func (e *Exchanger) propose(ctx context.Context, snap exchangeSnapshot, energies map[int]map[StateID]float64) (map[int]StateID, error) {
	rounds := e.AttemptsPerRound
	if e.Plugin.Mode() == ModeGibbs {
		rounds = 1
	} else if rounds <= 0 {
		rounds = len(snap.replicas)
	}

	stateOf := make(map[int]StateID, len(snap.stateOf))
	for id, s := range snap.stateOf {
		stateOf[id] = s
	}
	merged := make(map[int]StateID)

	for i := 0; i < rounds; i++ {
		input := ExchangeInput{
			ReplicaIDs: snap.replicas,
			StateOf:    stateOf,
			Energies:   energies,
		}
		proposal, err := e.Plugin.ProposePermutation(ctx, input)
		if err != nil {
			return nil, &ExchangePluginError{Stage: "proposePermutation", Err: err}
		}
		for id, s := range proposal {
			stateOf[id] = s
			merged[id] = s
		}
	}
	return merged, nil
}

// extractAll fans ExtractEnergies out across snap.replicas, bounded by
// e.Concurrency, and collapses concurrent ExtractEnergies calls for the
// same replica and cycle into a single in-flight call via singleflight.
// BuildInput does not go through the singleflight group.
func (e *Exchanger) extractAll(ctx context.Context, snap exchangeSnapshot) (map[int]map[StateID]float64, error) {
	g, gctx := errgroup.WithContext(ctx)
	if e.Concurrency > 0 {
		g.SetLimit(e.Concurrency)
	}

	results := make(map[int]map[StateID]float64, len(snap.replicas))
	var mu sync.Mutex

	for _, id := range snap.replicas {
		id := id
		cycle := snap.cycleAt[id]
		g.Go(func() error {
			key := fmt.Sprintf("%d:%d", id, cycle)
			v, err, _ := e.sf.Do(key, func() (any, error) {
				return e.Plugin.ExtractEnergies(gctx, e.Dir, id, cycle)
			})
			if err != nil {
				return fmt.Errorf("replica %d: %w", id, err)
			}
			mu.Lock()
			results[id] = v.(map[StateID]float64)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
