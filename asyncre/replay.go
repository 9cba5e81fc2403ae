package asyncre

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ExchangeAudit is a recorded exchange round, hashed for later determinism
// verification: given the same seed and the same recorded energies, a
// re-run of ProposePermutation must produce a proposal with the same hash.
// This is diagnostic only, mirroring the optional store.History sink — a
// hash mismatch is never treated as fatal by the core, only logged.
type ExchangeAudit struct {
	Tick         int64
	InputHash    string
	ProposalHash string
}

// hashExchangeInput computes a stable hash of an ExchangeInput: replica ids
// and their energies are sorted before hashing so map iteration order never
// affects the result.
func hashExchangeInput(input ExchangeInput) (string, error) {
	ids := append([]int(nil), input.ReplicaIDs...)
	sort.Ints(ids)

	type entry struct {
		Replica  int                 `json:"replica"`
		State    StateID             `json:"state"`
		Energies map[StateID]float64 `json:"energies"`
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, entry{
			Replica:  id,
			State:    input.StateOf[id],
			Energies: input.Energies[id],
		})
	}
	return hashJSON(entries)
}

// hashProposal computes a stable hash of a proposed permutation.
func hashProposal(proposal map[int]StateID) (string, error) {
	ids := make([]int, 0, len(proposal))
	for id := range proposal {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	type entry struct {
		Replica int     `json:"replica"`
		State   StateID `json:"state"`
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, entry{Replica: id, State: proposal[id]})
	}
	return hashJSON(entries)
}

func hashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// AuditRound builds an ExchangeAudit record for one exchange round. The
// caller is expected to persist it (e.g. via store.History, outside this
// package's scope) if it wants to compare hashes across runs.
func AuditRound(tick int64, input ExchangeInput, proposal map[int]StateID) (ExchangeAudit, error) {
	inHash, err := hashExchangeInput(input)
	if err != nil {
		return ExchangeAudit{}, err
	}
	outHash, err := hashProposal(proposal)
	if err != nil {
		return ExchangeAudit{}, err
	}
	return ExchangeAudit{Tick: tick, InputHash: inHash, ProposalHash: outHash}, nil
}
