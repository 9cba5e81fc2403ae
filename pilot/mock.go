package pilot

import (
	"context"
	"strconv"
	"sync"

	"github.com/asyncre-go/asyncre/asyncre"
)

// Mock is a test implementation of asyncre.SubjobAdapter.
//
// Use Mock in tests to verify scheduler behavior without executing actual
// subjob logic. It provides:
//   - Configurable poll status sequences, per handle
//   - Configurable capacity sequence
//   - Call history tracking for Submit/Poll/Capacity
//   - Error injection
//   - Thread-safe operation
//
// Example usage:
//
//	mock := &Mock{
//	    PollSequence: map[string][]asyncre.SubjobStatus{
//	        "mock-1": {asyncre.SubjobRunning, asyncre.SubjobDone},
//	    },
//	}
//	handle, _ := mock.Submit(ctx, desc)
//	status, _ := mock.Poll(ctx, handle) // asyncre.SubjobRunning
//	status, _ = mock.Poll(ctx, handle)  // asyncre.SubjobDone
type Mock struct {
	// SubmitErr, if set, is returned by every Submit call instead of a handle.
	SubmitErr error

	// PollSequence maps a handle to the sequence of statuses returned by
	// successive Poll calls against it. Once exhausted, the last status
	// repeats. A handle absent from the map polls as SubjobUnknown.
	PollSequence map[string][]asyncre.SubjobStatus

	// PollErr, if set, is returned by every Poll call instead of a status.
	PollErr error

	// CapacitySequence is the sequence of capacities returned by successive
	// Capacity calls. Once exhausted, the last entry repeats. Empty means a
	// single slot of total capacity is always reported available.
	CapacitySequence []asyncre.Capacity

	// CapacityErr, if set, is returned by every Capacity call instead of a
	// value.
	CapacityErr error

	mu            sync.Mutex
	nextHandle    int
	Submitted     []asyncre.SubjobDescriptor
	pollIndex     map[string]int
	capacityIndex int
}

// Submit implements asyncre.SubjobAdapter. Returns a freshly minted handle
// of the form "mock-N" unless SubmitErr is set.
func (m *Mock) Submit(ctx context.Context, desc asyncre.SubjobDescriptor) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Submitted = append(m.Submitted, desc)
	if m.SubmitErr != nil {
		return "", m.SubmitErr
	}

	m.nextHandle++
	return "mock-" + strconv.Itoa(m.nextHandle), nil
}

// Poll implements asyncre.SubjobAdapter.
func (m *Mock) Poll(ctx context.Context, handle string) (asyncre.SubjobStatus, error) {
	if ctx.Err() != nil {
		return asyncre.SubjobUnknown, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PollErr != nil {
		return asyncre.SubjobUnknown, m.PollErr
	}

	seq, ok := m.PollSequence[handle]
	if !ok || len(seq) == 0 {
		return asyncre.SubjobUnknown, nil
	}

	if m.pollIndex == nil {
		m.pollIndex = make(map[string]int)
	}
	idx := m.pollIndex[handle]
	if idx >= len(seq) {
		idx = len(seq) - 1
	} else {
		m.pollIndex[handle]++
	}
	return seq[idx], nil
}

// Capacity implements asyncre.SubjobAdapter.
func (m *Mock) Capacity(ctx context.Context) (asyncre.Capacity, error) {
	if ctx.Err() != nil {
		return asyncre.Capacity{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CapacityErr != nil {
		return asyncre.Capacity{}, m.CapacityErr
	}
	if len(m.CapacitySequence) == 0 {
		return asyncre.Capacity{InUse: 0, Total: 1}, nil
	}

	idx := m.capacityIndex
	if idx >= len(m.CapacitySequence) {
		idx = len(m.CapacitySequence) - 1
	} else {
		m.capacityIndex++
	}
	return m.CapacitySequence[idx], nil
}

// Reset clears all recorded call history and sequence cursors, leaving the
// configured sequences themselves untouched. Useful when reusing the same
// mock across multiple test cases.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Submitted = nil
	m.pollIndex = nil
	m.capacityIndex = 0
	m.nextHandle = 0
}

// SubmitCount returns the number of times Submit has been called.
func (m *Mock) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Submitted)
}
