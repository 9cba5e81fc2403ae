package asyncre

import (
	"context"
	"errors"
	"testing"
)

func TestLaunch_WaitingToRunning(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, RunningStatus: StatusWaiting}})
	if !Launch(s, 1, "job-1") {
		t.Fatal("Launch() = false, want true")
	}
	rec, _ := s.Get(1)
	if rec.RunningStatus != StatusRunning || rec.LastHandle != "job-1" {
		t.Errorf("after Launch: status=%v handle=%q, want Running/job-1", rec.RunningStatus, rec.LastHandle)
	}
}

func TestLaunch_AlreadyRunning_NoOp(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, RunningStatus: StatusRunning, LastHandle: "job-old"}})
	if Launch(s, 1, "job-new") {
		t.Error("Launch() on already-running replica = true, want false")
	}
	rec, _ := s.Get(1)
	if rec.LastHandle != "job-old" {
		t.Errorf("LastHandle = %q, want unchanged %q", rec.LastHandle, "job-old")
	}
}

func TestCompleteOk_AdvancesCycleAndClearsHandle(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, RunningStatus: StatusRunning, LastHandle: "job-1", CycleCurrent: 2}})
	if !CompleteOk(s, 1) {
		t.Fatal("CompleteOk() = false, want true")
	}
	rec, _ := s.Get(1)
	if rec.RunningStatus != StatusWaiting || rec.CycleCurrent != 3 || rec.LastHandle != "" {
		t.Errorf("after CompleteOk: %+v, want Waiting/cycle 3/empty handle", rec)
	}
}

func TestCompleteOk_NotRunning_NoOp(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, RunningStatus: StatusWaiting, CycleCurrent: 1}})
	if CompleteOk(s, 1) {
		t.Error("CompleteOk() on waiting replica = true, want false")
	}
	rec, _ := s.Get(1)
	if rec.CycleCurrent != 1 {
		t.Errorf("CycleCurrent = %d, want unchanged 1", rec.CycleCurrent)
	}
}

func TestCompleteFail_ReturnsToWaitingWithoutAdvancingCycle(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, RunningStatus: StatusRunning, LastHandle: "job-1", CycleCurrent: 2}})
	if !CompleteFail(s, 1) {
		t.Fatal("CompleteFail() = false, want true")
	}
	rec, _ := s.Get(1)
	if rec.RunningStatus != StatusWaiting || rec.CycleCurrent != 2 || rec.LastHandle != "" {
		t.Errorf("after CompleteFail: %+v, want Waiting/cycle unchanged 2/empty handle", rec)
	}
}

type fakeLocator struct {
	completed map[int]bool
	err       error
}

func (f fakeLocator) HasCompleted(_ context.Context, replica, _ int) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.completed[replica], nil
}

func TestRestartReset_ForcesRunningToWaiting(t *testing.T) {
	s := NewStore([]Record{
		{ReplicaID: 1, RunningStatus: StatusRunning, LastHandle: "job-1", CycleCurrent: 1},
		{ReplicaID: 2, RunningStatus: StatusWaiting, CycleCurrent: 4},
	})
	if err := RestartReset(context.Background(), s, fakeLocator{}); err != nil {
		t.Fatalf("RestartReset() error = %v", err)
	}
	r1, _ := s.Get(1)
	if r1.RunningStatus != StatusWaiting || r1.LastHandle != "" {
		t.Errorf("replica 1 = %+v, want Waiting with cleared handle", r1)
	}
	if r1.CycleCurrent != 1 {
		t.Errorf("replica 1 CycleCurrent = %d, want unchanged 1 (locator reported incomplete)", r1.CycleCurrent)
	}
	r2, _ := s.Get(2)
	if r2.CycleCurrent != 4 {
		t.Errorf("replica 2 (already Waiting) CycleCurrent = %d, want untouched 4", r2.CycleCurrent)
	}
}

func TestRestartReset_LocatorCompletedAdvancesCycle(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, RunningStatus: StatusRunning, CycleCurrent: 1}})
	loc := fakeLocator{completed: map[int]bool{1: true}}
	if err := RestartReset(context.Background(), s, loc); err != nil {
		t.Fatalf("RestartReset() error = %v", err)
	}
	rec, _ := s.Get(1)
	if rec.CycleCurrent != 2 {
		t.Errorf("CycleCurrent = %d, want advanced to 2", rec.CycleCurrent)
	}
	if rec.RunningStatus != StatusWaiting {
		t.Errorf("RunningStatus = %v, want Waiting", rec.RunningStatus)
	}
}

func TestRestartReset_LocatorError_Propagates(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, RunningStatus: StatusRunning}})
	wantErr := errors.New("locator boom")
	err := RestartReset(context.Background(), s, fakeLocator{err: wantErr})
	if !errors.Is(err, wantErr) {
		t.Errorf("RestartReset() error = %v, want wrapping %v", err, wantErr)
	}
}
