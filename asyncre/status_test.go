package asyncre

import (
	"sync"
	"testing"
)

func TestStore_GetAndUpdate(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, StateIDCurrent: 0, RunningStatus: StatusWaiting}})

	rec, ok := s.Get(1)
	if !ok {
		t.Fatal("Get(1) = false, want true")
	}
	if rec.RunningStatus != StatusWaiting {
		t.Errorf("RunningStatus = %v, want %v", rec.RunningStatus, StatusWaiting)
	}

	ok = s.Update(1, func(r Record) (Record, bool) {
		r.CycleCurrent = 5
		return r, true
	})
	if !ok {
		t.Fatal("Update(1) = false, want true")
	}
	rec, _ = s.Get(1)
	if rec.CycleCurrent != 5 {
		t.Errorf("CycleCurrent = %d, want 5", rec.CycleCurrent)
	}
}

func TestStore_Update_UnknownReplica(t *testing.T) {
	s := NewStore(nil)
	ok := s.Update(99, func(r Record) (Record, bool) { return r, true })
	if ok {
		t.Error("Update on unknown replica = true, want false")
	}
}

func TestStore_Update_DeclinedMutationDiscarded(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, CycleCurrent: 1}})
	ok := s.Update(1, func(r Record) (Record, bool) {
		r.CycleCurrent = 999
		return r, false
	})
	if ok {
		t.Error("Update() = true, want false for declined mutation")
	}
	rec, _ := s.Get(1)
	if rec.CycleCurrent != 1 {
		t.Errorf("CycleCurrent = %d, want unchanged 1", rec.CycleCurrent)
	}
}

func TestStore_Get_CopySemantics(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, LastHandle: "h-1"}})
	rec, _ := s.Get(1)
	rec.LastHandle = "mutated-locally"

	again, _ := s.Get(1)
	if again.LastHandle != "h-1" {
		t.Errorf("store state leaked caller mutation: LastHandle = %q, want %q", again.LastHandle, "h-1")
	}
}

func TestStore_Partition(t *testing.T) {
	s := NewStore([]Record{
		{ReplicaID: 1, RunningStatus: StatusWaiting},
		{ReplicaID: 2, RunningStatus: StatusRunning},
		{ReplicaID: 3, RunningStatus: StatusWaiting},
	})
	waiting, running := s.Partition()
	if len(waiting) != 2 || len(running) != 1 {
		t.Fatalf("Partition() = (%v, %v), want 2 waiting, 1 running", waiting, running)
	}
	if waiting[0] != 1 || waiting[1] != 3 {
		t.Errorf("waiting = %v, want stable order [1 3]", waiting)
	}
	if running[0] != 2 {
		t.Errorf("running = %v, want [2]", running)
	}
}

func TestStore_Snapshot_StableOrder(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 3}, {ReplicaID: 1}, {ReplicaID: 2}})
	snap := s.Snapshot()
	got := []int{snap[0].ReplicaID, snap[1].ReplicaID, snap[2].ReplicaID}
	want := []int{3, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot() order = %v, want construction order %v", got, want)
			break
		}
	}
}

func TestStore_Restore_ForcesWaitingAndClearsHandle(t *testing.T) {
	s := NewStore(nil)
	s.Restore([]Record{
		{ReplicaID: 1, RunningStatus: StatusRunning, LastHandle: "job-1", CycleCurrent: 3},
	})
	rec, ok := s.Get(1)
	if !ok {
		t.Fatal("Get(1) = false after Restore")
	}
	if rec.RunningStatus != StatusWaiting {
		t.Errorf("RunningStatus = %v, want %v after restore", rec.RunningStatus, StatusWaiting)
	}
	if rec.LastHandle != "" {
		t.Errorf("LastHandle = %q, want cleared", rec.LastHandle)
	}
	if rec.CycleCurrent != 3 {
		t.Errorf("CycleCurrent = %d, want preserved 3", rec.CycleCurrent)
	}
}

func TestStore_Len(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1}, {ReplicaID: 2}})
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestStore_ConcurrentUpdate(t *testing.T) {
	s := NewStore([]Record{{ReplicaID: 1, CycleCurrent: 0}})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(1, func(r Record) (Record, bool) {
				r.CycleCurrent++
				return r, true
			})
		}()
	}
	wg.Wait()
	rec, _ := s.Get(1)
	if rec.CycleCurrent != 100 {
		t.Errorf("CycleCurrent = %d, want 100 after 100 concurrent increments", rec.CycleCurrent)
	}
}
