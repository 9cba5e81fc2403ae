package asyncre

import "context"

// Launch transitions replicaID from W to R, recording the subjob handle it
// was given. It is a no-op returning false if the replica is not currently W.
func Launch(store *Store, replicaID int, handle string) bool {
	return store.Update(replicaID, func(r Record) (Record, bool) {
		if r.RunningStatus != StatusWaiting {
			return r, false
		}
		r.RunningStatus = StatusRunning
		r.LastHandle = handle
		return r, true
	})
}

// CompleteOk transitions replicaID from R to W and advances its cycle. It is
// a no-op returning false if the replica is not currently R.
func CompleteOk(store *Store, replicaID int) bool {
	return store.Update(replicaID, func(r Record) (Record, bool) {
		if r.RunningStatus != StatusRunning {
			return r, false
		}
		r.RunningStatus = StatusWaiting
		r.CycleCurrent++
		r.LastHandle = ""
		return r, true
	})
}

// CompleteFail transitions replicaID from R to W without advancing its
// cycle — failure is absorbing to cycle but not to run status, so the
// replica remains eligible to retry the same cycle on its next launch.
func CompleteFail(store *Store, replicaID int) bool {
	return store.Update(replicaID, func(r Record) (Record, bool) {
		if r.RunningStatus != StatusRunning {
			return r, false
		}
		r.RunningStatus = StatusWaiting
		r.LastHandle = ""
		return r, true
	})
}

// RestartReset forces every R replica to W, since no subjob handle from a
// prior process can be assumed to survive a restart (C3). For any replica
// whose persisted cycle has already completed according to locator, the
// cycle is also advanced — spec.md treats this as mandatory, not optional,
// restart behavior: a completed-but-uncommitted cycle must not be silently
// re-run.
func RestartReset(ctx context.Context, store *Store, locator Locator) error {
	for _, rec := range store.Snapshot() {
		if rec.RunningStatus != StatusRunning {
			continue
		}
		done, err := locator.HasCompleted(ctx, rec.ReplicaID, rec.CycleCurrent)
		if err != nil {
			return err
		}
		store.Update(rec.ReplicaID, func(r Record) (Record, bool) {
			r.RunningStatus = StatusWaiting
			r.LastHandle = ""
			if done {
				r.CycleCurrent++
			}
			return r, true
		})
	}
	return nil
}
