package asyncre

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/asyncre-go/asyncre/asyncre/emit"
	"github.com/asyncre-go/asyncre/asyncre/store"
)

var tracer = otel.Tracer("github.com/asyncre-go/asyncre/asyncre")

// Scheduler runs the C6 control loop: at every CYCLE_TIME tick, in strict
// order, it polls running replicas, checkpoints every K ticks, runs one
// exchange round, admits waiting replicas round-robin up to pilot
// capacity, and finally checks the wall-time gate. A tick never reorders
// these five steps.
type Scheduler struct {
	cfg      schedulerConfig
	Store    *Store
	Adapter  SubjobAdapter
	Locator  Locator
	Plugin   Plugin
	Metrics  *PrometheusMetrics
	Emitter  emit.Emitter
	Log      *slog.Logger

	// History, if set, receives a diagnostic-only record of every replica
	// transition and exchange outcome. A nil History is a valid, silent
	// no-op: the checkpoint file remains the sole source of restart truth.
	History store.History

	Basename    string
	WorkDir     string
	CheckpointDir string
	WallTime    time.Duration
	// ReplicaRunTime is the spec's REPLICA_RUN_TIME safety margin: the
	// wall-time gate drains early enough that a replica admitted on the
	// last tick before WALL_TIME still has time to finish.
	ReplicaRunTime time.Duration
	// MaxConcurrentSubjobs is the core's own ceiling on concurrently
	// running subjobs, floor(TOTAL_CORES*(1+SUBJOBS_BUFFER_SIZE)/SUBJOB_CORES)
	// (see Config.SubjobsBufferSlots). Zero leaves admission bounded solely
	// by the pilot-reported Capacity.
	MaxConcurrentSubjobs int
	RunStart    time.Time

	tick                      int64
	consecutivePilotDown      int
	consecutiveCheckpointFail int
	draining                  bool
	admitCursor               int
	rand                      *rand.Rand
}

// New constructs a Scheduler. store must already reflect a prior restart's
// reset (RestartReset) if one occurred; New itself does not call it.
func New(store *Store, adapter SubjobAdapter, locator Locator, plugin Plugin, opts ...Option) *Scheduler {
	cfg := defaultSchedulerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		cfg:      cfg,
		Store:    store,
		Adapter:  adapter,
		Locator:  locator,
		Plugin:   plugin,
		RunStart: time.Now(),
		rand:     newRand(cfg.seed),
	}
}

// Run drives the scheduler loop at the configured cycle time until ctx is
// canceled (entering drain mode) and drain completes, or the drain timeout
// elapses. It returns nil on a clean drained exit.
func (s *Scheduler) Run(ctx context.Context) error {
	s.emitEvent(-1, "run_started", map[string]interface{}{"cycle_time": s.cfg.cycleTime})

	ticker := time.NewTicker(s.cfg.cycleTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.drain(context.Background())
		case <-ticker.C:
			if err := s.runTick(ctx); err != nil {
				if s.draining {
					return s.drain(context.Background())
				}
				return err
			}
		}
	}
}

// runTick executes one scheduler tick's five steps in order.
func (s *Scheduler) runTick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "scheduler.tick", trace.WithAttributes())
	defer span.End()
	s.tick++

	if err := s.poll(ctx); err != nil {
		return err
	}
	if s.cfg.checkpointEveryTicks > 0 && s.tick%int64(s.cfg.checkpointEveryTicks) == 0 {
		if err := s.checkpoint(); err != nil {
			if s.draining {
				return err
			}
			s.logEvent("checkpoint failed: " + err.Error())
		}
	}
	if err := s.exchange(ctx); err != nil {
		s.logEvent("exchange round aborted: " + err.Error())
	}
	if err := s.admit(ctx); err != nil {
		return err
	}
	s.wallTimeGate()
	return nil
}

// poll checks every R replica against the adapter (or locator override) and
// transitions it via CompleteOk / CompleteFail as appropriate. A Done status
// counts as a failure when a Locator other than DefaultLocator reports the
// cycle's artifact as not completed.
func (s *Scheduler) poll(ctx context.Context) error {
	_, running := s.Store.Partition()
	pilotFailed := false
	for _, id := range running {
		rec, ok := s.Store.Get(id)
		if !ok {
			continue
		}
		status, err := s.Adapter.Poll(ctx, rec.LastHandle)
		if err != nil {
			pilotFailed = true
			s.logEvent("pilot poll failed for replica " + strconv.Itoa(id) + ": " + err.Error())
			continue
		}
		if status == SubjobDone && s.Locator != nil {
			if _, noOverride := s.Locator.(DefaultLocator); !noOverride {
				if done, lerr := s.Locator.HasCompleted(ctx, id, rec.CycleCurrent); lerr == nil && !done {
					status = SubjobFailed
				}
			}
		}
		switch status {
		case SubjobDone:
			CompleteOk(s.Store, id)
			s.Metrics.IncCyclesCompleted(1)
			s.emitEvent(id, "replica_complete", map[string]interface{}{"handle": rec.LastHandle})
			s.recordTransition(ctx, id, store.TransitionCompleteOK, rec.CycleCurrent)
		case SubjobFailed:
			CompleteFail(s.Store, id)
			s.logEvent("subjob failure recorded for replica " + strconv.Itoa(id))
			s.emitEvent(id, "replica_fail", map[string]interface{}{"handle": rec.LastHandle})
			s.recordTransition(ctx, id, store.TransitionCompleteFail, rec.CycleCurrent)
		}
	}

	if pilotFailed {
		s.consecutivePilotDown++
	} else {
		s.consecutivePilotDown = 0
	}
	s.Metrics.SetPilotUnavailableTicks(s.consecutivePilotDown)
	if s.consecutivePilotDown >= s.cfg.maxConsecutivePilotDown {
		s.draining = true
		return &PilotUnavailableError{Op: "poll", Err: errors.New("exceeded consecutive-tick bound")}
	}

	waiting, runningNow := s.Store.Partition()
	s.Metrics.SetReplicaCounts(len(waiting), len(runningNow))
	return nil
}

// checkpoint atomically persists the replica table and writes the
// human-readable summary alongside it.
func (s *Scheduler) checkpoint() error {
	start := time.Now()
	path := CheckpointPath(s.CheckpointDir, s.Basename)
	if err := SaveCheckpoint(s.Store, path); err != nil {
		s.consecutiveCheckpointFail++
		if s.consecutiveCheckpointFail >= s.cfg.maxConsecutiveCheckpointFail {
			s.draining = true
		}
		return err
	}
	s.consecutiveCheckpointFail = 0
	s.Metrics.ObserveCheckpointLatency(time.Since(start))
	_ = WriteSummary(s.Store, SummaryPath(s.CheckpointDir, s.Basename), start)
	s.emitEvent(-1, "checkpoint_saved", map[string]interface{}{"path": path, "elapsed": time.Since(start)})
	return nil
}

// exchange runs one C7 round via an Exchanger built from the scheduler's
// own store, plugin, and working directory.
func (s *Scheduler) exchange(ctx context.Context) error {
	ex := &Exchanger{
		Store:            s.Store,
		Plugin:           s.Plugin,
		Dir:              s.WorkDir,
		Concurrency:      s.cfg.exchangeConcurrency,
		Tick:             s.tick,
		Rand:             s.rand,
		AttemptsPerRound: s.cfg.attemptsPerRound,
	}
	applied, err := ex.Run(ctx)
	if err != nil {
		return err
	}
	s.Metrics.ObserveExchangeRound(len(ex.LastProposal), applied)
	if applied > 0 {
		s.emitEvent(-1, "exchange_applied", map[string]interface{}{
			"tick":          s.tick,
			"accepted":      applied,
			"proposal_hash": ex.LastAudit.ProposalHash,
		})
		s.recordExchange(ctx, ex.LastProposal, ex.LastStateBefore)
	}
	return nil
}

// admit launches waiting replicas round-robin over replica id, starting with
// the first waiting replica whose id follows the last replica considered on
// the previous tick and wrapping to the start of the list (a stable,
// deterministic tie-break across ticks), gated by the pilot's currently
// reported capacity. The wrap order is the store's listing order, which is
// ascending id for a table built from ids in order. A failed capacity query
// or submit is logged and ends this tick's admission without error.
func (s *Scheduler) admit(ctx context.Context) error {
	if s.draining {
		return nil
	}
	waiting, running := s.Store.Partition()
	if len(waiting) == 0 {
		return nil
	}

	capacity, err := s.Adapter.Capacity(ctx)
	if err != nil {
		s.logEvent((&PilotUnavailableError{Op: "capacity", Err: err}).Error())
		return nil
	}
	slots := capacity.Available()
	if s.MaxConcurrentSubjobs > 0 {
		if own := s.MaxConcurrentSubjobs - len(running); own < slots {
			slots = own
		}
	}
	if slots <= 0 {
		return nil
	}

	n := len(waiting)
	start := 0
	for start < n && waiting[start] < s.admitCursor {
		start++
	}
	if start == n {
		start = 0
	}
	examined := 0
	for ; examined < n && slots > 0; examined++ {
		id := waiting[(start+examined)%n]
		rec, ok := s.Store.Get(id)
		if !ok {
			continue
		}
		inputDir := filepath.Join(s.WorkDir, fmt.Sprintf("r%d", id))
		if err := s.Plugin.BuildInput(ctx, inputDir, id, rec.CycleCurrent, rec.StateIDCurrent); err != nil {
			pluginErr := &ExchangePluginError{Stage: "buildInput", Err: err}
			s.logEvent("launch of replica " + strconv.Itoa(id) + " skipped: " + pluginErr.Error())
			continue
		}

		desc := SubjobDescriptor{
			ReplicaID: id,
			Cycle:     rec.CycleCurrent,
			InputDir:  inputDir,
			Basename:  s.Basename,
		}
		handle, err := s.Adapter.Submit(ctx, desc)
		if err != nil {
			s.logEvent((&PilotUnavailableError{Op: "submit", Err: err}).Error())
			break
		}
		Launch(s.Store, id, handle)
		s.emitEvent(id, "replica_launch", map[string]interface{}{"handle": handle, "cycle": rec.CycleCurrent})
		s.recordTransition(ctx, id, store.TransitionLaunch, rec.CycleCurrent)
		slots--
	}
	// Advance past every replica actually considered this tick (not just
	// the ones admitted), so next tick's round-robin pass resumes with the
	// first waiting replica id after the last one considered here.
	if examined > 0 {
		s.admitCursor = waiting[(start+examined-1)%n] + 1
	}
	return nil
}

// wallTimeGate flips the scheduler into drain mode once the time elapsed
// since RunStart plus ReplicaRunTime reaches WallTime, provided WallTime is
// configured (zero disables the gate).
func (s *Scheduler) wallTimeGate() {
	if s.WallTime <= 0 {
		return
	}
	if time.Since(s.RunStart)+s.ReplicaRunTime >= s.WallTime {
		s.draining = true
	}
}

// drain waits for every R replica to return to W, up to the configured
// drain timeout, then performs a final checkpoint.
func (s *Scheduler) drain(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.drainTimeout)
	ticker := time.NewTicker(s.cfg.cycleTime)
	defer ticker.Stop()

	for {
		_, running := s.Store.Partition()
		if len(running) == 0 {
			return s.checkpoint()
		}
		if time.Now().After(deadline) {
			_ = s.checkpoint()
			return ErrDrainTimeout
		}
		select {
		case <-ticker.C:
			_ = s.poll(ctx)
		case <-ctx.Done():
			_ = s.checkpoint()
			return ctx.Err()
		}
	}
}

func (s *Scheduler) logEvent(msg string) {
	if s.Log != nil {
		s.Log.Info(msg)
	}
}

// recordTransition appends a diagnostic Transition record for replicaID's
// post-transition state, via the configured History sink. cycleBefore is
// the cycle value observed before the transition ran. Any History error is
// logged and otherwise ignored: the checkpoint file remains authoritative.
func (s *Scheduler) recordTransition(ctx context.Context, replicaID int, kind store.TransitionKind, cycleBefore int) {
	if s.History == nil {
		return
	}
	rec, ok := s.Store.Get(replicaID)
	if !ok {
		return
	}
	err := s.History.RecordTransition(ctx, store.Transition{
		RunID:        s.Basename,
		ReplicaID:    replicaID,
		Kind:         kind,
		CycleBefore:  cycleBefore,
		CycleAfter:   rec.CycleCurrent,
		StateIDAfter: int(rec.StateIDCurrent),
		At:           time.Now(),
	})
	if err != nil {
		s.logEvent("history: record transition failed for replica " + strconv.Itoa(replicaID) + ": " + err.Error())
	}
}

// recordExchange appends one diagnostic ExchangeRound per replica whose
// state actually changed in this round's proposal, via the configured
// History sink.
func (s *Scheduler) recordExchange(ctx context.Context, proposal map[int]StateID, before map[int]StateID) {
	if s.History == nil {
		return
	}
	for id, after := range proposal {
		err := s.History.RecordExchange(ctx, store.ExchangeRound{
			RunID:       s.Basename,
			Tick:        s.tick,
			ReplicaID:   id,
			StateBefore: int(before[id]),
			StateAfter:  int(after),
			Applied:     true,
			At:          time.Now(),
		})
		if err != nil {
			s.logEvent("history: record exchange failed for replica " + strconv.Itoa(id) + ": " + err.Error())
		}
	}
}

// emitEvent forwards a scheduler-lifecycle event to the configured Emitter.
// A nil Emitter is a valid, silent no-op so callers never need to guard.
// A negative replicaID marks a run-level event and leaves ReplicaID empty.
func (s *Scheduler) emitEvent(replicaID int, msg string, meta map[string]interface{}) {
	if s.Emitter == nil {
		return
	}
	rid := ""
	if replicaID >= 0 {
		rid = strconv.Itoa(replicaID)
	}
	s.Emitter.Emit(emit.Event{
		RunID:     s.Basename,
		Tick:      int(s.tick),
		ReplicaID: rid,
		Msg:       msg,
		Meta:      meta,
	})
}
