// Command asyncred runs the ASyncRE coordinator: it loads a YAML control
// file, wires a pilot adapter, an exchange plug-in, and the optional
// diagnostics sinks, then drives the scheduler loop until a clean drain or
// an unrecoverable startup error.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/asyncre-go/asyncre/asyncre"
	"github.com/asyncre-go/asyncre/asyncre/emit"
	"github.com/asyncre-go/asyncre/asyncre/store"
	"github.com/asyncre-go/asyncre/pilot"
	"github.com/asyncre-go/asyncre/plugin/reference"
)

const (
	exitOK            = 0
	exitConfigError   = 1
	exitCheckpointErr = 2
	exitRunError      = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = pflag.String("config", "", "path to the YAML control file")
		reSetup     = pflag.Bool("re-setup", false, "force a fresh replica table, ignoring any existing checkpoint")
		verbose     = pflag.Bool("verbose", false, "enable verbose progress output during RE_SETUP staging")
		logJSON     = pflag.Bool("log-json", false, "emit JSONL log events instead of colorized text")
		metricsAddr = pflag.String("metrics-addr", "", "address to serve /metrics on, e.g. :9090 (empty disables)")
		seed        = pflag.Int64("seed", 0, "PRNG seed for the exchange engine's proposal draws")
	)
	pflag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "asyncred: --config is required")
		return exitConfigError
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {})); err != nil {
		// GOMAXPROCS stays at its runtime default; this is advisory only.
		_ = err
	}

	cfg, err := asyncre.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asyncred: %v\n", err)
		return exitConfigError
	}
	if *reSetup {
		cfg.ReSetup = true
	}
	if *verbose {
		cfg.Verbose = true
	}

	log := newLogger(cfg.Verbose)

	plug := reference.New(asyncre.ModePairwiseMetropolis)
	plug.Rand = rand.New(rand.NewSource(*seed))
	if err := plug.CheckInput(cfg.SchemeSettings); err != nil {
		fmt.Fprintf(os.Stderr, "asyncred: %v\n", err)
		return exitConfigError
	}

	basename := filepath.Base(cfg.EngineInputBasename)
	workDir := cfg.BJWorkingDir
	if workDir == "" {
		workDir = "."
	}

	st, err := loadOrInitStore(workDir, basename, cfg)
	if err != nil {
		if !cfg.ReSetup {
			fmt.Fprintf(os.Stderr, "asyncred: %v\n", err)
			return exitCheckpointErr
		}
		log.Warn("ignoring unreadable checkpoint under RE_SETUP", "error", err)
		st = freshStore(cfg)
	}

	locator := asyncre.FileLocator{Dir: workDir, Basename: basename, Ext: "rst7"}
	if err := asyncre.RestartReset(context.Background(), st, locator); err != nil {
		fmt.Fprintf(os.Stderr, "asyncred: restart reset: %v\n", err)
		return exitRunError
	}

	if cfg.ReSetup {
		if err := stageInputs(st, workDir, basename, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "asyncred: stage inputs: %v\n", err)
			return exitConfigError
		}
	}

	registry := prometheus.NewRegistry()
	metrics := asyncre.NewPrometheusMetrics(registry)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server exited", "error", err)
			}
		}()
		defer func() { _ = server.Close() }()
	}

	history, err := store.NewSQLiteHistory(filepath.Join(workDir, basename+"_history.db"))
	if err != nil {
		log.Warn("history sink unavailable, continuing without diagnostics", "error", err)
		history = nil
	} else {
		defer func() { _ = history.Close() }()
	}

	logEmitter := emit.NewLogEmitter(os.Stdout, *logJSON)

	adapter := pilot.NewHTTPAdapter(cfg.ResourceURL, cfg.CycleTime.Duration())

	sched := asyncre.New(st, adapter, locator, plug,
		asyncre.WithCycleTime(cfg.CycleTime.Duration()),
		asyncre.WithSeed(*seed),
	)
	sched.Metrics = metrics
	sched.Emitter = logEmitter
	if history != nil {
		sched.History = history
	}
	sched.Log = log
	sched.Basename = basename
	sched.WorkDir = workDir
	sched.CheckpointDir = workDir
	sched.WallTime = cfg.WallTime.Duration()
	sched.ReplicaRunTime = cfg.ReplicaRunTime.Duration()
	sched.MaxConcurrentSubjobs = cfg.SubjobsBufferSlots()
	sched.RunStart = time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "asyncred: %v\n", err)
		return exitRunError
	}
	return exitOK
}

// newLogger builds the scheduler's slog.Logger, text-handler by default
// and matching the coordinator's overall verbosity knob.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// loadOrInitStore loads the authoritative checkpoint if one exists, or
// builds a fresh replica table sized per NREPLICAS when RE_SETUP requests
// one or none is found.
func loadOrInitStore(workDir, basename string, cfg *asyncre.Config) (*asyncre.Store, error) {
	if cfg.ReSetup {
		return freshStore(cfg), nil
	}
	path := asyncre.CheckpointPath(workDir, basename)
	records, err := asyncre.LoadCheckpoint(path)
	if err != nil {
		if os.IsNotExist(err) {
			return freshStore(cfg), nil
		}
		return nil, err
	}
	return asyncre.NewStore(records), nil
}

func freshStore(cfg *asyncre.Config) *asyncre.Store {
	records := make([]asyncre.Record, cfg.NReplicas)
	for i := range records {
		records[i] = asyncre.Record{
			ReplicaID:      i,
			StateIDCurrent: asyncre.StateID(i),
			RunningStatus:  asyncre.StatusWaiting,
			CycleCurrent:   1,
		}
	}
	return asyncre.NewStore(records)
}

// stageInputs copies ENGINE_INPUT_EXTFILES into every replica's r{i}/
// working directory, showing a progress bar when VERBOSE is set — this
// can be thousands of replicas at production scale, so the operator gets
// feedback rather than a silent multi-minute pause.
func stageInputs(st *asyncre.Store, workDir, basename string, cfg *asyncre.Config) error {
	records := st.Snapshot()

	var bar *progressbar.ProgressBar
	if cfg.Verbose {
		bar = progressbar.Default(int64(len(records)), "staging replica inputs")
	}

	for _, rec := range records {
		dir := filepath.Join(workDir, fmt.Sprintf("r%d", rec.ReplicaID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("stage replica %d: %w", rec.ReplicaID, err)
		}
		for _, ext := range cfg.EngineInputExtfiles {
			src := filepath.Join(workDir, basename+"."+strings.TrimPrefix(ext, "."))
			dst := filepath.Join(dir, basename+"."+strings.TrimPrefix(ext, "."))
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("stage replica %d: %w", rec.ReplicaID, err)
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
