// Package agent contains the pipetrace orchestrator: it wires the event
// sources, trigger router, state store, pipeline matcher, emitter, file
// watcher, and control API together and drives them on one cooperative
// runtime with a single cancellation token.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipetrace/agent/internal/config"
	"github.com/pipetrace/agent/internal/emit"
	"github.com/pipetrace/agent/internal/event"
	"github.com/pipetrace/agent/internal/filewatch"
	"github.com/pipetrace/agent/internal/ingest"
	"github.com/pipetrace/agent/internal/metrics"
	"github.com/pipetrace/agent/internal/pipeline"
	"github.com/pipetrace/agent/internal/queue"
	"github.com/pipetrace/agent/internal/router"
	"github.com/pipetrace/agent/internal/rules"
	"github.com/pipetrace/agent/internal/sample"
	"github.com/pipetrace/agent/internal/state"
)

const (
	// reapInterval drives the state store reaper.
	reapInterval = 500 * time.Millisecond
	// shutdownCap bounds the whole ordered shutdown.
	shutdownCap = 10 * time.Second
)

// RunIdentity is the run selection made at `init` time.
type RunIdentity struct {
	PipelineName string
	RunID        string
	Environment  string
	UserOperator string
	PipelineType string
}

// Agent is the orchestrator. Build one with Build (production wiring); tests
// assemble the struct from explicit components.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	agentCtx  *event.AgentContext
	source    *ingest.Merged
	router    *router.Router
	store     *state.Store
	matcher   *pipeline.Matcher
	emitter   *emit.Emitter
	sink      emit.Sink
	spill     *queue.SQLiteQueue
	fileWatch *filewatch.Watcher
	met       *metrics.Set

	identity  RunIdentity
	startTime time.Time
	terminate context.CancelFunc
}

// Build constructs a fully wired agent from configuration. It loads the rule
// and pipeline files (config errors abort with a diagnostic), selects the
// sink (Postgres when DATABASE_URL is set, otherwise the configured local
// sink), and activates the requested pipeline run.
func Build(cfg *config.Config, id RunIdentity, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	agentCtx := event.NewAgentContext(nil)
	agentCtx.RunID = id.RunID
	agentCtx.PipelineName = id.PipelineName
	agentCtx.Environment = id.Environment
	agentCtx.UserOperator = id.UserOperator
	agentCtx.PipelineType = id.PipelineType

	evaluator, err := rules.Load(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	spec, err := pipeline.Load(cfg.PipelinesPath)
	if err != nil {
		return nil, err
	}

	matcher := pipeline.NewMatcher(spec, logger)
	if id.PipelineName != "" {
		if err := matcher.ActivateRun(id.PipelineName, id.RunID); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("agent: create work dir: %w", err)
	}

	met := metrics.New()

	sink, err := buildSink(cfg, agentCtx.BootID)
	if err != nil {
		return nil, err
	}

	spill, err := queue.New(filepath.Join(cfg.WorkDir, "spill.db"))
	if err != nil {
		sink.Close()
		return nil, err
	}

	emitter := emit.New(agentCtx, sink, spill, logger, met)
	store := state.New(agentCtx, evaluator, matcher,
		sample.NewExtractor(cfg.Samples.Suffixes), emitter, logger, met)

	var providers []ingest.Provider
	if *cfg.Ingest.KernelBridge {
		providers = append(providers, ingest.NewKernelBridge(logger, met))
	}
	if *cfg.Ingest.ProcPolling {
		providers = append(providers, ingest.NewProcPoller(cfg.PollInterval(), logger, agentCtx.Clock))
	}
	source := ingest.NewMerged(providers, logger, agentCtx.Clock, met)

	rt := router.New(source.Events(), store, logger, agentCtx.Clock)

	var fw *filewatch.Watcher
	if len(cfg.FileWatch.Paths) > 0 {
		fw = filewatch.New(cfg.FileWatch.Paths, cfg.StablePeriod(), agentCtx, emitter, logger)
	}

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		agentCtx:  agentCtx,
		source:    source,
		router:    rt,
		store:     store,
		matcher:   matcher,
		emitter:   emitter,
		sink:      sink,
		spill:     spill,
		fileWatch: fw,
		met:       met,
		identity:  id,
	}, nil
}

// buildSink selects the event downstream: Postgres when DATABASE_URL is
// present, otherwise the configured local sink.
func buildSink(cfg *config.Config, bootID string) (emit.Sink, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return emit.NewPostgresSink(ctx, dsn, bootID)
	}
	if cfg.Sink.Kind == "stdout" {
		return emit.NewWriterSink(os.Stdout), nil
	}
	return emit.NewChainLogSink(filepath.Join(cfg.WorkDir, "events.chain"))
}

// Run starts every component and blocks until ctx is cancelled or a
// terminate request arrives, then performs the ordered shutdown: providers
// close first, the router drains what they already delivered, in-flight
// lifetimes are finalized, the emitter flushes, the sink closes. The whole
// teardown is bounded by shutdownCap.
func (a *Agent) Run(ctx context.Context) error {
	a.startTime = a.agentCtx.Clock.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.terminate = cancel

	a.logger.Info("starting pipetrace agent",
		slog.String("pipeline", a.identity.PipelineName),
		slog.String("run_id", a.identity.RunID),
		slog.String("control_addr", a.cfg.ControlAddr),
		slog.String("boot_id", a.agentCtx.BootID),
		slog.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
	)

	// Sources run detached from the terminate token: teardown closes them
	// explicitly, first, so their channel close is what ends the router. A
	// total source failure is the only fatal startup path here (IngestFatal).
	if err := a.source.Start(context.Background()); err != nil {
		return err
	}

	if a.fileWatch != nil {
		if err := a.fileWatch.Start(context.Background()); err != nil {
			a.logger.Warn("file watcher failed to start", slog.Any("error", err))
		}
	}

	control := a.newControlServer()

	// The router is not on the cancellation token either: it must outlive
	// it, consuming until the merged channel closes so held poller records
	// flushed by source.Stop are still routed, then flush its final batch.
	routerDone := make(chan error, 1)
	go func() { routerDone <- a.router.Run(context.Background()) }()

	g, taskCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.emitter.Run(taskCtx) })
	g.Go(func() error { return a.reapLoop(taskCtx) })
	g.Go(func() error { return a.serveControl(taskCtx, control) })

	groupDone := make(chan error, 1)
	go func() { groupDone <- g.Wait() }()

	a.logger.Info("pipetrace agent started")

	// Block until the terminate token fires (signal, control API) or a task
	// fails, which cancels taskCtx and surfaces here.
	var err error
	groupWaited := false
	select {
	case <-runCtx.Done():
	case err = <-groupDone:
		groupWaited = true
		cancel()
	}

	// Ordered teardown under the hard cap: close the providers first so no
	// new triggers arrive and the merged channel closes, wait for the
	// router's channel-close drain, finalize in-flight lifetimes, then the
	// final emitter flush (Run already flushed on cancellation; Flush here
	// catches what the router drained afterwards).
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.source.Stop()
		if a.fileWatch != nil {
			a.fileWatch.Stop()
		}
		if rerr := <-routerDone; rerr != nil {
			a.logger.Warn("router exited with error", slog.Any("error", rerr))
		}
		a.store.Finalize()
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownCap)
		a.emitter.Flush(flushCtx)
		flushCancel()
		_ = a.sink.Close()
		_ = a.spill.Close()
	}()
	select {
	case <-done:
	case <-time.After(shutdownCap):
		a.logger.Error("shutdown cap elapsed before teardown completed")
	}

	if !groupWaited {
		err = <-groupDone
	}

	a.logger.Info("pipetrace agent stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reapLoop drives the state store's pending-finish expiry and finalized GC.
func (a *Agent) reapLoop(ctx context.Context) error {
	ticker := a.agentCtx.Clock.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			a.store.ReapExpired()
		}
	}
}
