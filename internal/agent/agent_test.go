package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pipetrace/agent/internal/config"
	"github.com/pipetrace/agent/internal/emit"
	"github.com/pipetrace/agent/internal/event"
	"github.com/pipetrace/agent/internal/ingest"
	"github.com/pipetrace/agent/internal/metrics"
	"github.com/pipetrace/agent/internal/pipeline"
	"github.com/pipetrace/agent/internal/router"
	"github.com/pipetrace/agent/internal/rules"
	"github.com/pipetrace/agent/internal/sample"
	"github.com/pipetrace/agent/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// collectSink records submitted batches in order.
type collectSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *collectSink) Submit(_ context.Context, batch []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *collectSink) Close() error { return nil }

func (s *collectSink) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

// scriptProvider is an ingest.Provider fed manually by the test.
type scriptProvider struct {
	ch       chan ingest.ProcessRaw
	stopOnce sync.Once
}

func newScriptProvider() *scriptProvider {
	return &scriptProvider{ch: make(chan ingest.ProcessRaw, 64)}
}

func (p *scriptProvider) Start(context.Context) error { return nil }
func (p *scriptProvider) Stop()                       { p.stopOnce.Do(func() { close(p.ch) }) }
func (p *scriptProvider) Events() <-chan ingest.ProcessRaw {
	return p.ch
}

const e2eRules = `
rules:
  - rule_name: samtools_sort
    display_name: "samtools {subcommand}"
    condition:
      and:
        - process_name_is: samtools
        - subcommand_is_one_of: [sort]
  - rule_name: bwa_mem
    display_name: "bwa mem"
    condition:
      and:
        - process_name_is: bwa
        - first_arg_is: mem
`

const e2ePipelines = `
pipelines:
  - id: nf-core/fastquorum
    version: {min: "1.0.0"}
    jobs:
      - id: ALIGN_RAW_BAM
        rules: [bwa_mem]
        specialized_rules:
          - rule: samtools_sort
            condition: {args_contain: "--template-coordinate"}
    steps:
      - task: ALIGN_RAW_BAM
`

// pipelineRig wires provider → merged source → router → store → matcher →
// emitter → sink, the full data path minus the kernel.
type pipelineRig struct {
	provider *scriptProvider
	sink     *collectSink
	cancel   context.CancelFunc
	done     chan struct{}
	emitter  *emit.Emitter
	source   *ingest.Merged
}

func newPipelineRig(t *testing.T) *pipelineRig {
	t.Helper()

	agentCtx := event.NewAgentContext(clockwork.NewRealClock())
	evaluator, err := rules.Parse([]byte(e2eRules))
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	spec, err := pipeline.Parse([]byte(e2ePipelines))
	if err != nil {
		t.Fatalf("pipelines: %v", err)
	}
	matcher := pipeline.NewMatcher(spec, nil)
	if err := matcher.ActivateRun("nf-core/fastquorum", "run-1"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	met := metrics.New()
	sink := &collectSink{}
	emitter := emit.New(agentCtx, sink, nil, nil, met)
	store := state.New(agentCtx, evaluator, matcher, sample.NewExtractor(nil), emitter, nil, met)

	provider := newScriptProvider()
	source := ingest.NewMerged([]ingest.Provider{provider}, nil, agentCtx.Clock, met)
	rt := router.New(source.Events(), store, nil, agentCtx.Clock)

	ctx, cancel := context.WithCancel(context.Background())
	if err := source.Start(ctx); err != nil {
		t.Fatalf("source start: %v", err)
	}

	// The router runs detached, as in production: closing the source closes
	// the merged channel, which is what ends Run.
	done := make(chan struct{})
	go func() {
		_ = rt.Run(context.Background())
		close(done)
	}()

	rig := &pipelineRig{
		provider: provider,
		sink:     sink,
		cancel:   cancel,
		done:     done,
		emitter:  emitter,
		source:   source,
	}
	t.Cleanup(func() {
		rig.source.Stop()
		<-rig.done
		rig.cancel()
	})
	return rig
}

func (r *pipelineRig) flushAndWait(t *testing.T, wantEvents int) []event.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.emitter.Flush(context.Background())
		if got := r.sink.all(); len(got) >= wantEvents {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink received %d events, wanted %d", len(r.sink.all()), wantEvents)
	return nil
}

// End-to-end: a kernel-origin start and finish travel the whole path and
// come out as ordered ProcessStart/TaskStart/ProcessFinish/TaskFinish with
// strictly increasing event ids.
func TestDataPath_StartFinishLifecycle(t *testing.T) {
	rig := newPipelineRig(t)

	rig.provider.ch <- ingest.ProcessRaw{
		PID: 42, PPID: 1, Kind: ingest.KindStart, Comm: "bwa",
		Argv: []string{"bwa", "mem", "ref.fa", "a.fq"}, StartedAtNs: 100,
		Origin: ingest.OriginKernel,
	}
	rig.provider.ch <- ingest.ProcessRaw{
		PID: 42, Kind: ingest.KindFinish, StartedAtNs: 200, Origin: ingest.OriginKernel,
	}

	events := rig.flushAndWait(t, 6)

	kinds := make(map[event.Kind]int)
	var lastID uint64
	var startID, finishID uint64
	for _, e := range events {
		kinds[e.Kind]++
		if e.EventID <= lastID {
			t.Errorf("event ids not strictly increasing: %d after %d", e.EventID, lastID)
		}
		lastID = e.EventID
		switch e.Kind {
		case event.KindProcessStart:
			startID = e.EventID
		case event.KindProcessFinish:
			finishID = e.EventID
		}
	}

	if kinds[event.KindProcessStart] != 1 || kinds[event.KindProcessFinish] != 1 {
		t.Errorf("process event counts = %v", kinds)
	}
	if kinds[event.KindTaskStart] != 1 || kinds[event.KindTaskFinish] != 1 {
		t.Errorf("task event counts = %v", kinds)
	}
	if kinds[event.KindDataSample] != 2 {
		t.Errorf("data samples = %d, want 2 (ref.fa, a.fq)", kinds[event.KindDataSample])
	}
	if finishID <= startID {
		t.Errorf("ProcessFinish id %d must exceed ProcessStart id %d", finishID, startID)
	}
}

// Scenario: the specialized samtools-sort invocation admits ALIGN_RAW_BAM.
func TestDataPath_SpecializedRuleAdmitsTask(t *testing.T) {
	rig := newPipelineRig(t)

	rig.provider.ch <- ingest.ProcessRaw{
		PID: 50, PPID: 1, Kind: ingest.KindStart, Comm: "samtools",
		Argv:        []string{"samtools", "sort", "--template-coordinate", "in.bam"},
		StartedAtNs: 300, Origin: ingest.OriginKernel,
	}

	events := rig.flushAndWait(t, 2)

	var sawStart, sawTask bool
	for _, e := range events {
		if e.Kind == event.KindProcessStart {
			sawStart = true
			if e.DisplayName != "samtools sort" {
				t.Errorf("display_name = %q", e.DisplayName)
			}
		}
		if e.Kind == event.KindTaskStart {
			sawTask = true
			if e.JobID != "ALIGN_RAW_BAM" {
				t.Errorf("job = %q, want ALIGN_RAW_BAM", e.JobID)
			}
		}
	}
	if !sawStart || !sawTask {
		t.Errorf("events = %+v", events)
	}
}

// ─── Control API ─────────────────────────────────────────────────────────────

func newControlFixture(t *testing.T) *Agent {
	t.Helper()

	agentCtx := event.NewAgentContext(clockwork.NewFakeClock())
	evaluator, err := rules.Parse([]byte(e2eRules))
	if err != nil {
		t.Fatal(err)
	}
	met := metrics.New()
	sink := &collectSink{}
	emitter := emit.New(agentCtx, sink, nil, nil, met)
	store := state.New(agentCtx, evaluator, nil, sample.NewExtractor(nil), emitter, nil, met)
	source := ingest.NewMerged(nil, nil, agentCtx.Clock, met)
	rt := router.New(source.Events(), store, nil, agentCtx.Clock)

	cfg := &config.Config{ControlAddr: "127.0.0.1:0"}
	_, cancel := context.WithCancel(context.Background())

	return &Agent{
		cfg:       cfg,
		logger:    nil,
		agentCtx:  agentCtx,
		source:    source,
		router:    rt,
		store:     store,
		emitter:   emitter,
		sink:      sink,
		met:       met,
		identity:  RunIdentity{PipelineName: "nf-core/fastquorum", RunID: "r1"},
		startTime: agentCtx.Clock.Now(),
		terminate: cancel,
	}
}

func TestControlAPI_InfoAndHealthz(t *testing.T) {
	a := newControlFixture(t)
	a.logger = testLogger()
	srv := a.newControlServer()
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/v1/info")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	defer resp.Body.Close()

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Status != "ok" || info.PipelineName != "nf-core/fastquorum" {
		t.Errorf("info = %+v", info)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestControlAPI_Terminate(t *testing.T) {
	a := newControlFixture(t)
	a.logger = testLogger()

	terminated := make(chan struct{})
	a.terminate = func() { close(terminated) }

	srv := a.newControlServer()
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/terminate", "application/json", nil)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("terminate status = %d", resp.StatusCode)
	}

	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("terminate handler never fired the cancel func")
	}
}
