package pipeline

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pipetrace/agent/internal/event"
	"github.com/pipetrace/agent/internal/rules"
)

// stepStatus is the per-node cursor state of one run.
type stepStatus uint8

const (
	stepPending stepStatus = iota
	stepActive             // admitted at least one process that has not finished
	stepDone               // all admitted processes finished (or all children done)
	stepSkipped            // optional step bypassed by a later admission
	stepRetired            // losing alternative of a committed Or
)

// StartObservation is one classified process start fed to the matcher. It is
// an immutable record keyed by upid; the matcher never holds references into
// the state store.
type StartObservation struct {
	UPID        string
	PID         uint32
	PPID        uint32
	TsNs        uint64
	RuleName    string
	DisplayName string
	View        rules.ProcessView
}

// TaskRef identifies the task a process was admitted to.
type TaskRef struct {
	PipelineID string
	RunID      string
	JobID      string
}

// String renders the task id recorded on process lifetimes.
func (r TaskRef) String() string {
	return r.PipelineID + "/" + r.RunID + "/" + r.JobID
}

// Matcher holds the active run states and maps classified process starts and
// finishes onto task boundaries. All methods are safe for concurrent use.
type Matcher struct {
	spec   *Spec
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*RunState // key: pipelineID + "\x00" + runID
}

// NewMatcher creates a Matcher over the compiled spec. If logger is nil,
// slog.Default() is used.
func NewMatcher(spec *Spec, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		spec:   spec,
		logger: logger,
		runs:   make(map[string]*RunState),
	}
}

func runKey(pipelineID, runID string) string {
	return pipelineID + "\x00" + runID
}

// ActivateRun creates the cursor state for (pipelineID, runID). It returns an
// error when the pipeline id is unknown; activating an already-active run is
// a no-op.
func (m *Matcher) ActivateRun(pipelineID, runID string) error {
	p, ok := m.spec.Get(pipelineID)
	if !ok {
		return fmt.Errorf("pipeline: %w: unknown pipeline %q", ErrPipelineConfig, pipelineID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := runKey(pipelineID, runID)
	if _, exists := m.runs[key]; exists {
		return nil
	}
	m.runs[key] = newRunState(p, runID)
	m.logger.Info("pipeline run activated",
		slog.String("pipeline", pipelineID),
		slog.String("run_id", runID),
	)
	return nil
}

// ActiveRuns returns the identifiers of all active runs, for the info
// endpoint.
func (m *Matcher) ActiveRuns() []TaskRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRef, 0, len(m.runs))
	for _, rs := range m.runs {
		out = append(out, TaskRef{PipelineID: rs.pipeline.ID, RunID: rs.runID})
	}
	return out
}

// ObserveStart offers a classified start to every active run. On admission it
// returns the task reference to record on the lifetime and a TaskStart event;
// a process admitted by no run returns (nil, nil), which is not an error.
func (m *Matcher) ObserveStart(obs StartObservation) (*TaskRef, []event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rs := range m.runs {
		ref, admitted := rs.observeStart(obs)
		if !admitted {
			continue
		}
		m.logger.Debug("task admitted",
			slog.String("pipeline", ref.PipelineID),
			slog.String("run_id", ref.RunID),
			slog.String("job", ref.JobID),
			slog.String("upid", obs.UPID),
		)
		evt := event.Event{
			Kind:       event.KindTaskStart,
			TsNs:       obs.TsNs,
			PID:        obs.PID,
			PPID:       obs.PPID,
			UPID:       obs.UPID,
			JobID:      ref.JobID,
			PipelineID: ref.PipelineID,
			RunID:      ref.RunID,
		}
		return &ref, []event.Event{evt}
	}
	return nil, nil
}

// ObserveFinish records the finish of a previously admitted process. When it
// was the last running process of its task, a TaskFinish event is returned.
func (m *Matcher) ObserveFinish(upid string, pid, ppid uint32, tsNs uint64) []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rs := range m.runs {
		ref, finished := rs.observeFinish(upid)
		if !finished {
			continue
		}
		return []event.Event{{
			Kind:       event.KindTaskFinish,
			TsNs:       tsNs,
			PID:        pid,
			PPID:       ppid,
			UPID:       upid,
			JobID:      ref.JobID,
			PipelineID: ref.PipelineID,
			RunID:      ref.RunID,
		}}
	}
	return nil
}

// RunState is the cursor of one active pipeline run: per-node statuses over
// the pipeline's step arena plus the set of running processes per admitted
// task node.
type RunState struct {
	pipeline *Pipeline
	runID    string

	status      []stepStatus
	activeProcs map[StepID]map[string]bool // task node -> running upids
	taskOf      map[string]StepID          // upid -> admitted task node
}

func newRunState(p *Pipeline, runID string) *RunState {
	return &RunState{
		pipeline:    p,
		runID:       runID,
		status:      make([]stepStatus, p.ArenaLen()),
		activeProcs: make(map[StepID]map[string]bool),
		taskOf:      make(map[string]StepID),
	}
}

// observeStart resolves candidate jobs for the observation and tries to admit
// each at the current cursor. Specialized candidates are tried before general
// ones so a specialized rule wins when both match.
func (rs *RunState) observeStart(obs StartObservation) (TaskRef, bool) {
	for _, jobID := range rs.candidateJobs(obs) {
		sid, ok := rs.admit(rs.pipeline.Root(), jobID)
		if !ok {
			continue
		}
		procs := rs.activeProcs[sid]
		if procs == nil {
			procs = make(map[string]bool)
			rs.activeProcs[sid] = procs
		}
		procs[obs.UPID] = true
		rs.taskOf[obs.UPID] = sid
		return TaskRef{PipelineID: rs.pipeline.ID, RunID: rs.runID, JobID: jobID}, true
	}
	return TaskRef{}, false
}

// observeFinish removes the process from its task node; when the node has no
// running processes left it completes and completion propagates upward.
func (rs *RunState) observeFinish(upid string) (TaskRef, bool) {
	sid, ok := rs.taskOf[upid]
	if !ok {
		return TaskRef{}, false
	}
	delete(rs.taskOf, upid)
	delete(rs.activeProcs[sid], upid)
	if len(rs.activeProcs[sid]) > 0 {
		return TaskRef{}, false
	}

	rs.status[sid] = stepDone
	rs.propagate(rs.pipeline.Root())
	return TaskRef{
		PipelineID: rs.pipeline.ID,
		RunID:      rs.runID,
		JobID:      rs.pipeline.Step(sid).JobID,
	}, true
}

// candidateJobs returns job ids whose rule sets reference the observation's
// rule, specialized matches first. A specialized rule is a candidate only
// when its condition holds for the process view.
func (rs *RunState) candidateJobs(obs StartObservation) []string {
	var specialized, general []string
	for i := range rs.pipeline.Jobs {
		j := &rs.pipeline.Jobs[i]
		for _, sr := range j.SpecializedRules {
			if sr.Rule == obs.RuleName && rules.EvalCondition(sr.Condition, obs.View) {
				specialized = append(specialized, j.ID)
				break
			}
		}
		if containsString(j.Rules, obs.RuleName) || containsString(j.OptionalRules, obs.RuleName) {
			general = append(general, j.ID)
		}
	}
	// A job can appear in both lists when its specialized condition holds;
	// the specialized occurrence is tried first and admission is idempotent
	// per node, so the duplicate is harmless.
	return append(specialized, general...)
}

// admit tries to place jobID at the cursor position under node id.
// It returns the task node admitted.
//
// Sequence nodes (And, Subworkflow, and the implicit root) walk children in
// order: a child that is done, skipped, or retired is passed over; an active
// child still admits (a task may be implemented by several concurrent
// processes, and later steps may begin while it runs); a pending
// OptionalTask may be skipped forward past when a later child admits the
// job. A pending required child that does not admit the job blocks the walk.
func (rs *RunState) admit(id StepID, jobID string) (StepID, bool) {
	n := rs.pipeline.Step(id)
	st := rs.status[id]
	if st == stepDone || st == stepSkipped || st == stepRetired {
		return 0, false
	}

	switch n.Kind {
	case StepTask, StepOptionalTask:
		if n.JobID != jobID {
			return 0, false
		}
		rs.status[id] = stepActive
		return id, true

	case StepOr:
		if chosen, ok := rs.committedChild(n); ok {
			sid, admitted := rs.admit(chosen, jobID)
			if admitted {
				rs.status[id] = stepActive
			}
			return sid, admitted
		}
		// Uncommitted: children are tried in listed order and the first
		// admission commits the branch, retiring the alternatives.
		for _, c := range n.Children {
			sid, admitted := rs.admit(c, jobID)
			if !admitted {
				continue
			}
			rs.status[id] = stepActive
			for _, other := range n.Children {
				if other != c {
					rs.retire(other)
				}
			}
			return sid, true
		}
		return 0, false

	case StepAnd, StepSubworkflow:
		var skippedOver []StepID
		for _, c := range n.Children {
			cst := rs.status[c]
			if cst == stepDone || cst == stepSkipped || cst == stepRetired {
				continue
			}
			if sid, admitted := rs.admit(c, jobID); admitted {
				for _, opt := range skippedOver {
					rs.status[opt] = stepSkipped
				}
				rs.status[id] = stepActive
				return sid, true
			}
			switch {
			case cst == stepActive:
				// Started but unfinished: later siblings may begin.
			case cst == stepPending && rs.pipeline.Step(c).Kind == StepOptionalTask:
				skippedOver = append(skippedOver, c)
			default:
				// A pending required step gates the rest of the sequence.
				return 0, false
			}
		}
		return 0, false
	}
	return 0, false
}

// committedChild returns the Or child already chosen by a prior admission.
func (rs *RunState) committedChild(n *StepExpr) (StepID, bool) {
	for _, c := range n.Children {
		if st := rs.status[c]; st == stepActive || st == stepDone {
			return c, true
		}
	}
	return 0, false
}

// retire marks a losing Or alternative and its whole subtree unreachable.
func (rs *RunState) retire(id StepID) {
	rs.status[id] = stepRetired
	for _, c := range rs.pipeline.Step(id).Children {
		rs.retire(c)
	}
}

// propagate recomputes done states bottom-up after a task completion: a
// sequence node is done when every child is done, skipped, or retired; a
// committed Or is done when its chosen branch is done.
func (rs *RunState) propagate(id StepID) bool {
	n := rs.pipeline.Step(id)
	st := rs.status[id]
	if st == stepDone || st == stepSkipped || st == stepRetired {
		return true
	}

	switch n.Kind {
	case StepTask, StepOptionalTask:
		return false

	case StepOr:
		for _, c := range n.Children {
			if rs.status[c] == stepRetired {
				continue
			}
			if rs.propagate(c) {
				rs.status[id] = stepDone
				return true
			}
		}
		return false

	case StepAnd, StepSubworkflow:
		allDone := true
		for _, c := range n.Children {
			if !rs.propagate(c) {
				allDone = false
			}
		}
		if allDone {
			rs.status[id] = stepDone
			return true
		}
		return false
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
