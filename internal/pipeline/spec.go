// Package pipeline implements the workflow model of the pipetrace agent: a
// declarative pipeline specification loaded from YAML, compiled into a step
// arena, and a matcher that maps classified process starts onto workflow
// tasks as a run progresses.
//
// A pipeline file looks like:
//
//	pipelines:
//	  - id: nf-core/fastquorum
//	    description: Fastquorum consensus calling
//	    repo: https://github.com/nf-core/fastquorum
//	    language: nextflow
//	    version: {min: "1.0.0"}
//	    jobs:
//	      - id: ALIGN_RAW_BAM
//	        rules: [bwa_mem]
//	        specialized_rules:
//	          - rule: samtools_sort
//	            condition: {args_contain: "--template-coordinate"}
//	      - id: FASTQC
//	        rules: [fastqc]
//	      - id: TRIM
//	        rules: [trim_galore]
//	      - id: ALIGN_TRIMMED
//	        rules: [bwa_mem]
//	    subworkflows:
//	      - id: QC
//	        steps:
//	          - task: FASTQC
//	    steps:
//	      - subworkflow: QC
//	      - or:
//	          - task: ALIGN_RAW_BAM
//	          - and:
//	              - optional_task: TRIM
//	              - task: ALIGN_TRIMMED
//
// Steps compile into an arena of StepExpr nodes addressed by StepID, so run
// cursors are small index-and-status values with no back-pointers.
package pipeline

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pipetrace/agent/internal/rules"
)

// ErrPipelineConfig marks structural problems in the pipeline file: unknown
// job or subworkflow references, malformed step expressions, duplicate ids.
var ErrPipelineConfig = errors.New("pipeline config error")

// Spec is the parsed top-level pipeline document.
type Spec struct {
	Pipelines []*Pipeline `yaml:"pipelines"`

	byID map[string]*Pipeline
}

// Pipeline describes one workflow the agent can match runs against.
type Pipeline struct {
	ID           string        `yaml:"id"`
	Description  string        `yaml:"description"`
	Repo         string        `yaml:"repo"`
	Language     string        `yaml:"language"`
	Version      VersionRange  `yaml:"version"`
	Subworkflows []Subworkflow `yaml:"subworkflows"`
	Jobs         []Job         `yaml:"jobs"`
	// Tasks is accepted as an alias for Jobs; the two lists are merged
	// after parsing.
	Tasks []Job      `yaml:"tasks"`
	Steps []stepNode `yaml:"steps"`

	arena []StepExpr
	root  StepID
	jobs  map[string]*Job
}

// VersionRange is the pipeline version constraint. Max is optional.
type VersionRange struct {
	Min string `yaml:"min"`
	Max string `yaml:"max,omitempty"`
}

// Job is one workflow step implemented by classified processes. Rules and
// OptionalRules name entries of the display-rule list; SpecializedRules
// additionally carry a condition re-checked against the process view.
type Job struct {
	ID               string            `yaml:"id"`
	Rules            []string          `yaml:"rules"`
	OptionalRules    []string          `yaml:"optional_rules"`
	SpecializedRules []SpecializedRule `yaml:"specialized_rules"`
}

// SpecializedRule refines a general rule verdict with a job-scoped condition.
type SpecializedRule struct {
	Rule      string          `yaml:"rule"`
	Condition rules.Condition `yaml:"condition"`
}

// Subworkflow is a named, reusable step sequence.
type Subworkflow struct {
	ID    string     `yaml:"id"`
	Steps []stepNode `yaml:"steps"`
}

// StepID addresses a node in a pipeline's step arena.
type StepID int

// StepKind discriminates StepExpr.
type StepKind int

const (
	StepTask StepKind = iota
	StepOptionalTask
	StepSubworkflow
	StepOr
	StepAnd
)

// StepExpr is one compiled node of the step tree. Task and OptionalTask carry
// JobID; Or and And carry Children; Subworkflow carries both the referenced
// id and its compiled child sequence.
type StepExpr struct {
	Kind        StepKind
	JobID       string
	Subworkflow string
	Children    []StepID
}

// stepNode is the YAML form of a step expression: a single-key mapping with
// one of the keys task | optional_task | subworkflow | or | and.
type stepNode struct {
	kind        StepKind
	job         string
	subworkflow string
	kids        []stepNode
}

func (s *stepNode) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("%w: step must be a single-key mapping (line %d)", ErrPipelineConfig, node.Line)
	}
	key := node.Content[0].Value
	val := node.Content[1]

	switch key {
	case "task":
		s.kind = StepTask
		return val.Decode(&s.job)
	case "optional_task":
		s.kind = StepOptionalTask
		return val.Decode(&s.job)
	case "subworkflow":
		s.kind = StepSubworkflow
		return val.Decode(&s.subworkflow)
	case "or":
		s.kind = StepOr
		return val.Decode(&s.kids)
	case "and":
		s.kind = StepAnd
		return val.Decode(&s.kids)
	default:
		return fmt.Errorf("%w: unknown step key %q (line %d)", ErrPipelineConfig, key, node.Line)
	}
}

// Load reads and compiles the pipeline file at path. Any unknown job or
// subworkflow reference aborts with a diagnostic wrapping ErrPipelineConfig.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: cannot read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a compiled Spec from raw YAML bytes.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("pipeline: %w: %v", ErrPipelineConfig, err)
	}

	spec.byID = make(map[string]*Pipeline, len(spec.Pipelines))
	for _, p := range spec.Pipelines {
		if p.ID == "" {
			return nil, fmt.Errorf("pipeline: %w: pipeline id is required", ErrPipelineConfig)
		}
		if _, dup := spec.byID[p.ID]; dup {
			return nil, fmt.Errorf("pipeline: %w: duplicate pipeline id %q", ErrPipelineConfig, p.ID)
		}
		if err := p.compile(); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", p.ID, err)
		}
		spec.byID[p.ID] = p
	}
	return &spec, nil
}

// Get returns the pipeline with the given id.
func (s *Spec) Get(id string) (*Pipeline, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// compile merges the jobs/tasks alias lists, indexes jobs, and lowers the
// recursive step nodes into the arena with an implicit And root over the
// top-level sequence.
func (p *Pipeline) compile() error {
	p.Jobs = append(p.Jobs, p.Tasks...)
	p.Tasks = nil

	p.jobs = make(map[string]*Job, len(p.Jobs))
	for i := range p.Jobs {
		j := &p.Jobs[i]
		if j.ID == "" {
			return fmt.Errorf("%w: job id is required", ErrPipelineConfig)
		}
		if _, dup := p.jobs[j.ID]; dup {
			return fmt.Errorf("%w: duplicate job id %q", ErrPipelineConfig, j.ID)
		}
		for _, sr := range j.SpecializedRules {
			if sr.Rule == "" {
				return fmt.Errorf("%w: job %q: specialized rule needs a rule name", ErrPipelineConfig, j.ID)
			}
			if !sr.Condition.Valid() {
				return fmt.Errorf("%w: job %q: specialized rule %q needs a condition", ErrPipelineConfig, j.ID, sr.Rule)
			}
		}
		p.jobs[j.ID] = j
	}

	subs := make(map[string]*Subworkflow, len(p.Subworkflows))
	for i := range p.Subworkflows {
		sw := &p.Subworkflows[i]
		if _, dup := subs[sw.ID]; dup {
			return fmt.Errorf("%w: duplicate subworkflow id %q", ErrPipelineConfig, sw.ID)
		}
		subs[sw.ID] = sw
	}

	c := &compiler{pipeline: p, subs: subs, expanding: make(map[string]bool)}
	rootKids, err := c.lowerSeq(p.Steps)
	if err != nil {
		return err
	}
	p.root = c.alloc(StepExpr{Kind: StepAnd, Children: rootKids})
	p.Steps = nil
	return nil
}

// Root returns the arena index of the implicit top-level And node.
func (p *Pipeline) Root() StepID { return p.root }

// Step returns the compiled node at id.
func (p *Pipeline) Step(id StepID) *StepExpr { return &p.arena[id] }

// ArenaLen returns the number of compiled step nodes.
func (p *Pipeline) ArenaLen() int { return len(p.arena) }

// Job returns the job definition with the given id.
func (p *Pipeline) Job(id string) (*Job, bool) {
	j, ok := p.jobs[id]
	return j, ok
}

// compiler lowers stepNode trees into the pipeline arena, expanding
// subworkflow references and rejecting cycles.
type compiler struct {
	pipeline  *Pipeline
	subs      map[string]*Subworkflow
	expanding map[string]bool
}

func (c *compiler) alloc(e StepExpr) StepID {
	c.pipeline.arena = append(c.pipeline.arena, e)
	return StepID(len(c.pipeline.arena) - 1)
}

func (c *compiler) lowerSeq(nodes []stepNode) ([]StepID, error) {
	ids := make([]StepID, 0, len(nodes))
	for i := range nodes {
		id, err := c.lower(&nodes[i])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *compiler) lower(n *stepNode) (StepID, error) {
	switch n.kind {
	case StepTask, StepOptionalTask:
		if _, ok := c.pipeline.jobs[n.job]; !ok {
			return 0, fmt.Errorf("%w: step references unknown job %q", ErrPipelineConfig, n.job)
		}
		return c.alloc(StepExpr{Kind: n.kind, JobID: n.job}), nil

	case StepSubworkflow:
		sw, ok := c.subs[n.subworkflow]
		if !ok {
			return 0, fmt.Errorf("%w: step references unknown subworkflow %q", ErrPipelineConfig, n.subworkflow)
		}
		if c.expanding[sw.ID] {
			return 0, fmt.Errorf("%w: subworkflow cycle through %q", ErrPipelineConfig, sw.ID)
		}
		c.expanding[sw.ID] = true
		kids, err := c.lowerSeq(sw.Steps)
		delete(c.expanding, sw.ID)
		if err != nil {
			return 0, err
		}
		return c.alloc(StepExpr{Kind: StepSubworkflow, Subworkflow: sw.ID, Children: kids}), nil

	case StepOr, StepAnd:
		if len(n.kids) == 0 {
			return 0, fmt.Errorf("%w: or/and requires at least one child", ErrPipelineConfig)
		}
		kids, err := c.lowerSeq(n.kids)
		if err != nil {
			return 0, err
		}
		return c.alloc(StepExpr{Kind: n.kind, Children: kids}), nil
	}
	return 0, fmt.Errorf("%w: empty step expression", ErrPipelineConfig)
}
