// Package workflow compiles YAML workflow specs into validated DAGs and
// executes them level-parallel, delegating each job to the job manager.
package workflow

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treksavvysky/OrcaOps/pkg/condition"
	"github.com/treksavvysky/OrcaOps/pkg/dag"
	"github.com/treksavvysky/OrcaOps/schemas"
	"github.com/treksavvysky/OrcaOps/services"
)

// Status is the workflow lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusPartial   Status = "PARTIAL"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the workflow status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusPartial, StatusCancelled:
		return true
	}
	return false
}

// OnComplete gates a job on its upstream outcomes.
const (
	OnSuccess = "success"
	OnFailure = "failure"
	OnAlways  = "always"
)

// Job is one node of the workflow graph.
type Job struct {
	Name            string            `json:"name" yaml:"-"`
	Image           string            `json:"image" yaml:"image"`
	Commands        []string          `json:"commands" yaml:"commands"`
	Requires        []string          `json:"requires,omitempty" yaml:"requires"`
	ParallelWith    []string          `json:"parallel_with,omitempty" yaml:"parallel_with"`
	IfCondition     string            `json:"if,omitempty" yaml:"if"`
	UnlessCondition string            `json:"unless,omitempty" yaml:"unless"`
	OnComplete      string            `json:"on_complete,omitempty" yaml:"on_complete"`
	Services        ServiceMap        `json:"services,omitempty" yaml:"services"`
	Artifacts       []string          `json:"artifacts,omitempty" yaml:"artifacts"`
	TimeoutSeconds  int               `json:"timeout,omitempty" yaml:"timeout"`
	Env             map[string]string `json:"env,omitempty" yaml:"env"`
	Matrix          *MatrixConfig     `json:"matrix,omitempty" yaml:"matrix"`
}

// ServiceMap accepts both the mapping form and the shorthand list form
// ("services: [postgres:15, redis:7]").
type ServiceMap map[string]services.Definition

func (m *ServiceMap) UnmarshalYAML(node *yaml.Node) error {
	out := make(map[string]services.Definition)
	switch node.Kind {
	case yaml.MappingNode:
		var raw map[string]services.Definition
		if err := node.Decode(&raw); err != nil {
			return err
		}
		out = raw
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		for _, image := range items {
			out[serviceAlias(image)] = services.Definition{Image: image}
		}
	default:
		return fmt.Errorf("services: expected mapping or list")
	}
	*m = out
	return nil
}

func serviceAlias(image string) string {
	name := image
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i]
	}
	return name
}

// Spec is a named workflow graph.
type Spec struct {
	Name           string            `json:"name" yaml:"name"`
	Description    string            `json:"description,omitempty" yaml:"description"`
	Env            map[string]string `json:"env,omitempty" yaml:"env"`
	Jobs           map[string]*Job   `json:"jobs" yaml:"jobs"`
	TimeoutSeconds int               `json:"timeout,omitempty" yaml:"timeout"`
	CleanupPolicy  string            `json:"cleanup_policy,omitempty" yaml:"cleanup_policy"`
}

// CompileFile loads and validates a workflow spec from YAML.
func CompileFile(path string) (*Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return CompileBytes(b)
}

// CompileBytes parses and validates a workflow spec.
func CompileBytes(b []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(b, &spec); err != nil {
		return nil, fmt.Errorf("workflow: parse: %w", err)
	}
	for name, job := range spec.Jobs {
		if job == nil {
			return nil, fmt.Errorf("workflow: job %q is empty", name)
		}
		job.Name = name
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the graph shape before anything executes: names
// resolve, the gate expressions parse, and the graph is acyclic.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("workflow: name is required")
	}
	if len(s.Jobs) == 0 {
		return fmt.Errorf("workflow: at least one job is required")
	}

	for name, job := range s.Jobs {
		if job.Image == "" {
			return fmt.Errorf("workflow: job %q: image is required", name)
		}
		if len(job.Commands) == 0 {
			return fmt.Errorf("workflow: job %q: commands cannot be empty", name)
		}
		for _, dep := range job.Requires {
			if _, ok := s.Jobs[dep]; !ok {
				return fmt.Errorf("workflow: job %q requires unknown job %q", name, dep)
			}
		}
		// parallel_with names must resolve; scheduling already co-levels
		// jobs with equal dependency sets, so the field adds no edges.
		for _, peer := range job.ParallelWith {
			if _, ok := s.Jobs[peer]; !ok {
				return fmt.Errorf("workflow: job %q parallel_with unknown job %q", name, peer)
			}
		}
		switch job.OnComplete {
		case "", OnSuccess, OnFailure, OnAlways:
		default:
			return fmt.Errorf("workflow: job %q: on_complete must be success, failure, or always", name)
		}
		if job.IfCondition != "" {
			if err := condition.Validate(job.IfCondition); err != nil {
				return fmt.Errorf("workflow: job %q: %w", name, err)
			}
		}
		if job.UnlessCondition != "" {
			if err := condition.Validate(job.UnlessCondition); err != nil {
				return fmt.Errorf("workflow: job %q: %w", name, err)
			}
		}
	}

	graph := dag.NewGraph()
	for name := range s.Jobs {
		if err := graph.AddVertex(name); err != nil {
			return err
		}
	}
	for name, job := range s.Jobs {
		for _, dep := range job.Requires {
			if err := graph.AddEdge(dep, name); err != nil && err != dag.ErrEdgeExist {
				return err
			}
		}
	}
	if err := graph.Validate(); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	return nil
}

// Levels computes the execution levels of the validated graph.
func (s *Spec) Levels() [][]string {
	graph := dag.NewGraph()
	for name := range s.Jobs {
		graph.AddVertex(name)
	}
	for name, job := range s.Jobs {
		for _, dep := range job.Requires {
			graph.AddEdge(dep, name)
		}
	}
	return graph.Levels()
}

// JobState tracks one (possibly matrix-expanded) workflow job.
type JobState struct {
	JobName    string            `json:"job_name"`
	JobID      string            `json:"job_id,omitempty"`
	Status     schemas.JobStatus `json:"status"`
	MatrixKey  string            `json:"matrix_key,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Record is the persistent workflow execution state.
type Record struct {
	WorkflowID  string               `json:"workflow_id"`
	SpecName    string               `json:"spec_name"`
	Status      Status               `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
	JobStatuses map[string]*JobState `json:"job_statuses"`
	JobRunIDs   map[string]string    `json:"job_run_ids"`
	Env         map[string]string    `json:"env,omitempty"`
	TriggeredBy string               `json:"triggered_by,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Clone returns a snapshot safe to hand across locks.
func (r *Record) Clone() *Record {
	cp := *r
	cp.JobStatuses = make(map[string]*JobState, len(r.JobStatuses))
	for k, v := range r.JobStatuses {
		s := *v
		cp.JobStatuses[k] = &s
	}
	cp.JobRunIDs = make(map[string]string, len(r.JobRunIDs))
	for k, v := range r.JobRunIDs {
		cp.JobRunIDs[k] = v
	}
	return &cp
}
