// Package manager is the job lifecycle layer: admission (policy, quota),
// one executor goroutine per job, the in-memory registry with run-store
// fallback, cancellation, eviction, and startup reconciliation.
package manager

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/treksavvysky/OrcaOps/audit"
	"github.com/treksavvysky/OrcaOps/backend"
	"github.com/treksavvysky/OrcaOps/metrics"
	"github.com/treksavvysky/OrcaOps/policy"
	"github.com/treksavvysky/OrcaOps/quota"
	"github.com/treksavvysky/OrcaOps/runner"
	"github.com/treksavvysky/OrcaOps/runstore"
	"github.com/treksavvysky/OrcaOps/schemas"
	"github.com/treksavvysky/OrcaOps/workspace"
)

// registryCap bounds in-memory entries; terminal entries beyond it are
// evicted and served from the run store.
const registryCap = 100

// ErrJobExists rejects duplicate submissions for a job id.
var ErrJobExists = errors.New("job already exists")

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// PolicyDeniedError carries the violations behind a refusal.
type PolicyDeniedError struct {
	JobID      string
	Violations []string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("job %s denied by policy: %s", e.JobID, strings.Join(e.Violations, "; "))
}

// Actor identifies who asked for an operation; it flows into audit events.
type Actor struct {
	Type string
	ID   string
}

// SystemActor is used for internally triggered operations.
var SystemActor = Actor{Type: "system", ID: "job_manager"}

type jobEntry struct {
	spec   *schemas.JobSpec
	mu     sync.Mutex
	record *schemas.RunRecord

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func (e *jobEntry) snapshot() *schemas.RunRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone()
}

// Manager owns job admission and the executor registry.
type Manager struct {
	runner     *runner.Runner
	store      *runstore.Store
	workspaces *workspace.Registry
	policy     *policy.SecurityPolicy
	quota      *quota.Tracker
	audit      *audit.Logger
	metrics    *metrics.Metrics
	log        *logrus.Entry

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

// Config wires a Manager.
type Config struct {
	Runner     *runner.Runner
	Store      *runstore.Store
	Workspaces *workspace.Registry
	Policy     *policy.SecurityPolicy
	Quota      *quota.Tracker
	Audit      *audit.Logger
	Metrics    *metrics.Metrics
	Logger     *logrus.Entry
}

func New(cfg Config) *Manager {
	return &Manager{
		runner:     cfg.Runner,
		store:      cfg.Store,
		workspaces: cfg.Workspaces,
		policy:     cfg.Policy,
		quota:      cfg.Quota,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		jobs:       make(map[string]*jobEntry),
	}
}

// Submit admits a job and spawns its executor. The returned record is the
// initial QUEUED snapshot.
func (m *Manager) Submit(spec *schemas.JobSpec, actor Actor) (*schemas.RunRecord, error) {
	if spec.JobID == "" {
		spec.JobID = "job-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job spec: %w", err)
	}

	ws := m.resolveWorkspace(spec)
	if ws == nil {
		return nil, fmt.Errorf("workspace %q not found", spec.WorkspaceID)
	}
	spec.WorkspaceID = ws.ID
	clampTTL(spec, ws)

	engine := policy.NewEngine(m.policy, ws)
	if result := engine.ValidateJob(spec); !result.Allowed {
		m.audit.LogAction(ws.ID, actor.Type, actor.ID, audit.ActionPolicyViolated,
			"job", spec.JobID, audit.OutcomeDenied,
			map[string]string{"violations": strings.Join(result.Violations, "; ")})
		m.audit.LogAction(ws.ID, actor.Type, actor.ID, audit.ActionJobDenied,
			"job", spec.JobID, audit.OutcomeDenied,
			map[string]string{"reason": "policy"})
		m.metrics.JobDenied("policy")
		return nil, &PolicyDeniedError{JobID: spec.JobID, Violations: result.Violations}
	}

	if err := m.quota.CheckAndReserve(ws, quota.KindJob); err != nil {
		m.audit.LogAction(ws.ID, actor.Type, actor.ID, audit.ActionJobDenied,
			"job", spec.JobID, audit.OutcomeDenied,
			map[string]string{"reason": err.Error()})
		m.metrics.JobDenied("quota")
		return nil, err
	}

	entry := &jobEntry{
		spec: spec,
		record: &schemas.RunRecord{
			JobID:       spec.JobID,
			Spec:        spec,
			Status:      schemas.StatusQueued,
			CreatedAt:   time.Now().UTC(),
			Fingerprint: spec.Fingerprint(),
			Steps:       []schemas.StepResult{},
			Artifacts:   []schemas.ArtifactMetadata{},
			Anomalies:   []schemas.Anomaly{},
		},
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.jobs[spec.JobID]; exists {
		m.mu.Unlock()
		m.quota.Release(ws.ID, quota.KindJob)
		return nil, fmt.Errorf("%w: %s", ErrJobExists, spec.JobID)
	}
	m.jobs[spec.JobID] = entry
	m.mu.Unlock()

	m.audit.LogAction(ws.ID, actor.Type, actor.ID, audit.ActionJobCreated,
		"job", spec.JobID, audit.OutcomeSuccess, nil)
	m.metrics.JobSubmitted(ws.ID)

	go m.execute(entry, ws, actor)

	return entry.snapshot(), nil
}

func (m *Manager) execute(entry *jobEntry, ws *workspace.Workspace, actor Actor) {
	defer close(entry.done)

	engine := policy.NewEngine(m.policy, ws)
	opts := engine.ContainerSecurityOpts()
	record := m.runner.Run(entry.spec, runner.RunOptions{
		Workspace: ws,
		Security: backend.SecurityOpts{
			DropCapabilities: opts.DropCapabilities,
			NoNewPrivileges:  opts.NoNewPrivileges,
			ReadOnlyRootFS:   opts.ReadOnlyRootFS,
		},
		Cancel: entry.cancel,
	})

	entry.mu.Lock()
	entry.record = record
	entry.mu.Unlock()

	m.quota.Release(ws.ID, quota.KindJob)

	outcome := audit.OutcomeSuccess
	if record.Status != schemas.StatusSuccess {
		outcome = audit.OutcomeError
	}
	m.audit.LogAction(ws.ID, actor.Type, actor.ID, audit.ActionJobCompleted,
		"job", entry.spec.JobID, outcome,
		map[string]string{"status": string(record.Status)})
	m.metrics.JobCompleted(ws.ID, string(record.Status), record.Duration().Seconds())

	m.evict()
}

// Get returns the record from memory, falling back to the run store.
func (m *Manager) Get(jobID string) *schemas.RunRecord {
	m.mu.Lock()
	entry, ok := m.jobs[jobID]
	m.mu.Unlock()
	if ok {
		return entry.snapshot()
	}
	return m.store.Get(jobID)
}

// List returns in-memory records newest first, optionally by status.
func (m *Manager) List(status schemas.JobStatus) []*schemas.RunRecord {
	m.mu.Lock()
	entries := make([]*jobEntry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var records []*schemas.RunRecord
	for _, e := range entries {
		rec := e.snapshot()
		if status == "" || rec.Status == status {
			records = append(records, rec)
		}
	}
	slices.SortFunc(records, func(a, b *schemas.RunRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return records
}

// Cancel sets the job's cancel signal. The executor observes it between
// steps and at watchdog ticks; the container stop makes it forceful.
func (m *Manager) Cancel(jobID string) (*schemas.RunRecord, error) {
	m.mu.Lock()
	entry, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	entry.cancelOnce.Do(func() { close(entry.cancel) })
	return entry.snapshot(), nil
}

// Wait blocks until the job reaches a terminal state or the timeout
// passes, returning the final record.
func (m *Manager) Wait(jobID string, timeout time.Duration) *schemas.RunRecord {
	m.mu.Lock()
	entry, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return m.store.Get(jobID)
	}
	select {
	case <-entry.done:
	case <-time.After(timeout):
	}
	return entry.snapshot()
}

// Shutdown cancels every in-flight job and waits up to timeout.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	entries := make([]*jobEntry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.cancelOnce.Do(func() { close(e.cancel) })
	}
	deadline := time.After(timeout)
	for _, e := range entries {
		select {
		case <-e.done:
		case <-deadline:
			return
		}
	}
}

// Reconcile marks non-terminal records from a previous process FAILED
// with reason orphaned. Called once at startup, before any submission.
func (m *Manager) Reconcile() int {
	records, _ := m.store.List(runstore.Filter{}, 0, 0)
	count := 0
	for _, record := range records {
		if record.Status.IsTerminal() {
			continue
		}
		record.Status = schemas.StatusFailed
		record.Error = "orphaned"
		if record.FinishedAt == nil {
			now := time.Now().UTC()
			record.FinishedAt = &now
		}
		if err := m.store.Put(record); err != nil {
			m.log.WithError(err).Warnf("reconcile: persist %s", record.JobID)
			continue
		}
		wsID := record.JobID
		if record.Spec != nil {
			wsID = record.Spec.WorkspaceID
		}
		m.audit.LogAction(wsID, SystemActor.Type, SystemActor.ID, audit.ActionJobCompleted,
			"job", record.JobID, audit.OutcomeError,
			map[string]string{"status": string(schemas.StatusFailed), "reason": "orphaned"})
		count++
	}
	if count > 0 {
		m.log.Warnf("reconciled %d orphaned run(s)", count)
	}
	return count
}

func (m *Manager) evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) <= registryCap {
		return
	}
	for id, e := range m.jobs {
		e.mu.Lock()
		terminal := e.record.Status.IsTerminal()
		e.mu.Unlock()
		if terminal {
			delete(m.jobs, id)
			if len(m.jobs) <= registryCap {
				return
			}
		}
	}
}

func (m *Manager) resolveWorkspace(spec *schemas.JobSpec) *workspace.Workspace {
	if spec.WorkspaceID == "" {
		ws, err := m.workspaces.Default()
		if err != nil {
			return nil
		}
		return ws
	}
	return m.workspaces.Get(spec.WorkspaceID)
}

// clampTTL bounds the requested TTL by the workspace ceilings.
func clampTTL(spec *schemas.JobSpec, ws *workspace.Workspace) {
	if ws.Settings.MaxJobTimeout > 0 && spec.TTLSeconds > ws.Settings.MaxJobTimeout {
		spec.TTLSeconds = ws.Settings.MaxJobTimeout
	}
	if ws.Limits.MaxJobDurationSeconds > 0 && spec.TTLSeconds > ws.Limits.MaxJobDurationSeconds {
		spec.TTLSeconds = ws.Limits.MaxJobDurationSeconds
	}
	if spec.Cleanup == "" && ws.Settings.DefaultCleanupPolicy != "" {
		spec.Cleanup = schemas.CleanupPolicy(ws.Settings.DefaultCleanupPolicy)
	}
}
