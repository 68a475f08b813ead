package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/treksavvysky/OrcaOps/audit"
)

// registryCap bounds in-memory workflow entries.
const registryCap = 100

// ErrWorkflowExists rejects duplicate workflow ids.
var ErrWorkflowExists = errors.New("workflow already exists")

// ErrWorkflowNotFound is returned for unknown workflow ids.
var ErrWorkflowNotFound = errors.New("workflow not found")

type workflowEntry struct {
	mu     sync.Mutex
	record *Record

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func (e *workflowEntry) snapshot() *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone()
}

// Manager mirrors the job manager for workflows: submission, registry,
// cancellation, and atomic persistence under workflows/<id>/workflow.json.
type Manager struct {
	runner *Runner
	store  *Store
	audit  *audit.Logger
	log    *logrus.Entry

	mu        sync.Mutex
	workflows map[string]*workflowEntry
}

func NewManager(runner *Runner, store *Store, auditLog *audit.Logger, log *logrus.Entry) *Manager {
	return &Manager{
		runner:    runner,
		store:     store,
		audit:     auditLog,
		log:       log,
		workflows: make(map[string]*workflowEntry),
	}
}

// Submit validates the spec and starts its executor. The returned record
// is the initial PENDING snapshot.
func (m *Manager) Submit(spec *Spec, workflowID, triggeredBy string) (*Record, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if workflowID == "" {
		workflowID = "wf-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	}

	entry := &workflowEntry{
		record: &Record{
			WorkflowID:  workflowID,
			SpecName:    spec.Name,
			Status:      StatusPending,
			CreatedAt:   time.Now().UTC(),
			JobStatuses: make(map[string]*JobState),
			JobRunIDs:   make(map[string]string),
			Env:         spec.Env,
			TriggeredBy: triggeredBy,
		},
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.workflows[workflowID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWorkflowExists, workflowID)
	}
	m.workflows[workflowID] = entry
	m.mu.Unlock()

	m.audit.LogAction("", "system", "workflow_manager", audit.ActionWorkflowCreated,
		"workflow", workflowID, audit.OutcomeSuccess,
		map[string]string{"spec_name": spec.Name})

	go m.execute(entry, spec, workflowID, triggeredBy)

	return entry.snapshot(), nil
}

func (m *Manager) execute(entry *workflowEntry, spec *Spec, workflowID, triggeredBy string) {
	defer close(entry.done)

	final := m.runner.Run(spec, workflowID, entry.cancel, triggeredBy)

	entry.mu.Lock()
	entry.record = final
	entry.mu.Unlock()

	if err := m.store.Put(final); err != nil {
		m.log.WithError(err).Errorf("persist workflow %s", workflowID)
	}
	m.evict()
}

// Get returns the record from memory, falling back to disk.
func (m *Manager) Get(workflowID string) *Record {
	m.mu.Lock()
	entry, ok := m.workflows[workflowID]
	m.mu.Unlock()
	if ok {
		return entry.snapshot()
	}
	return m.store.Get(workflowID)
}

// List returns in-memory records newest first, optionally by status.
func (m *Manager) List(status Status) []*Record {
	m.mu.Lock()
	entries := make([]*workflowEntry, 0, len(m.workflows))
	for _, e := range m.workflows {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var records []*Record
	for _, e := range entries {
		rec := e.snapshot()
		if status == "" || rec.Status == status {
			records = append(records, rec)
		}
	}
	slices.SortFunc(records, func(a, b *Record) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return records
}

// Cancel sets the workflow's cancel signal; the runner propagates it to
// every in-flight job it owns.
func (m *Manager) Cancel(workflowID string) (*Record, error) {
	m.mu.Lock()
	entry, ok := m.workflows[workflowID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	entry.cancelOnce.Do(func() { close(entry.cancel) })
	return entry.snapshot(), nil
}

// Wait blocks until the workflow terminates or the timeout passes.
func (m *Manager) Wait(workflowID string, timeout time.Duration) *Record {
	m.mu.Lock()
	entry, ok := m.workflows[workflowID]
	m.mu.Unlock()
	if !ok {
		return m.store.Get(workflowID)
	}
	select {
	case <-entry.done:
	case <-time.After(timeout):
	}
	return entry.snapshot()
}

// Shutdown cancels every in-flight workflow and waits up to timeout.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	entries := make([]*workflowEntry, 0, len(m.workflows))
	for _, e := range m.workflows {
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

func (m *Manager) evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.workflows) <= registryCap {
		return
	}
	for id, e := range m.workflows {
		e.mu.Lock()
		terminal := e.record.Status.IsTerminal()
		e.mu.Unlock()
		if terminal {
			delete(m.workflows, id)
			if len(m.workflows) <= registryCap {
				return
			}
		}
	}
}

// Store persists workflow records, one directory per workflow.
type Store struct {
	dir string
	log *logrus.Entry
}

func NewStore(dir string, log *logrus.Entry) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workflow: create store dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Put atomically replaces workflow.json for the record.
func (s *Store) Put(record *Record) error {
	dir := filepath.Join(s.dir, record.WorkflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workflow: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("workflow: marshal %s: %w", record.WorkflowID, err)
	}
	tmp, err := os.CreateTemp(dir, ".workflow-*.tmp")
	if err != nil {
		return fmt.Errorf("workflow: temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("workflow: write %s: %w", record.WorkflowID, err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, "workflow.json"))
}

// Get loads one record, nil when absent.
func (s *Store) Get(workflowID string) *Record {
	data, err := os.ReadFile(filepath.Join(s.dir, workflowID, "workflow.json"))
	if err != nil {
		return nil
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		s.log.WithError(err).Warnf("workflow: unreadable record for %s", workflowID)
		return nil
	}
	return &record
}

// List scans every workflow directory, newest first.
func (s *Store) List() []*Record {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var records []*Record
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if rec := s.Get(entry.Name()); rec != nil {
			records = append(records, rec)
		}
	}
	slices.SortFunc(records, func(a, b *Record) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return records
}

// Delete removes a workflow directory.
func (s *Store) Delete(workflowID string) bool {
	dir := filepath.Join(s.dir, workflowID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return false
	}
	return os.RemoveAll(dir) == nil
}
