// Package audit is the append-only event stream: one JSONL file per local
// date, one writer mutex, line-atomic appends.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Action names what happened.
type Action string

const (
	ActionJobCreated      Action = "job.created"
	ActionJobDenied       Action = "job.denied"
	ActionJobCompleted    Action = "job.completed"
	ActionWorkflowCreated Action = "workflow.created"
	ActionPolicyViolated  Action = "policy.violated"
	ActionWorkspaceCreate Action = "workspace.created"
	ActionWorkspaceUpdate Action = "workspace.updated"
)

// Outcome grades the event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Event is one audit record.
type Event struct {
	EventID      string            `json:"event_id"`
	Timestamp    time.Time         `json:"timestamp"`
	WorkspaceID  string            `json:"workspace_id"`
	ActorType    string            `json:"actor_type"`
	ActorID      string            `json:"actor_id"`
	Action       Action            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Details      map[string]string `json:"details,omitempty"`
	Outcome      Outcome           `json:"outcome"`
}

// Logger appends events; Query reads them back.
type Logger struct {
	dir string
	mu  sync.Mutex
	log *logrus.Entry
}

func NewLogger(dir string, log *logrus.Entry) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	return &Logger{dir: dir, log: log}, nil
}

// Log appends the event to the date-partitioned file. The whole line is
// written under the lock so a reader never sees a torn record.
func (l *Logger) Log(event Event) {
	if event.EventID == "" {
		event.EventID = "evt_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		l.log.WithError(err).Error("audit: marshal event")
		return
	}
	path := filepath.Join(l.dir, event.Timestamp.Local().Format("2006-01-02")+".jsonl")

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.log.WithError(err).Error("audit: open stream")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		l.log.WithError(err).Error("audit: append event")
	}
}

// LogAction builds and appends an event in one call, returning it.
func (l *Logger) LogAction(workspaceID, actorType, actorID string, action Action, resourceType, resourceID string, outcome Outcome, details map[string]string) Event {
	event := Event{
		EventID:      "evt_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		Timestamp:    time.Now().UTC(),
		WorkspaceID:  workspaceID,
		ActorType:    actorType,
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		Outcome:      outcome,
	}
	l.Log(event)
	return event
}

// QueryFilter narrows a Query.
type QueryFilter struct {
	WorkspaceID  string
	ActorID      string
	Action       Action
	ResourceType string
	ResourceID   string
	After        time.Time
	Before       time.Time
}

// Query scans the daily files newest-first and returns matching events
// plus the total match count.
func (l *Logger) Query(filter QueryFilter, limit, offset int) ([]Event, int) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, 0
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day := strings.TrimSuffix(name, ".jsonl")
		if !filter.After.IsZero() && day < filter.After.Local().Format("2006-01-02") {
			continue
		}
		if !filter.Before.IsZero() && day > filter.Before.Local().Format("2006-01-02") {
			continue
		}
		files = append(files, filepath.Join(l.dir, name))
	}
	slices.Sort(files)

	var events []Event
	// Reverse chronological: newest file first, then newest line first.
	for i := len(files) - 1; i >= 0; i-- {
		var fileEvents []Event
		f, err := os.Open(files[i])
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				continue
			}
			if matches(e, filter) {
				fileEvents = append(fileEvents, e)
			}
		}
		f.Close()
		for j := len(fileEvents) - 1; j >= 0; j-- {
			events = append(events, fileEvents[j])
		}
	}

	total := len(events)
	if offset >= total {
		return nil, total
	}
	events = events[offset:]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, total
}

// Cleanup deletes daily files older than the retention window, returning
// how many were removed.
func (l *Logger) Cleanup(olderThan time.Duration) int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-olderThan).Local().Format("2006-01-02")
	deleted := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if strings.TrimSuffix(name, ".jsonl") < cutoff {
			if err := os.Remove(filepath.Join(l.dir, name)); err == nil {
				deleted++
			}
		}
	}
	return deleted
}

func matches(e Event, f QueryFilter) bool {
	if f.WorkspaceID != "" && e.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if !f.After.IsZero() && e.Timestamp.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && e.Timestamp.After(f.Before) {
		return false
	}
	return true
}
