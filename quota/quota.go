// Package quota enforces per-workspace concurrency and daily-usage caps.
// One tracker per process; all operations are check-and-reserve under a
// single mutex so limits can never be raced past.
package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/treksavvysky/OrcaOps/workspace"
)

// Kind selects which counter a reservation consumes.
type Kind string

const (
	KindJob     Kind = "job"
	KindSandbox Kind = "sandbox"
)

// ErrQuotaExceeded wraps every refusal so callers can branch on it.
type ErrQuotaExceeded struct {
	WorkspaceID string
	Reason      string
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("quota exceeded for workspace %s: %s", e.WorkspaceID, e.Reason)
}

// Usage is a point-in-time snapshot of one workspace's consumption.
type Usage struct {
	WorkspaceID      string `json:"workspace_id"`
	RunningJobs      int    `json:"running_jobs"`
	RunningSandboxes int    `json:"running_sandboxes"`
	JobsToday        int    `json:"jobs_today"`
}

type counters struct {
	runningJobs      int
	runningSandboxes int
	jobsToday        int
	day              string
}

// Tracker is the process-wide quota state.
type Tracker struct {
	mu  sync.Mutex
	ws  map[string]*counters
	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		ws:  make(map[string]*counters),
		now: time.Now,
	}
}

// SetClock overrides the time source; tests use it to cross midnight.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *Tracker) day() string {
	return t.now().Local().Format("2006-01-02")
}

func (t *Tracker) counters(workspaceID string) *counters {
	c, ok := t.ws[workspaceID]
	if !ok {
		c = &counters{day: t.day()}
		t.ws[workspaceID] = c
	}
	if c.day != t.day() {
		c.day = t.day()
		c.jobsToday = 0
	}
	return c
}

// CheckAndReserve atomically verifies the workspace limits and increments
// the matching counters. Each successful reservation must be balanced by
// exactly one Release.
func (t *Tracker) CheckAndReserve(ws *workspace.Workspace, kind Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.counters(ws.ID)
	switch kind {
	case KindJob:
		if c.runningJobs >= ws.Limits.MaxConcurrentJobs {
			return &ErrQuotaExceeded{
				WorkspaceID: ws.ID,
				Reason:      fmt.Sprintf("concurrent job limit reached: %d/%d", c.runningJobs, ws.Limits.MaxConcurrentJobs),
			}
		}
		if ws.Limits.DailyJobLimit != nil && c.jobsToday >= *ws.Limits.DailyJobLimit {
			return &ErrQuotaExceeded{
				WorkspaceID: ws.ID,
				Reason:      fmt.Sprintf("daily job limit reached: %d/%d", c.jobsToday, *ws.Limits.DailyJobLimit),
			}
		}
		c.runningJobs++
		c.jobsToday++
	case KindSandbox:
		if c.runningSandboxes >= ws.Limits.MaxConcurrentSandboxes {
			return &ErrQuotaExceeded{
				WorkspaceID: ws.ID,
				Reason:      fmt.Sprintf("concurrent sandbox limit reached: %d/%d", c.runningSandboxes, ws.Limits.MaxConcurrentSandboxes),
			}
		}
		c.runningSandboxes++
	default:
		return fmt.Errorf("unknown quota kind %q", kind)
	}
	return nil
}

// Release decrements a reservation.
func (t *Tracker) Release(workspaceID string, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.counters(workspaceID)
	switch kind {
	case KindJob:
		if c.runningJobs > 0 {
			c.runningJobs--
		}
	case KindSandbox:
		if c.runningSandboxes > 0 {
			c.runningSandboxes--
		}
	}
}

// GetUsage returns the current snapshot for a workspace.
func (t *Tracker) GetUsage(workspaceID string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.counters(workspaceID)
	return Usage{
		WorkspaceID:      workspaceID,
		RunningJobs:      c.runningJobs,
		RunningSandboxes: c.runningSandboxes,
		JobsToday:        c.jobsToday,
	}
}

// RolloverDaily forces the date-change tick; the maintenance cron calls it
// every minute so idle workspaces report fresh counters within a minute of
// local midnight.
func (t *Tracker) RolloverDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.ws {
		if c.day != t.day() {
			c.day = t.day()
			c.jobsToday = 0
		}
	}
}
