package quota

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/OrcaOps/workspace"
)

func testWorkspace(maxJobs int) *workspace.Workspace {
	return &workspace.Workspace{
		ID: "ws_test",
		Limits: workspace.ResourceLimits{
			MaxConcurrentJobs:      maxJobs,
			MaxConcurrentSandboxes: 2,
		},
	}
}

func TestReserveAndRelease(t *testing.T) {
	tr := NewTracker()
	ws := testWorkspace(2)

	require.NoError(t, tr.CheckAndReserve(ws, KindJob))
	require.NoError(t, tr.CheckAndReserve(ws, KindJob))

	err := tr.CheckAndReserve(ws, KindJob)
	require.Error(t, err)
	var quotaErr *ErrQuotaExceeded
	assert.ErrorAs(t, err, &quotaErr)

	tr.Release(ws.ID, KindJob)
	assert.NoError(t, tr.CheckAndReserve(ws, KindJob))

	usage := tr.GetUsage(ws.ID)
	assert.Equal(t, 2, usage.RunningJobs)
	assert.Equal(t, 3, usage.JobsToday)
}

func TestSandboxKind(t *testing.T) {
	tr := NewTracker()
	ws := testWorkspace(10)

	require.NoError(t, tr.CheckAndReserve(ws, KindSandbox))
	require.NoError(t, tr.CheckAndReserve(ws, KindSandbox))
	assert.Error(t, tr.CheckAndReserve(ws, KindSandbox))

	usage := tr.GetUsage(ws.ID)
	assert.Equal(t, 2, usage.RunningSandboxes)
	assert.Equal(t, 0, usage.JobsToday)
}

func TestDailyLimit(t *testing.T) {
	tr := NewTracker()
	limit := 2
	ws := testWorkspace(10)
	ws.Limits.DailyJobLimit = &limit

	require.NoError(t, tr.CheckAndReserve(ws, KindJob))
	tr.Release(ws.ID, KindJob)
	require.NoError(t, tr.CheckAndReserve(ws, KindJob))
	tr.Release(ws.ID, KindJob)

	// Third job of the day is refused even with zero running.
	assert.Error(t, tr.CheckAndReserve(ws, KindJob))
}

func TestDailyRollover(t *testing.T) {
	tr := NewTracker()
	limit := 1
	ws := testWorkspace(10)
	ws.Limits.DailyJobLimit = &limit

	now := time.Date(2025, 6, 1, 23, 0, 0, 0, time.Local)
	tr.SetClock(func() time.Time { return now })

	require.NoError(t, tr.CheckAndReserve(ws, KindJob))
	tr.Release(ws.ID, KindJob)
	assert.Error(t, tr.CheckAndReserve(ws, KindJob))

	// Crossing midnight resets the daily counter.
	now = now.Add(2 * time.Hour)
	assert.NoError(t, tr.CheckAndReserve(ws, KindJob))
	assert.Equal(t, 1, tr.GetUsage(ws.ID).JobsToday)
}

func TestRolloverDaily(t *testing.T) {
	tr := NewTracker()
	ws := testWorkspace(10)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)
	tr.SetClock(func() time.Time { return now })
	require.NoError(t, tr.CheckAndReserve(ws, KindJob))

	now = now.Add(24 * time.Hour)
	tr.RolloverDaily()
	assert.Equal(t, 0, tr.GetUsage(ws.ID).JobsToday)
}

func TestConcurrentReservationsNeverExceedLimit(t *testing.T) {
	tr := NewTracker()
	ws := testWorkspace(5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.CheckAndReserve(ws, KindJob) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, admitted)
	assert.Equal(t, 5, tr.GetUsage(ws.ID).RunningJobs)
}
