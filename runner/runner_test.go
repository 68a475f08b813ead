package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/OrcaOps/backend"
	"github.com/treksavvysky/OrcaOps/baseline"
	"github.com/treksavvysky/OrcaOps/pkg/logger"
	"github.com/treksavvysky/OrcaOps/quota"
	"github.com/treksavvysky/OrcaOps/runstore"
	"github.com/treksavvysky/OrcaOps/schemas"
	"github.com/treksavvysky/OrcaOps/workspace"
)

type harness struct {
	fake      *backend.FakeBackend
	store     *runstore.Store
	baselines *baseline.Tracker
	quota     *quota.Tracker
	runner    *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.InitLogger("error", "test")
	dir := t.TempDir()

	fake := backend.NewFakeBackend()
	store, err := runstore.NewStore(filepath.Join(dir, "artifacts"), log)
	require.NoError(t, err)
	baselines, err := baseline.NewTracker(filepath.Join(dir, "baselines.json"), log)
	require.NoError(t, err)
	quotas := quota.NewTracker()

	r, err := New(fake, store, log, Options{Baselines: baselines, Quota: quotas})
	require.NoError(t, err)
	return &harness{fake: fake, store: store, baselines: baselines, quota: quotas, runner: r}
}

func spec(jobID string, commands ...string) *schemas.JobSpec {
	return &schemas.JobSpec{
		JobID:      jobID,
		Image:      "alpine:3.19",
		Commands:   commands,
		TTLSeconds: 60,
	}
}

func TestGoldenPath(t *testing.T) {
	h := newHarness(t)

	record := h.runner.Run(spec("golden", "echo hi"), RunOptions{})

	assert.Equal(t, schemas.StatusSuccess, record.Status)
	require.Len(t, record.Steps, 1)
	assert.Equal(t, 0, record.Steps[0].ExitCode)
	assert.Contains(t, record.Steps[0].Stdout, "hi\n")
	require.NotNil(t, record.StartedAt)
	require.NotNil(t, record.FinishedAt)
	assert.False(t, record.FinishedAt.Before(*record.StartedAt))
	assert.False(t, record.StartedAt.Before(record.CreatedAt))

	// run.json landed on disk and parses back.
	stored := h.store.Get("golden")
	require.NotNil(t, stored)
	assert.Equal(t, schemas.StatusSuccess, stored.Status)

	// The fingerprint baseline saw its first sample.
	b := h.baselines.Get(record.Fingerprint)
	require.NotNil(t, b)
	assert.Equal(t, 1, b.Samples)
}

func TestFailFast(t *testing.T) {
	h := newHarness(t)

	record := h.runner.Run(spec("failfast", "true", "false", "echo never"), RunOptions{})

	assert.Equal(t, schemas.StatusFailed, record.Status)
	require.Len(t, record.Steps, 2)
	assert.Equal(t, 0, record.Steps[0].ExitCode)
	assert.NotEqual(t, 0, record.Steps[1].ExitCode)
	for _, step := range record.Steps {
		assert.NotEqual(t, "echo never", step.Command)
	}
}

func TestTimeout(t *testing.T) {
	h := newHarness(t)

	start := time.Now()
	s := spec("timeout", "sleep 10")
	s.TTLSeconds = 1
	record := h.runner.Run(s, RunOptions{})

	assert.Equal(t, schemas.StatusTimedOut, record.Status)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Contains(t, record.Error, "ttl")
}

func TestTimeoutCleanupPolicy(t *testing.T) {
	h := newHarness(t)

	s := spec("timeout-rm", "sleep 10")
	s.TTLSeconds = 1
	s.Cleanup = schemas.CleanupRemoveOnTimeout
	record := h.runner.Run(s, RunOptions{})

	assert.Equal(t, schemas.StatusTimedOut, record.Status)
	assert.True(t, h.fake.Removed(record.SandboxID))
	assert.Equal(t, schemas.CleanupRemoved, record.CleanupStatus)
}

func TestCancellation(t *testing.T) {
	h := newHarness(t)

	cancel := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(cancel)
	}()

	start := time.Now()
	record := h.runner.Run(spec("cancelme", "sleep 30"), RunOptions{Cancel: cancel})

	assert.Equal(t, schemas.StatusCancelled, record.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCancelBetweenSteps(t *testing.T) {
	h := newHarness(t)

	cancel := make(chan struct{})
	close(cancel)

	record := h.runner.Run(spec("precancel", "echo one", "echo two"), RunOptions{Cancel: cancel})
	assert.Equal(t, schemas.StatusCancelled, record.Status)
	assert.Empty(t, record.Steps)
}

func TestArtifacts(t *testing.T) {
	h := newHarness(t)
	h.fake.Files["/out/report.txt"] = "all green"

	s := spec("arty", "echo build")
	s.Artifacts = []string{"/out/*.txt", "/missing/*.log"}
	record := h.runner.Run(s, RunOptions{})

	assert.Equal(t, schemas.StatusSuccess, record.Status)
	require.Len(t, record.Artifacts, 1)
	artifact := record.Artifacts[0]
	assert.Equal(t, "/out/report.txt", artifact.PathInContainer)
	assert.Equal(t, "report.txt", artifact.LocalPath)
	assert.Equal(t, int64(len("all green")), artifact.SizeBytes)
	assert.Len(t, artifact.SHA256, 64)

	// The extracted file sits in the run directory.
	data, err := os.ReadFile(filepath.Join(h.store.Dir(), "arty", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "all green", string(data))

	// Missing glob is a warning, never a failure.
	require.NotEmpty(t, record.Warnings)
	assert.Contains(t, record.Warnings[0], "/missing/*.log")
}

func TestArtifactSizeCap(t *testing.T) {
	h := newHarness(t)
	h.fake.Files["/out/big.bin"] = string(make([]byte, 2*1024*1024))

	ws := &workspace.Workspace{
		ID:     "ws_small",
		Limits: workspace.ResourceLimits{MaxArtifactsSizeMB: 1, MaxConcurrentSandboxes: 1},
	}
	s := spec("capped", "echo build")
	s.Artifacts = []string{"/out/*.bin"}
	record := h.runner.Run(s, RunOptions{Workspace: ws})

	assert.Equal(t, schemas.StatusSuccess, record.Status)
	assert.Empty(t, record.Artifacts)
	require.NotEmpty(t, record.Warnings)
	assert.Contains(t, record.Warnings[len(record.Warnings)-1], "truncated")
}

func TestEnvironmentRedaction(t *testing.T) {
	h := newHarness(t)

	s := spec("redact", "echo hi")
	s.Env = map[string]string{
		"API_KEY":  "hunter2",
		"DB_TOKEN": "abc",
		"PLAIN":    "visible",
	}
	record := h.runner.Run(s, RunOptions{})

	require.NotNil(t, record.EnvironmentCapture)
	env := record.EnvironmentCapture.Env
	assert.Equal(t, "[REDACTED]", env["API_KEY"])
	assert.Equal(t, "[REDACTED]", env["DB_TOKEN"])
	assert.Equal(t, "visible", env["PLAIN"])
	assert.NotEmpty(t, record.EnvironmentCapture.ImageDigest)
}

func TestPullFailure(t *testing.T) {
	h := newHarness(t)
	h.fake.PullErr["ghost:1.0"] = os.ErrNotExist

	s := spec("nopull", "echo hi")
	s.Image = "ghost:1.0"
	record := h.runner.Run(s, RunOptions{})

	assert.Equal(t, schemas.StatusFailed, record.Status)
	assert.Contains(t, record.Error, "pull")
	require.NotNil(t, record.FinishedAt)
}

func TestSummaryAndAnalysisAttached(t *testing.T) {
	h := newHarness(t)

	record := h.runner.Run(spec("summary", "echo hi"), RunOptions{})
	require.NotNil(t, record.Summary)
	assert.Equal(t, "PASSED", record.Summary.StatusLabel)
	require.NotNil(t, record.LogAnalysis)
}

func TestResourceUsageAttached(t *testing.T) {
	h := newHarness(t)
	h.fake.Usage = &schemas.ResourceUsage{CPUSeconds: 2.5, MemoryPeakMB: 128}

	record := h.runner.Run(spec("usage", "echo hi"), RunOptions{})
	require.NotNil(t, record.ResourceUsage)
	assert.InDelta(t, 128, record.ResourceUsage.MemoryPeakMB, 0.01)
}

func TestSandboxQuotaEnforced(t *testing.T) {
	h := newHarness(t)
	ws := &workspace.Workspace{
		ID: "ws_sbx",
		Limits: workspace.ResourceLimits{
			MaxConcurrentJobs:      10,
			MaxConcurrentSandboxes: 1,
		},
	}

	// Occupy the only sandbox slot, as a concurrent job would.
	require.NoError(t, h.quota.CheckAndReserve(ws, quota.KindSandbox))

	record := h.runner.Run(spec("sbx-denied", "echo hi"), RunOptions{Workspace: ws})
	assert.Equal(t, schemas.StatusFailed, record.Status)
	assert.Contains(t, record.Error, "sandbox limit")
	assert.Empty(t, record.Steps)

	h.quota.Release(ws.ID, quota.KindSandbox)

	// With the slot free the job runs, and the reservation is returned
	// after teardown.
	record = h.runner.Run(spec("sbx-ok", "echo hi"), RunOptions{Workspace: ws})
	assert.Equal(t, schemas.StatusSuccess, record.Status)
	assert.Equal(t, 0, h.quota.GetUsage(ws.ID).RunningSandboxes)
}
