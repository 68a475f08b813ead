package manager

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/OrcaOps/audit"
	"github.com/treksavvysky/OrcaOps/backend"
	"github.com/treksavvysky/OrcaOps/pkg/logger"
	"github.com/treksavvysky/OrcaOps/policy"
	"github.com/treksavvysky/OrcaOps/quota"
	"github.com/treksavvysky/OrcaOps/runner"
	"github.com/treksavvysky/OrcaOps/runstore"
	"github.com/treksavvysky/OrcaOps/schemas"
	"github.com/treksavvysky/OrcaOps/workspace"
)

type harness struct {
	manager    *Manager
	store      *runstore.Store
	audit      *audit.Logger
	workspaces *workspace.Registry
	quota      *quota.Tracker
	fake       *backend.FakeBackend
}

func newHarness(t *testing.T, secPolicy *policy.SecurityPolicy) *harness {
	t.Helper()
	log := logger.InitLogger("error", "test")
	dir := t.TempDir()

	fake := backend.NewFakeBackend()
	store, err := runstore.NewStore(filepath.Join(dir, "artifacts"), log)
	require.NoError(t, err)
	workspaces, err := workspace.NewRegistry(filepath.Join(dir, "workspaces"), log)
	require.NoError(t, err)
	auditLog, err := audit.NewLogger(filepath.Join(dir, "audit"), log)
	require.NoError(t, err)
	quotas := quota.NewTracker()
	jobRunner, err := runner.New(fake, store, log, runner.Options{Quota: quotas})
	require.NoError(t, err)

	m := New(Config{
		Runner:     jobRunner,
		Store:      store,
		Workspaces: workspaces,
		Policy:     secPolicy,
		Quota:      quotas,
		Audit:      auditLog,
		Logger:     log,
	})
	return &harness{
		manager:    m,
		store:      store,
		audit:      auditLog,
		workspaces: workspaces,
		quota:      quotas,
		fake:       fake,
	}
}

func jobSpec(jobID string, commands ...string) *schemas.JobSpec {
	return &schemas.JobSpec{
		JobID:      jobID,
		Image:      "alpine:3.19",
		Commands:   commands,
		TTLSeconds: 60,
	}
}

func TestSubmitAndWait(t *testing.T) {
	h := newHarness(t, nil)

	record, err := h.manager.Submit(jobSpec("j1", "echo hi"), SystemActor)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusQueued, record.Status)

	final := h.manager.Wait("j1", 10*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, schemas.StatusSuccess, final.Status)
	require.Len(t, final.Steps, 1)

	// Completion is audited.
	events, _ := h.audit.Query(audit.QueryFilter{Action: audit.ActionJobCompleted}, 0, 0)
	require.Len(t, events, 1)
	assert.Equal(t, "j1", events[0].ResourceID)
}

func TestSubmitGeneratesJobID(t *testing.T) {
	h := newHarness(t, nil)
	record, err := h.manager.Submit(jobSpec("", "echo hi"), SystemActor)
	require.NoError(t, err)
	assert.NotEmpty(t, record.JobID)
	h.manager.Wait(record.JobID, 10*time.Second)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, nil)

	spec := jobSpec("bad-ttl", "echo hi")
	spec.TTLSeconds = 0
	_, err := h.manager.Submit(spec, SystemActor)
	assert.Error(t, err)

	spec = jobSpec("no-cmds")
	_, err = h.manager.Submit(spec, SystemActor)
	assert.Error(t, err)
}

func TestDuplicateJobID(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.manager.Submit(jobSpec("dup", "sleep 1"), SystemActor)
	require.NoError(t, err)

	_, err = h.manager.Submit(jobSpec("dup", "echo hi"), SystemActor)
	assert.ErrorIs(t, err, ErrJobExists)

	h.manager.Wait("dup", 10*time.Second)
}

func TestPolicyDenialAudited(t *testing.T) {
	h := newHarness(t, &policy.SecurityPolicy{
		Image: policy.ImagePolicy{BlockedImages: []string{"*:latest"}},
	})

	spec := jobSpec("denied", "echo hi")
	spec.Image = "ubuntu:latest"
	_, err := h.manager.Submit(spec, Actor{Type: "user", ID: "alice"})
	require.Error(t, err)

	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.NotEmpty(t, denied.Violations)

	events, total := h.audit.Query(audit.QueryFilter{
		Action:     audit.ActionJobDenied,
		ResourceID: "denied",
	}, 0, 0)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)

	violations, _ := h.audit.Query(audit.QueryFilter{Action: audit.ActionPolicyViolated}, 0, 0)
	assert.Len(t, violations, 1)

	// Nothing was admitted.
	assert.Nil(t, h.manager.Get("denied"))
}

func TestQuotaDenial(t *testing.T) {
	h := newHarness(t, nil)

	ws, err := h.workspaces.Create("tiny", workspace.OwnerUser, "u1", nil, &workspace.ResourceLimits{
		MaxConcurrentJobs:      1,
		MaxConcurrentSandboxes: 1,
		MaxArtifactsSizeMB:     10,
	}, "ws_tiny")
	require.NoError(t, err)

	first := jobSpec("q1", "sleep 1")
	first.WorkspaceID = ws.ID
	_, err = h.manager.Submit(first, SystemActor)
	require.NoError(t, err)

	second := jobSpec("q2", "echo hi")
	second.WorkspaceID = ws.ID
	_, err = h.manager.Submit(second, SystemActor)
	var quotaErr *quota.ErrQuotaExceeded
	require.ErrorAs(t, err, &quotaErr)

	events, _ := h.audit.Query(audit.QueryFilter{Action: audit.ActionJobDenied}, 0, 0)
	assert.Len(t, events, 1)

	// The slot frees once the first job finishes.
	h.manager.Wait("q1", 10*time.Second)
	_, err = h.manager.Submit(second, SystemActor)
	assert.NoError(t, err)
	h.manager.Wait("q2", 10*time.Second)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, nil)

	record, err := h.manager.Submit(jobSpec("longjob", "sleep 30"), SystemActor)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, err = h.manager.Cancel("longjob")
	require.NoError(t, err)

	final := h.manager.Wait("longjob", 10*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, schemas.StatusCancelled, final.Status)
	require.NotNil(t, final.FinishedAt)
	assert.Less(t, final.FinishedAt.Sub(record.CreatedAt), 30*time.Second)

	_, err = h.manager.Cancel("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetFallsBackToStore(t *testing.T) {
	h := newHarness(t, nil)

	stored := &schemas.RunRecord{
		JobID:     "disk-only",
		Status:    schemas.StatusSuccess,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.store.Put(stored))

	got := h.manager.Get("disk-only")
	require.NotNil(t, got)
	assert.Equal(t, schemas.StatusSuccess, got.Status)
}

func TestReconcileOrphans(t *testing.T) {
	h := newHarness(t, nil)

	orphan := &schemas.RunRecord{
		JobID:     "orphan-1",
		Status:    schemas.StatusRunning,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		Spec:      jobSpec("orphan-1", "echo hi"),
	}
	require.NoError(t, h.store.Put(orphan))
	done := &schemas.RunRecord{
		JobID:     "done-1",
		Status:    schemas.StatusSuccess,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, h.store.Put(done))

	count := h.manager.Reconcile()
	assert.Equal(t, 1, count)

	got := h.store.Get("orphan-1")
	require.NotNil(t, got)
	assert.Equal(t, schemas.StatusFailed, got.Status)
	assert.Equal(t, "orphaned", got.Error)
	require.NotNil(t, got.FinishedAt)

	// Terminal records are untouched.
	assert.Equal(t, schemas.StatusSuccess, h.store.Get("done-1").Status)
}

func TestConcurrentDuplicateSubmit(t *testing.T) {
	h := newHarness(t, nil)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.manager.Submit(jobSpec("race", "sleep 1"), SystemActor)
			errs <- err
		}()
	}
	first, second := <-errs, <-errs
	admitted := 0
	for _, err := range []error{first, second} {
		if err == nil {
			admitted++
		} else {
			assert.True(t, errors.Is(err, ErrJobExists))
		}
	}
	assert.Equal(t, 1, admitted)
	h.manager.Wait("race", 10*time.Second)
}

func TestShutdownCancelsJobs(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.manager.Submit(jobSpec("s1", "sleep 30"), SystemActor)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	h.manager.Shutdown(10 * time.Second)
	assert.Less(t, time.Since(start), 10*time.Second)

	final := h.manager.Get("s1")
	require.NotNil(t, final)
	assert.Equal(t, schemas.StatusCancelled, final.Status)
}
