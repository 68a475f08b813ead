package baseline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/OrcaOps/pkg/logger"
	"github.com/treksavvysky/OrcaOps/schemas"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "baselines.json")
	tr, err := NewTracker(path, logger.InitLogger("error", "test"))
	require.NoError(t, err)
	return tr, path
}

func run(fingerprint string, duration time.Duration, status schemas.JobStatus, memMB float64) *schemas.RunRecord {
	started := time.Now().UTC().Add(-duration)
	finished := started.Add(duration)
	rec := &schemas.RunRecord{
		JobID:       "job-x",
		Fingerprint: fingerprint,
		Status:      status,
		CreatedAt:   started,
		StartedAt:   &started,
		FinishedAt:  &finished,
	}
	if memMB > 0 {
		rec.ResourceUsage = &schemas.ResourceUsage{MemoryPeakMB: memMB}
	}
	return rec
}

func TestUpdateEMA(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Update(run("fp1", 10*time.Second, schemas.StatusSuccess, 0))
	b := tr.Get("fp1")
	require.NotNil(t, b)
	assert.InDelta(t, 10, b.DurationEMA, 0.01)
	assert.Equal(t, 1, b.Samples)
	assert.Equal(t, 1, b.SuccessCount)

	tr.Update(run("fp1", 20*time.Second, schemas.StatusSuccess, 0))
	b = tr.Get("fp1")
	// alpha 0.1: 0.1*20 + 0.9*10
	assert.InDelta(t, 11, b.DurationEMA, 0.05)
	assert.Equal(t, 2, b.Samples)
}

func TestPercentilesFromRing(t *testing.T) {
	tr, _ := newTestTracker(t)
	for i := 1; i <= 10; i++ {
		tr.Update(run("fp2", time.Duration(i)*time.Second, schemas.StatusSuccess, 0))
	}
	b := tr.Get("fp2")
	require.NotNil(t, b)
	assert.InDelta(t, 5, b.DurationP50, 0.01)
	assert.InDelta(t, 10, b.DurationP95, 0.01)
	assert.InDelta(t, 10, b.DurationP99, 0.01)
	assert.Greater(t, b.DurationStddev, 0.0)
}

func TestNoAnomalyBeforeMinSamples(t *testing.T) {
	tr, _ := newTestTracker(t)
	assert.Empty(t, tr.Update(run("fp3", 10*time.Second, schemas.StatusSuccess, 0)))
	assert.Empty(t, tr.Update(run("fp3", 60*time.Second, schemas.StatusSuccess, 0)))
}

func TestDurationAnomaly(t *testing.T) {
	tr, _ := newTestTracker(t)
	for i := 0; i < 3; i++ {
		require.Empty(t, tr.Update(run("fp4", 10*time.Second, schemas.StatusSuccess, 0)))
	}

	// Identical samples leave stddev at zero, so the EMA-multiple rule
	// applies: >3x is critical.
	anomalies := tr.Update(run("fp4", 35*time.Second, schemas.StatusSuccess, 0))
	require.Len(t, anomalies, 1)
	assert.Equal(t, schemas.AnomalyDuration, anomalies[0].Type)
	assert.Equal(t, schemas.SeverityCritical, anomalies[0].Severity)
}

func TestDurationAnomalyWarning(t *testing.T) {
	tr, _ := newTestTracker(t)
	for i := 0; i < 3; i++ {
		tr.Update(run("fp5", 10*time.Second, schemas.StatusSuccess, 0))
	}
	anomalies := tr.Update(run("fp5", 25*time.Second, schemas.StatusSuccess, 0))
	require.Len(t, anomalies, 1)
	assert.Equal(t, schemas.SeverityWarning, anomalies[0].Severity)
}

func TestMemoryAnomaly(t *testing.T) {
	tr, _ := newTestTracker(t)
	for i := 0; i < 3; i++ {
		tr.Update(run("fp6", 10*time.Second, schemas.StatusSuccess, 100))
	}

	anomalies := tr.Update(run("fp6", 10*time.Second, schemas.StatusSuccess, 180))
	require.NotEmpty(t, anomalies)
	assert.Equal(t, schemas.AnomalyMemory, anomalies[0].Type)
	assert.Equal(t, schemas.SeverityWarning, anomalies[0].Severity)

	anomalies = tr.Update(run("fp6", 10*time.Second, schemas.StatusSuccess, 500))
	require.NotEmpty(t, anomalies)
	assert.Equal(t, schemas.SeverityCritical, anomalies[0].Severity)
}

func TestFlakyAndDegradation(t *testing.T) {
	tr, _ := newTestTracker(t)
	for i := 0; i < 10; i++ {
		status := schemas.StatusSuccess
		if i%2 == 1 {
			status = schemas.StatusFailed
		}
		tr.Update(run("fp7", 10*time.Second, status, 0))
	}

	anomalies := tr.Update(run("fp7", 10*time.Second, schemas.StatusSuccess, 0))
	types := make(map[schemas.AnomalyType]bool)
	for _, a := range anomalies {
		types[a.Type] = true
	}
	assert.True(t, types[schemas.AnomalyFlaky])
	assert.True(t, types[schemas.AnomalySuccessRateDegradation])
}

func TestPersistenceReload(t *testing.T) {
	tr, path := newTestTracker(t)
	tr.Update(run("fp8", 10*time.Second, schemas.StatusSuccess, 0))
	tr.Update(run("fp8", 12*time.Second, schemas.StatusSuccess, 0))

	reloaded, err := NewTracker(path, logger.InitLogger("error", "test"))
	require.NoError(t, err)
	b := reloaded.Get("fp8")
	require.NotNil(t, b)
	assert.Equal(t, 2, b.Samples)
	assert.Equal(t, 2, b.SuccessCount)
}

func TestNonTerminalIgnored(t *testing.T) {
	tr, _ := newTestTracker(t)
	rec := run("fp9", 10*time.Second, schemas.StatusRunning, 0)
	assert.Empty(t, tr.Update(rec))
	assert.Nil(t, tr.Get("fp9"))
}
