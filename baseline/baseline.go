// Package baseline maintains per-fingerprint performance baselines (EMA
// duration, bounded sample ring, percentiles, memory peaks, success
// counts) and detects deviations on each completed run.
package baseline

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/treksavvysky/OrcaOps/schemas"
)

const (
	// alpha weights the newest observation in the duration EMA.
	alpha = 0.1
	// ringSize bounds the sample window used for percentile estimates.
	ringSize = 100
	// minSamples gates anomaly detection.
	minSamples = 3
	// lockStripes shards the per-fingerprint update locks.
	lockStripes = 32
)

// Baseline is the persisted state for one fingerprint.
type Baseline struct {
	Fingerprint    string    `json:"fingerprint"`
	Samples        int       `json:"samples"`
	DurationEMA    float64   `json:"duration_ema"`
	DurationStddev float64   `json:"duration_stddev_estimate"`
	DurationP50    float64   `json:"duration_p50"`
	DurationP95    float64   `json:"duration_p95"`
	DurationP99    float64   `json:"duration_p99"`
	MemoryMeanMB   float64   `json:"memory_mean_mb"`
	MemoryMaxMB    float64   `json:"memory_max_mb"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	LastUpdated    time.Time `json:"last_updated"`
	DurationRing   []float64 `json:"duration_ring,omitempty"`
}

// SuccessRate is success_count / (success_count + failure_count).
func (b *Baseline) SuccessRate() float64 {
	total := b.SuccessCount + b.FailureCount
	if total == 0 {
		return 0
	}
	return float64(b.SuccessCount) / float64(total)
}

// Tracker serializes updates per fingerprint and rewrites the baseline
// store atomically on each update.
type Tracker struct {
	path string
	log  *logrus.Entry

	mu        sync.Mutex // guards baselines map and persistence
	baselines map[string]*Baseline
	stripes   [lockStripes]sync.Mutex
}

func NewTracker(path string, log *logrus.Entry) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("baseline: create dir: %w", err)
	}
	t := &Tracker{
		path:      path,
		log:       log,
		baselines: make(map[string]*Baseline),
	}
	t.load()
	return t, nil
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return
	}
	var stored map[string]*Baseline
	if err := json.Unmarshal(data, &stored); err != nil {
		t.log.WithError(err).Warn("baseline: unreadable store, starting fresh")
		return
	}
	t.baselines = stored
}

func (t *Tracker) stripe(fingerprint string) *sync.Mutex {
	var sum uint32
	for i := 0; i < len(fingerprint); i++ {
		sum = sum*31 + uint32(fingerprint[i])
	}
	return &t.stripes[sum%lockStripes]
}

// Update folds one completed run into its fingerprint baseline and
// returns any anomalies it triggered against the pre-update baseline.
// Concurrent updates to different fingerprints proceed in parallel.
func (t *Tracker) Update(record *schemas.RunRecord) []schemas.Anomaly {
	if record.Fingerprint == "" || !record.Status.IsTerminal() {
		return nil
	}

	lock := t.stripe(record.Fingerprint)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	b, ok := t.baselines[record.Fingerprint]
	if !ok {
		b = &Baseline{Fingerprint: record.Fingerprint}
		t.baselines[record.Fingerprint] = b
	}
	t.mu.Unlock()

	anomalies := detect(record, b)

	duration := record.Duration().Seconds()
	if record.StartedAt != nil && record.FinishedAt != nil {
		if b.Samples == 0 {
			b.DurationEMA = duration
		} else {
			b.DurationEMA = alpha*duration + (1-alpha)*b.DurationEMA
		}
		b.DurationRing = append(b.DurationRing, duration)
		if len(b.DurationRing) > ringSize {
			b.DurationRing = b.DurationRing[len(b.DurationRing)-ringSize:]
		}
		b.DurationP50 = percentile(b.DurationRing, 0.50)
		b.DurationP95 = percentile(b.DurationRing, 0.95)
		b.DurationP99 = percentile(b.DurationRing, 0.99)
		b.DurationStddev = stddev(b.DurationRing)
		b.Samples++
	}

	if record.ResourceUsage != nil && record.ResourceUsage.MemoryPeakMB > 0 {
		peak := record.ResourceUsage.MemoryPeakMB
		if b.MemoryMeanMB == 0 {
			b.MemoryMeanMB = peak
		} else {
			b.MemoryMeanMB = alpha*peak + (1-alpha)*b.MemoryMeanMB
		}
		if peak > b.MemoryMaxMB {
			b.MemoryMaxMB = peak
		}
	}

	switch record.Status {
	case schemas.StatusSuccess:
		b.SuccessCount++
	case schemas.StatusFailed, schemas.StatusTimedOut:
		b.FailureCount++
	}
	b.LastUpdated = time.Now().UTC()

	if err := t.save(); err != nil {
		t.log.WithError(err).Error("baseline: persist store")
	}
	return anomalies
}

// Get returns a copy of the baseline for a fingerprint, nil when unseen.
func (t *Tracker) Get(fingerprint string) *Baseline {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.baselines[fingerprint]
	if !ok {
		return nil
	}
	cp := *b
	cp.DurationRing = append([]float64(nil), b.DurationRing...)
	return &cp
}

// List returns all baselines keyed by fingerprint.
func (t *Tracker) List() map[string]*Baseline {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*Baseline, len(t.baselines))
	for k, b := range t.baselines {
		cp := *b
		cp.DurationRing = append([]float64(nil), b.DurationRing...)
		out[k] = &cp
	}
	return out
}

func (t *Tracker) save() error {
	t.mu.Lock()
	data, err := json.MarshalIndent(t.baselines, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".baselines-*.tmp")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), t.path)
}

// detect compares one run against the baseline as it stood before the
// update. Requires minSamples prior observations.
func detect(record *schemas.RunRecord, b *Baseline) []schemas.Anomaly {
	if b.Samples < minSamples {
		return nil
	}
	var anomalies []schemas.Anomaly

	if record.StartedAt != nil && record.FinishedAt != nil && b.DurationEMA > 0 {
		duration := record.Duration().Seconds()
		var severity schemas.AnomalySeverity
		if b.DurationStddev > 0 {
			z := (duration - b.DurationEMA) / b.DurationStddev
			if math.Abs(z) > 3 {
				severity = schemas.SeverityCritical
			} else if math.Abs(z) > 2 {
				severity = schemas.SeverityWarning
			}
		} else {
			if duration > 3*b.DurationEMA {
				severity = schemas.SeverityCritical
			} else if duration > 2*b.DurationEMA {
				severity = schemas.SeverityWarning
			}
		}
		if severity != "" {
			anomalies = append(anomalies, schemas.Anomaly{
				Type:     schemas.AnomalyDuration,
				Severity: severity,
				Expected: fmt.Sprintf("%.1fs", b.DurationEMA),
				Actual:   fmt.Sprintf("%.1fs", duration),
				Message: fmt.Sprintf("duration %.1fs is %.1fx the baseline (%.1fs)",
					duration, duration/b.DurationEMA, b.DurationEMA),
			})
		}
	}

	if record.ResourceUsage != nil && record.ResourceUsage.MemoryPeakMB > 0 && b.MemoryMaxMB > 0 {
		peak := record.ResourceUsage.MemoryPeakMB
		ratio := peak / b.MemoryMaxMB
		var severity schemas.AnomalySeverity
		if ratio > 2.0 {
			severity = schemas.SeverityCritical
		} else if ratio > 1.5 {
			severity = schemas.SeverityWarning
		}
		if severity != "" {
			anomalies = append(anomalies, schemas.Anomaly{
				Type:     schemas.AnomalyMemory,
				Severity: severity,
				Expected: fmt.Sprintf("%.0fMB", b.MemoryMaxMB),
				Actual:   fmt.Sprintf("%.0fMB", peak),
				Message: fmt.Sprintf("memory peak %.0fMB is %.1fx the baseline max (%.0fMB)",
					peak, ratio, b.MemoryMaxMB),
			})
		}
	}

	total := b.SuccessCount + b.FailureCount
	rate := b.SuccessRate()
	if total >= 10 && rate >= 0.3 && rate < 0.9 {
		anomalies = append(anomalies, schemas.Anomaly{
			Type:     schemas.AnomalyFlaky,
			Severity: schemas.SeverityWarning,
			Expected: ">=90% success rate",
			Actual:   fmt.Sprintf("%.0f%%", rate*100),
			Message: fmt.Sprintf("job has a %.0f%% success rate over %d runs, indicating intermittent failures",
				rate*100, total),
		})
	}
	if total >= 5 && rate < 0.8 {
		anomalies = append(anomalies, schemas.Anomaly{
			Type:     schemas.AnomalySuccessRateDegradation,
			Severity: schemas.SeverityCritical,
			Expected: ">=80% success rate",
			Actual:   fmt.Sprintf("%.0f%%", rate*100),
			Message:  fmt.Sprintf("success rate has dropped to %.0f%% over %d runs", rate*100, total),
		})
	}

	return anomalies
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	slices.Sort(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func stddev(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))
	var sq float64
	for _, v := range samples {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(samples)-1))
}
