package metrics

import (
	"time"

	"github.com/treksavvysky/OrcaOps/runstore"
	"github.com/treksavvysky/OrcaOps/schemas"
)

// ImageStats is the per-image slice of an aggregate report.
type ImageStats struct {
	Count              int     `json:"count"`
	Success            int     `json:"success"`
	Failed             int     `json:"failed"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// Aggregate is an on-the-fly report over run history; nothing here is
// stored separately from the run records themselves.
type Aggregate struct {
	TotalRuns            int                   `json:"total_runs"`
	SuccessCount         int                   `json:"success_count"`
	FailedCount          int                   `json:"failed_count"`
	TimedOutCount        int                   `json:"timed_out_count"`
	CancelledCount       int                   `json:"cancelled_count"`
	SuccessRate          float64               `json:"success_rate"`
	AvgDurationSeconds   float64               `json:"avg_duration_seconds"`
	TotalDurationSeconds float64               `json:"total_duration_seconds"`
	ByImage              map[string]ImageStats `json:"by_image"`
}

// Aggregator computes reports from the run store.
type Aggregator struct {
	store *runstore.Store
}

func NewAggregator(store *runstore.Store) *Aggregator {
	return &Aggregator{store: store}
}

// Compute aggregates every run in the optional date range.
func (a *Aggregator) Compute(from, to time.Time) Aggregate {
	records, _ := a.store.List(runstore.Filter{After: from, Before: to}, 0, 0)

	agg := Aggregate{ByImage: make(map[string]ImageStats)}
	agg.TotalRuns = len(records)
	if agg.TotalRuns == 0 {
		return agg
	}

	type imageAcc struct {
		stats     ImageStats
		durations float64
		timed     int
	}
	byImage := make(map[string]*imageAcc)

	var durations float64
	var timedRuns int
	for _, r := range records {
		switch r.Status {
		case schemas.StatusSuccess:
			agg.SuccessCount++
		case schemas.StatusFailed:
			agg.FailedCount++
		case schemas.StatusTimedOut:
			agg.TimedOutCount++
		case schemas.StatusCancelled:
			agg.CancelledCount++
		}

		dur := r.Duration().Seconds()
		if dur > 0 {
			durations += dur
			timedRuns++
		}

		image := "unknown"
		if r.Spec != nil && r.Spec.Image != "" {
			image = r.Spec.Image
		}
		acc, ok := byImage[image]
		if !ok {
			acc = &imageAcc{}
			byImage[image] = acc
		}
		acc.stats.Count++
		if r.Status == schemas.StatusSuccess {
			acc.stats.Success++
		} else if r.Status == schemas.StatusFailed {
			acc.stats.Failed++
		}
		if dur > 0 {
			acc.durations += dur
			acc.timed++
		}
	}

	agg.SuccessRate = float64(agg.SuccessCount) / float64(agg.TotalRuns)
	agg.TotalDurationSeconds = durations
	if timedRuns > 0 {
		agg.AvgDurationSeconds = durations / float64(timedRuns)
	}
	for image, acc := range byImage {
		if acc.timed > 0 {
			acc.stats.AvgDurationSeconds = acc.durations / float64(acc.timed)
		}
		agg.ByImage[image] = acc.stats
	}
	return agg
}
