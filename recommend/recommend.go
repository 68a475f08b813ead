// Package recommend analyzes run history and baselines to produce
// actionable performance, cost, and reliability recommendations.
package recommend

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/treksavvysky/OrcaOps/baseline"
	"github.com/treksavvysky/OrcaOps/runstore"
	"github.com/treksavvysky/OrcaOps/schemas"
)

// Type classifies a recommendation.
type Type string

const (
	TypeCost        Type = "cost"
	TypePerformance Type = "performance"
	TypeReliability Type = "reliability"
	TypeSecurity    Type = "security"
)

// Priority orders recommendations.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// RecStatus tracks what the operator did with a recommendation.
type RecStatus string

const (
	StatusActive    RecStatus = "active"
	StatusDismissed RecStatus = "dismissed"
	StatusApplied   RecStatus = "applied"
)

// Recommendation is one actionable suggestion.
type Recommendation struct {
	RecommendationID string    `json:"recommendation_id"`
	Type             Type      `json:"type"`
	Priority         Priority  `json:"priority"`
	Status           RecStatus `json:"status"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Target           string    `json:"target,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Images that should suggest slim or alpine variants.
var bloatedImageRe = regexp.MustCompile(`^(python:\d+\.\d+|node:\d+|ruby:\d+\.\d+|golang:\d+\.\d+)$`)

// Commands that indicate a cacheable dependency install.
var cacheableCommands = []string{
	"pip install",
	"npm install",
	"npm ci",
	"yarn install",
	"apt-get install",
	"apk add",
}

// Engine derives recommendations from the run store and baselines.
type Engine struct {
	store     *runstore.Store
	baselines *baseline.Tracker
}

func NewEngine(store *runstore.Store, baselines *baseline.Tracker) *Engine {
	return &Engine{store: store, baselines: baselines}
}

// Generate computes the current recommendation set, capped at limit.
func (e *Engine) Generate(limit int) []Recommendation {
	records, _ := e.store.List(runstore.Filter{}, 0, 0)
	baselines := e.baselines.List()

	var recs []Recommendation
	recs = append(recs, e.checkImageOptimization(records)...)
	recs = append(recs, e.checkTimeouts(baselines)...)
	recs = append(recs, e.checkCaching(records)...)
	recs = append(recs, e.checkResourceRightSizing(baselines)...)
	recs = append(recs, e.checkReliability(baselines)...)

	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

func (e *Engine) checkImageOptimization(records []*schemas.RunRecord) []Recommendation {
	seen := make(map[string]bool)
	var recs []Recommendation
	for _, r := range records {
		if r.Spec == nil || r.Spec.Image == "" || seen[r.Spec.Image] {
			continue
		}
		seen[r.Spec.Image] = true
		if bloatedImageRe.MatchString(r.Spec.Image) {
			recs = append(recs, newRec(TypeCost, PriorityLow,
				"Use a slim image variant",
				fmt.Sprintf("Image %q has a slim/alpine variant that pulls faster and uses less disk", r.Spec.Image),
				r.Spec.Image))
		}
	}
	return recs
}

func (e *Engine) checkTimeouts(baselines map[string]*baseline.Baseline) []Recommendation {
	var recs []Recommendation
	for fingerprint, b := range baselines {
		if b.Samples < 5 || b.DurationP95 <= 0 {
			continue
		}
		// A p95 far below the common 300s default means the timeout can
		// shrink and hung runs surface sooner.
		if b.DurationP95 < 30 {
			recs = append(recs, newRec(TypePerformance, PriorityLow,
				"Tighten the job timeout",
				fmt.Sprintf("p95 duration is %.1fs; a tighter ttl_seconds would surface hangs sooner", b.DurationP95),
				fingerprint))
		}
	}
	return recs
}

func (e *Engine) checkCaching(records []*schemas.RunRecord) []Recommendation {
	seen := make(map[string]bool)
	var recs []Recommendation
	for _, r := range records {
		if r.Spec == nil {
			continue
		}
		for _, cmd := range r.Spec.Commands {
			for _, cacheable := range cacheableCommands {
				if strings.Contains(cmd, cacheable) && !seen[r.Spec.Image+cacheable] {
					seen[r.Spec.Image+cacheable] = true
					recs = append(recs, newRec(TypePerformance, PriorityMedium,
						"Bake dependencies into the image",
						fmt.Sprintf("Jobs on %q run %q every time; moving it into the image removes the install from every run", r.Spec.Image, cacheable),
						r.Spec.Image))
				}
			}
		}
	}
	return recs
}

func (e *Engine) checkResourceRightSizing(baselines map[string]*baseline.Baseline) []Recommendation {
	var recs []Recommendation
	for fingerprint, b := range baselines {
		if b.Samples < 5 {
			continue
		}
		if b.MemoryMaxMB > 0 && b.MemoryMaxMB < 50 {
			recs = append(recs, newRec(TypeCost, PriorityLow,
				"Low memory usage detected",
				fmt.Sprintf("Peak memory is only %.0fMB over %d runs; a smaller container allocation would do", b.MemoryMaxMB, b.Samples),
				fingerprint))
		}
	}
	return recs
}

func (e *Engine) checkReliability(baselines map[string]*baseline.Baseline) []Recommendation {
	var recs []Recommendation
	for fingerprint, b := range baselines {
		total := b.SuccessCount + b.FailureCount
		if total < 10 {
			continue
		}
		rate := b.SuccessRate()
		if rate >= 0.3 && rate < 0.9 {
			recs = append(recs, newRec(TypeReliability, PriorityHigh,
				"Investigate flaky job",
				fmt.Sprintf("Success rate is %.0f%% over %d runs; intermittent failures usually mean a race or an external dependency", rate*100, total),
				fingerprint))
		}
	}
	return recs
}

func newRec(t Type, p Priority, title, description, target string) Recommendation {
	return Recommendation{
		RecommendationID: "rec_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		Type:             t,
		Priority:         p,
		Status:           StatusActive,
		Title:            title,
		Description:      description,
		Target:           target,
		CreatedAt:        time.Now().UTC(),
	}
}
