// Package schemas holds the core data model shared by every OrcaOps
// component: job specifications, run records, step and artifact metadata,
// and the deterministic job fingerprint.
package schemas

import (
	"fmt"
	"regexp"
	"time"

	"github.com/docker/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// JobStatus is the lifecycle state of a job. Terminal statuses are final:
// a record never leaves a terminal status once one is set.
type JobStatus string

const (
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusSuccess   JobStatus = "SUCCESS"
	StatusFailed    JobStatus = "FAILED"
	StatusTimedOut  JobStatus = "TIMED_OUT"
	StatusCancelled JobStatus = "CANCELLED"
	// StatusSkipped marks workflow jobs gated out by a condition. It is
	// terminal and counts as success for downstream requires.
	StatusSkipped JobStatus = "SKIPPED"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimedOut, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// CleanupPolicy controls removal of the execution container after the job
// reaches a terminal state.
type CleanupPolicy string

const (
	CleanupAlwaysRemove       CleanupPolicy = "always_remove"
	CleanupRemoveOnCompletion CleanupPolicy = "remove_on_completion"
	CleanupKeepOnCompletion   CleanupPolicy = "keep_on_completion"
	CleanupRemoveOnTimeout    CleanupPolicy = "remove_on_timeout"
	CleanupNeverRemove        CleanupPolicy = "never_remove"
)

// ShouldRemove applies the cleanup policy table for a terminal status.
func (p CleanupPolicy) ShouldRemove(status JobStatus) bool {
	switch p {
	case CleanupAlwaysRemove:
		return true
	case CleanupRemoveOnCompletion:
		return status == StatusSuccess
	case CleanupRemoveOnTimeout:
		return status == StatusTimedOut
	case CleanupKeepOnCompletion, CleanupNeverRemove:
		return false
	}
	return false
}

// CleanupStatus records the outcome of container teardown.
type CleanupStatus string

const (
	CleanupPending CleanupStatus = "pending"
	CleanupRemoved CleanupStatus = "removed"
	CleanupKept    CleanupStatus = "kept"
	CleanupFailed  CleanupStatus = "failed"
)

var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-]{0,127}$`)

// JobSpec describes a single sandbox job: one image, an ordered command
// list, and optional artifact globs.
type JobSpec struct {
	JobID       string            `json:"job_id"`
	WorkspaceID string            `json:"workspace_id"`
	Image       string            `json:"image"`
	Commands    []string          `json:"commands"`
	Env         map[string]string `json:"env,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty"`
	TTLSeconds  int               `json:"ttl_seconds"`
	Cleanup     CleanupPolicy     `json:"cleanup_policy,omitempty"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
	Intent      string            `json:"intent,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// NetworkID is set by the workflow layer when the job must join a
	// service network. Not part of the external contract.
	NetworkID string `json:"-"`
}

// Validate rejects malformed specs before admission.
func (s *JobSpec) Validate() error {
	if s.JobID != "" && !jobIDPattern.MatchString(s.JobID) {
		return fmt.Errorf("invalid job_id %q: must match %s", s.JobID, jobIDPattern.String())
	}
	if s.Image == "" {
		return fmt.Errorf("image is required")
	}
	if len(s.Commands) == 0 {
		return fmt.Errorf("commands cannot be empty")
	}
	for i, c := range s.Commands {
		if c == "" {
			return fmt.Errorf("command %d is empty", i)
		}
	}
	if s.TTLSeconds <= 0 {
		return fmt.Errorf("ttl_seconds must be > 0, got %d", s.TTLSeconds)
	}
	if s.Cleanup != "" {
		switch s.Cleanup {
		case CleanupAlwaysRemove, CleanupRemoveOnCompletion, CleanupKeepOnCompletion,
			CleanupRemoveOnTimeout, CleanupNeverRemove:
		default:
			return fmt.Errorf("unknown cleanup_policy %q", s.Cleanup)
		}
	}
	return nil
}

// Fingerprint is the deterministic identity of (image, commands):
// sha256 over the canonical image reference and the commands joined with
// NUL separators. Stable across runs and processes.
func (s *JobSpec) Fingerprint() string {
	return Fingerprint(s.Image, s.Commands)
}

// Fingerprint computes the canonical fingerprint for an image and command
// sequence.
func Fingerprint(image string, commands []string) string {
	canonical := image
	if named, err := reference.ParseNormalizedNamed(image); err == nil {
		canonical = named.String()
	}
	buf := make([]byte, 0, len(canonical)+64)
	buf = append(buf, canonical...)
	buf = append(buf, 0x00)
	for i, c := range commands {
		if i > 0 {
			buf = append(buf, 0x00)
		}
		buf = append(buf, c...)
	}
	return digest.FromBytes(buf).Encoded()
}

// StepResult is the captured outcome of one command.
type StepResult struct {
	Index           int       `json:"index"`
	Command         string    `json:"command"`
	ExitCode        int       `json:"exit_code"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	DurationSeconds float64   `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// ArtifactMetadata describes one file extracted from the sandbox.
type ArtifactMetadata struct {
	PathInContainer string `json:"path_in_container"`
	LocalPath       string `json:"local_path"`
	SizeBytes       int64  `json:"size_bytes"`
	SHA256          string `json:"sha256"`
	ContentType     string `json:"content_type,omitempty"`
}

// ResourceUsage is the final resource snapshot for a run.
type ResourceUsage struct {
	CPUSeconds     float64 `json:"cpu_seconds"`
	MemoryPeakMB   float64 `json:"memory_peak_mb"`
	NetRxBytes     int64   `json:"net_rx_bytes"`
	NetTxBytes     int64   `json:"net_tx_bytes"`
	DiskReadBytes  int64   `json:"disk_read_bytes"`
	DiskWriteBytes int64   `json:"disk_write_bytes"`
}

// EnvironmentCapture records the sanitized execution environment.
type EnvironmentCapture struct {
	ImageDigest string            `json:"image_digest,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// AnomalySeverity grades a detected anomaly.
type AnomalySeverity string

const (
	SeverityWarning  AnomalySeverity = "warning"
	SeverityCritical AnomalySeverity = "critical"
)

// AnomalyType names the metric that deviated.
type AnomalyType string

const (
	AnomalyDuration               AnomalyType = "duration"
	AnomalyMemory                 AnomalyType = "memory"
	AnomalyFlaky                  AnomalyType = "flaky"
	AnomalySuccessRateDegradation AnomalyType = "success_rate_degradation"
)

// Anomaly is a deviation from the fingerprint baseline attached to the
// terminating run record.
type Anomaly struct {
	Type     AnomalyType     `json:"type"`
	Severity AnomalySeverity `json:"severity"`
	Expected string          `json:"expected"`
	Actual   string          `json:"actual"`
	Message  string          `json:"message"`
}

// LogAnalysis is the extracted error surface of a run's output.
type LogAnalysis struct {
	ErrorCount   int      `json:"error_count"`
	WarningCount int      `json:"warning_count"`
	FirstError   string   `json:"first_error,omitempty"`
	StackTraces  []string `json:"stack_traces,omitempty"`
	ErrorLines   []string `json:"error_lines,omitempty"`
}

// JobSummary is the deterministic human-facing digest of a run.
type JobSummary struct {
	OneLiner      string   `json:"one_liner"`
	StatusLabel   string   `json:"status_label"`
	DurationHuman string   `json:"duration_human"`
	StepCount     int      `json:"step_count"`
	StepsPassed   int      `json:"steps_passed"`
	StepsFailed   int      `json:"steps_failed"`
	KeyEvents     []string `json:"key_events,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	Suggestions   []string `json:"suggestions,omitempty"`
}

// RunRecord is the persistent artifact describing a single job execution.
// It is created on admission, mutated only by the owning executor, and
// read-only after finalization.
type RunRecord struct {
	JobID              string              `json:"job_id"`
	Spec               *JobSpec            `json:"spec,omitempty"`
	Status             JobStatus           `json:"status"`
	CreatedAt          time.Time           `json:"created_at"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	FinishedAt         *time.Time          `json:"finished_at,omitempty"`
	Fingerprint        string              `json:"fingerprint,omitempty"`
	SandboxID          string              `json:"sandbox_id,omitempty"`
	Steps              []StepResult        `json:"steps"`
	Artifacts          []ArtifactMetadata  `json:"artifacts"`
	ResourceUsage      *ResourceUsage      `json:"resource_usage,omitempty"`
	EnvironmentCapture *EnvironmentCapture `json:"environment_capture,omitempty"`
	CleanupStatus      CleanupStatus       `json:"cleanup_status,omitempty"`
	Error              string              `json:"error,omitempty"`
	Summary            *JobSummary         `json:"summary,omitempty"`
	LogAnalysis        *LogAnalysis        `json:"log_analysis,omitempty"`
	Anomalies          []Anomaly           `json:"anomalies"`
	Warnings           []string            `json:"warnings,omitempty"`
}

// Duration returns wall-clock run time, zero when the record never ran.
func (r *RunRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// Clone returns a deep enough copy for handing snapshots across locks.
func (r *RunRecord) Clone() *RunRecord {
	cp := *r
	cp.Steps = append([]StepResult(nil), r.Steps...)
	cp.Artifacts = append([]ArtifactMetadata(nil), r.Artifacts...)
	cp.Anomalies = append([]Anomaly(nil), r.Anomalies...)
	cp.Warnings = append([]string(nil), r.Warnings...)
	return &cp
}
