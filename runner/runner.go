// Package runner executes a single job: sandbox container up, ordered
// commands fail-fast under a TTL watchdog, artifact extraction, resource
// snapshot, log analysis, baseline update, cleanup, and the final atomic
// run record write.
package runner

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/treksavvysky/OrcaOps/backend"
	"github.com/treksavvysky/OrcaOps/baseline"
	"github.com/treksavvysky/OrcaOps/loganalyzer"
	"github.com/treksavvysky/OrcaOps/quota"
	"github.com/treksavvysky/OrcaOps/runstore"
	"github.com/treksavvysky/OrcaOps/schemas"
	"github.com/treksavvysky/OrcaOps/workspace"
)

const (
	// jobLabel tags every sandbox with its job id for leak detection.
	jobLabel = "orcaops.job_id"
	// stopGrace is how long a container gets to stop gracefully before
	// the forceful kill.
	stopGrace = 2 * time.Second
)

// DefaultRedactPattern matches secret-like env keys for capture
// sanitization.
const DefaultRedactPattern = `(?i)(secret|token|password|passwd|api_?key|private)`

// Runner executes jobs one at a time per call; it holds no per-job state
// and is safe for concurrent Run calls.
type Runner struct {
	backend   backend.Backend
	store     *runstore.Store
	baselines *baseline.Tracker
	anomalies *baseline.AnomalyStore
	quota     *quota.Tracker
	redact    *regexp.Regexp
	log       *logrus.Entry
}

// Options tune a Runner.
type Options struct {
	Baselines     *baseline.Tracker
	Anomalies     *baseline.AnomalyStore
	Quota         *quota.Tracker
	RedactPattern string
}

func New(be backend.Backend, store *runstore.Store, log *logrus.Entry, opts Options) (*Runner, error) {
	pattern := opts.RedactPattern
	if pattern == "" {
		pattern = DefaultRedactPattern
	}
	redact, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("runner: redact pattern: %w", err)
	}
	return &Runner{
		backend:   be,
		store:     store,
		baselines: opts.Baselines,
		anomalies: opts.Anomalies,
		quota:     opts.Quota,
		redact:    redact,
		log:       log,
	}, nil
}

// RunOptions carries per-run context from the admission layer.
type RunOptions struct {
	Workspace *workspace.Workspace
	Security  backend.SecurityOpts
	// Cancel is the cooperative cancellation signal, examined between
	// steps and honored forcibly through a container stop.
	Cancel <-chan struct{}
}

// Run executes the spec to a terminal record. The record is persisted at
// every phase transition; the returned record is final and read-only.
func (r *Runner) Run(spec *schemas.JobSpec, opts RunOptions) *schemas.RunRecord {
	log := r.log.WithField("job", spec.JobID)

	record := &schemas.RunRecord{
		JobID:       spec.JobID,
		Spec:        spec,
		Status:      schemas.StatusQueued,
		CreatedAt:   time.Now().UTC(),
		Fingerprint: spec.Fingerprint(),
		Steps:       []schemas.StepResult{},
		Artifacts:   []schemas.ArtifactMetadata{},
		Anomalies:   []schemas.Anomaly{},
	}
	runDir, err := r.store.RunDir(spec.JobID)
	if err != nil {
		record.Status = schemas.StatusFailed
		record.Error = err.Error()
		r.finalize(record, log)
		return record
	}
	if err := r.store.Put(record); err != nil {
		log.WithError(err).Error("persist initial record")
	}

	ttl := time.Duration(spec.TTLSeconds) * time.Second
	ctx, cancelCtx := context.WithDeadline(context.Background(), record.CreatedAt.Add(ttl))
	defer cancelCtx()

	log.Infof("pulling image %s", spec.Image)
	if err := r.backend.Pull(ctx, spec.Image); err != nil {
		record.Status = schemas.StatusFailed
		record.Error = fmt.Sprintf("image pull failed: %v", err)
		r.finalize(record, log)
		return record
	}

	// The sandbox occupies a workspace slot for its whole lifetime: the
	// reservation is taken before create and released after teardown.
	sandboxReserved := false
	if r.quota != nil && opts.Workspace != nil {
		if err := r.quota.CheckAndReserve(opts.Workspace, quota.KindSandbox); err != nil {
			record.Status = schemas.StatusFailed
			record.Error = err.Error()
			r.finalize(record, log)
			return record
		}
		sandboxReserved = true
	}
	releaseSandbox := func() {
		if sandboxReserved {
			r.quota.Release(opts.Workspace.ID, quota.KindSandbox)
			sandboxReserved = false
		}
	}

	containerID, err := r.createSandbox(ctx, spec, opts)
	if err != nil {
		releaseSandbox()
		record.Status = schemas.StatusFailed
		record.Error = fmt.Sprintf("sandbox create failed: %v", err)
		r.finalize(record, log)
		return record
	}
	record.SandboxID = containerID
	record.EnvironmentCapture = r.captureEnvironment(ctx, spec)

	now := time.Now().UTC()
	record.StartedAt = &now
	record.Status = schemas.StatusRunning
	if err := r.store.Put(record); err != nil {
		log.WithError(err).Error("persist running record")
	}

	// The watchdog turns TTL expiry and cancellation into a container
	// stop so an in-flight exec cannot outlive either signal.
	watchdogDone := make(chan struct{})
	cancelled := make(chan struct{})
	go func() {
		select {
		case <-watchdogDone:
		case <-ctx.Done():
			log.Warn("ttl reached, stopping sandbox")
			r.stopContainer(containerID)
		case <-opts.Cancel:
			close(cancelled)
			log.Info("cancel observed, stopping sandbox")
			r.stopContainer(containerID)
		}
	}()

	status := r.executeSteps(ctx, spec, record, opts.Cancel, log)
	close(watchdogDone)

	select {
	case <-cancelled:
		if status != schemas.StatusSuccess {
			status = schemas.StatusCancelled
		}
	default:
		if ctx.Err() != nil && status != schemas.StatusSuccess {
			status = schemas.StatusTimedOut
		}
	}
	record.Status = status
	if status == schemas.StatusTimedOut {
		record.Error = fmt.Sprintf("job exceeded ttl of %ds", spec.TTLSeconds)
	}
	if status == schemas.StatusCancelled && record.Error == "" {
		record.Error = "job cancelled"
	}

	finish := time.Now().UTC()
	record.FinishedAt = &finish

	// Artifacts and observability run regardless of terminal status and
	// never change it.
	r.collectArtifacts(spec, record, runDir, opts.Workspace, log)
	r.observe(containerID, record, log)
	r.cleanup(containerID, spec, record, log)
	releaseSandbox()
	r.finalize(record, log)
	return record
}

func (r *Runner) createSandbox(ctx context.Context, spec *schemas.JobSpec, opts RunOptions) (string, error) {
	create := backend.CreateOpts{
		Image: spec.Image,
		// The sandbox idles; steps run through exec.
		Cmd: []string{"sleep", "infinity"},
		Env: spec.Env,
		Labels: map[string]string{
			jobLabel:          spec.JobID,
			"orcaops.ttl":     fmt.Sprint(spec.TTLSeconds),
			"orcaops.created": time.Now().UTC().Format(time.RFC3339),
		},
		NetworkID: spec.NetworkID,
		Security:  opts.Security,
	}
	if ws := opts.Workspace; ws != nil {
		create.Caps = backend.ResourceCaps{
			CPUs:     ws.Limits.MaxCPUPerJob,
			MemoryMB: ws.Limits.MaxMemoryPerJobMB,
		}
	}
	containerID, err := r.backend.Create(ctx, create)
	if err != nil {
		return "", err
	}
	if err := r.backend.Start(ctx, containerID); err != nil {
		return "", err
	}
	return containerID, nil
}

func (r *Runner) executeSteps(ctx context.Context, spec *schemas.JobSpec, record *schemas.RunRecord, cancel <-chan struct{}, log *logrus.Entry) schemas.JobStatus {
	for i, command := range spec.Commands {
		select {
		case <-cancel:
			return schemas.StatusCancelled
		default:
		}
		if ctx.Err() != nil {
			return schemas.StatusTimedOut
		}

		log.Infof("running step %d: %s", i, command)
		stepStart := time.Now().UTC()
		res, execErr := r.backend.Exec(ctx, record.SandboxID, []string{"/bin/sh", "-c", command})
		stepEnd := time.Now().UTC()

		step := schemas.StepResult{
			Index:           i,
			Command:         command,
			ExitCode:        res.ExitCode,
			Stdout:          res.Stdout,
			Stderr:          res.Stderr,
			DurationSeconds: stepEnd.Sub(stepStart).Seconds(),
			StartedAt:       stepStart,
			FinishedAt:      stepEnd,
		}
		if execErr != nil && ctx.Err() == nil {
			step.Stderr += fmt.Sprintf("\nexecution error: %v", execErr)
			if step.ExitCode == 0 {
				step.ExitCode = -1
			}
		}
		record.Steps = append(record.Steps, step)
		if err := r.store.AppendStep(spec.JobID, step); err != nil {
			log.WithError(err).Warn("append step log")
		}

		select {
		case <-cancel:
			return schemas.StatusCancelled
		default:
		}
		if ctx.Err() != nil {
			return schemas.StatusTimedOut
		}
		if step.ExitCode != 0 {
			log.Warnf("step %d failed with exit %d", i, step.ExitCode)
			return schemas.StatusFailed
		}
	}
	return schemas.StatusSuccess
}

func (r *Runner) collectArtifacts(spec *schemas.JobSpec, record *schemas.RunRecord, runDir string, ws *workspace.Workspace, log *logrus.Entry) {
	if len(spec.Artifacts) == 0 {
		return
	}
	// Collection runs against a possibly-stopped container with a fresh
	// context: the job TTL no longer applies.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var maxBytes int64
	if ws != nil && ws.Limits.MaxArtifactsSizeMB > 0 {
		maxBytes = int64(ws.Limits.MaxArtifactsSizeMB) * 1024 * 1024
	}

	var total int64
	for _, pattern := range spec.Artifacts {
		paths, err := r.backend.ListMatching(ctx, record.SandboxID, pattern)
		if err != nil {
			record.Warnings = append(record.Warnings, fmt.Sprintf("artifact pattern %q: %v", pattern, err))
			continue
		}
		if len(paths) == 0 {
			record.Warnings = append(record.Warnings, fmt.Sprintf("artifact pattern %q matched nothing", pattern))
			continue
		}
		for _, inPath := range paths {
			if maxBytes > 0 && total >= maxBytes {
				record.Warnings = append(record.Warnings, "artifact collection truncated: size cap reached")
				return
			}
			local, err := r.backend.Copy(ctx, record.SandboxID, inPath, runDir)
			if err != nil {
				record.Warnings = append(record.Warnings, fmt.Sprintf("artifact %q: %v", inPath, err))
				continue
			}
			meta, err := artifactMeta(inPath, local)
			if err != nil {
				record.Warnings = append(record.Warnings, fmt.Sprintf("artifact %q: %v", inPath, err))
				continue
			}
			total += meta.SizeBytes
			if maxBytes > 0 && total > maxBytes {
				os.Remove(local)
				record.Warnings = append(record.Warnings, "artifact collection truncated: size cap reached")
				return
			}
			record.Artifacts = append(record.Artifacts, meta)
			log.Debugf("collected artifact %s (%d bytes)", inPath, meta.SizeBytes)
		}
	}
}

func artifactMeta(inPath, local string) (schemas.ArtifactMetadata, error) {
	f, err := os.Open(local)
	if err != nil {
		return schemas.ArtifactMetadata{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return schemas.ArtifactMetadata{}, err
	}
	dg, err := digest.FromReader(f)
	if err != nil {
		return schemas.ArtifactMetadata{}, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(local))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return schemas.ArtifactMetadata{
		PathInContainer: inPath,
		LocalPath:       filepath.Base(local),
		SizeBytes:       info.Size(),
		SHA256:          dg.Encoded(),
		ContentType:     contentType,
	}, nil
}

func (r *Runner) observe(containerID string, record *schemas.RunRecord, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if usage, err := r.backend.Stats(ctx, containerID); err != nil {
		log.WithError(err).Debug("resource snapshot unavailable")
	} else {
		record.ResourceUsage = usage
	}

	analysis := loganalyzer.AnalyzeRecord(record)
	record.LogAnalysis = &analysis
	record.Summary = loganalyzer.Summarize(record)

	if r.baselines != nil {
		anomalies := r.baselines.Update(record)
		if len(anomalies) > 0 {
			record.Anomalies = append(record.Anomalies, anomalies...)
			if r.anomalies != nil {
				r.anomalies.Record(record.JobID, record.Fingerprint, anomalies)
			}
		}
	}
}

func (r *Runner) cleanup(containerID string, spec *schemas.JobSpec, record *schemas.RunRecord, log *logrus.Entry) {
	policy := spec.Cleanup
	if policy == "" {
		policy = schemas.CleanupAlwaysRemove
	}

	record.CleanupStatus = schemas.CleanupKept
	if policy.ShouldRemove(record.Status) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.backend.Remove(ctx, containerID, true); err != nil {
			log.WithError(err).Error("remove sandbox")
			record.CleanupStatus = schemas.CleanupFailed
		} else {
			record.CleanupStatus = schemas.CleanupRemoved
		}

		// Leak detection: anything still labeled with this job id should
		// be gone by now.
		if leaked, err := r.backend.ListByLabel(ctx, jobLabel, spec.JobID); err == nil {
			for _, id := range leaked {
				log.Warnf("removing leaked container %s", id)
				if err := r.backend.Remove(ctx, id, true); err != nil {
					log.WithError(err).Error("remove leaked container")
					record.CleanupStatus = schemas.CleanupFailed
				}
			}
		}
	}
}

func (r *Runner) stopContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace+10*time.Second)
	defer cancel()
	if err := r.backend.Stop(ctx, containerID, stopGrace); err != nil {
		r.log.WithError(err).Warn("stop sandbox")
	}
}

func (r *Runner) finalize(record *schemas.RunRecord, log *logrus.Entry) {
	if record.FinishedAt == nil {
		now := time.Now().UTC()
		record.FinishedAt = &now
	}
	if record.StartedAt == nil {
		record.StartedAt = record.FinishedAt
	}
	if record.CleanupStatus == "" {
		record.CleanupStatus = schemas.CleanupPending
	}
	if err := r.store.Put(record); err != nil {
		log.WithError(err).Error("persist final record")
	}
	log.Infof("job finished with status %s in %.1fs", record.Status, record.Duration().Seconds())
}

func (r *Runner) captureEnvironment(ctx context.Context, spec *schemas.JobSpec) *schemas.EnvironmentCapture {
	capture := &schemas.EnvironmentCapture{Env: make(map[string]string, len(spec.Env))}
	for k, v := range spec.Env {
		if r.redact.MatchString(k) {
			capture.Env[k] = "[REDACTED]"
		} else {
			capture.Env[k] = v
		}
	}
	if dg, err := r.backend.ImageDigest(ctx, spec.Image); err == nil {
		capture.ImageDigest = dg
	}
	return capture
}

// Quote wraps a shell argument in single quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
