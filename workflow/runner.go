package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants"
	"github.com/sirupsen/logrus"

	"github.com/treksavvysky/OrcaOps/manager"
	"github.com/treksavvysky/OrcaOps/pkg/condition"
	"github.com/treksavvysky/OrcaOps/schemas"
	"github.com/treksavvysky/OrcaOps/services"
)

const (
	// defaultJobTimeout applies when neither the job nor the workflow
	// sets one.
	defaultJobTimeout = 300
	// pollInterval paces terminal-state polling of delegated jobs.
	pollInterval = 200 * time.Millisecond
)

var jobIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._\-]`)

// Runner executes one workflow spec level by level, delegating each job
// to the job manager and each service set to the service manager.
type Runner struct {
	jm          *manager.Manager
	services    *services.Manager
	maxParallel int
	log         *logrus.Entry
}

func NewRunner(jm *manager.Manager, svc *services.Manager, maxParallel int, log *logrus.Entry) *Runner {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Runner{jm: jm, services: svc, maxParallel: maxParallel, log: log}
}

// run-scoped state shared by the level dispatcher and its tasks.
type execution struct {
	spec       *Spec
	workflowID string
	record     *Record
	mu         sync.Mutex

	cancel   <-chan struct{} // external cancel
	internal chan struct{}   // closed on cancel or workflow timeout
	once     sync.Once
	timedOut bool
}

func (e *execution) stop(timeout bool) {
	e.once.Do(func() {
		e.timedOut = timeout
		close(e.internal)
	})
}

func (e *execution) stopped() bool {
	select {
	case <-e.internal:
		return true
	default:
		return false
	}
}

type task struct {
	exec   *execution
	job    *Job
	params map[string]string
	wg     *sync.WaitGroup
}

// Run executes the workflow synchronously and returns the final record.
// Callers run it from a background goroutine; cancellation arrives on the
// cancel channel.
func (r *Runner) Run(spec *Spec, workflowID string, cancel <-chan struct{}, triggeredBy string) *Record {
	log := r.log.WithField("workflow", workflowID)

	now := time.Now().UTC()
	record := &Record{
		WorkflowID:  workflowID,
		SpecName:    spec.Name,
		Status:      StatusRunning,
		CreatedAt:   now,
		StartedAt:   &now,
		JobStatuses: make(map[string]*JobState),
		JobRunIDs:   make(map[string]string),
		Env:         spec.Env,
		TriggeredBy: triggeredBy,
	}
	for name := range spec.Jobs {
		record.JobStatuses[name] = &JobState{JobName: name, Status: schemas.StatusQueued}
	}

	exec := &execution{
		spec:       spec,
		workflowID: workflowID,
		record:     record,
		cancel:     cancel,
		internal:   make(chan struct{}),
	}

	// One goroutine folds external cancel and the workflow deadline into
	// the internal stop signal.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		var deadline <-chan time.Time
		if spec.TimeoutSeconds > 0 {
			timer := time.NewTimer(time.Duration(spec.TimeoutSeconds) * time.Second)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-watchdogDone:
		case <-cancel:
			exec.stop(false)
		case <-deadline:
			log.Warn("workflow timeout reached")
			exec.stop(true)
		}
	}()

	pool, err := ants.NewPoolWithFunc(r.maxParallel, func(i interface{}) {
		t := i.(*task)
		defer t.wg.Done()
		r.executeTask(t)
	}, ants.WithPreAlloc(true))
	if err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
		finish := time.Now().UTC()
		record.FinishedAt = &finish
		return record
	}
	defer pool.Release()

	for _, level := range spec.Levels() {
		if exec.stopped() {
			break
		}

		var wg sync.WaitGroup
		for _, name := range level {
			job := spec.Jobs[name]
			runnable, skipReason := r.shouldRun(exec, job)
			if !runnable {
				exec.mu.Lock()
				state := record.JobStatuses[name]
				state.Status = schemas.StatusSkipped
				state.Error = skipReason
				exec.mu.Unlock()
				log.Infof("job %s skipped: %s", name, skipReason)
				continue
			}

			variants := job.Matrix.Expand()
			expanded := false
			for _, params := range variants {
				if len(params) > 0 {
					expanded = true
					break
				}
			}
			if expanded {
				// Variant-keyed states replace the placeholder entry.
				exec.mu.Lock()
				delete(record.JobStatuses, name)
				exec.mu.Unlock()
			}
			for _, params := range variants {
				wg.Add(1)
				t := &task{exec: exec, job: job, params: params, wg: &wg}
				if err := pool.Invoke(t); err != nil {
					wg.Done()
					exec.mu.Lock()
					state, ok := record.JobStatuses[name]
					if !ok {
						state = &JobState{JobName: name}
						record.JobStatuses[name] = state
					}
					state.Status = schemas.StatusFailed
					state.Error = err.Error()
					exec.mu.Unlock()
				}
			}
		}
		wg.Wait()
	}

	exec.mu.Lock()
	if exec.stopped() {
		for _, state := range record.JobStatuses {
			if state.Status == schemas.StatusQueued {
				state.Status = schemas.StatusCancelled
				if exec.timedOut {
					state.Error = "workflow_timeout"
				} else {
					state.Error = "workflow cancelled"
				}
			}
		}
	}
	record.Status = finalStatus(record, exec)
	if exec.timedOut {
		record.Error = "workflow_timeout"
	} else if record.Status == StatusCancelled && record.Error == "" {
		record.Error = "workflow cancelled"
	}
	finish := time.Now().UTC()
	record.FinishedAt = &finish
	exec.mu.Unlock()

	log.Infof("workflow finished with status %s", record.Status)
	return record
}

// shouldRun applies on_complete gating and the if/unless conditions.
func (r *Runner) shouldRun(exec *execution, job *Job) (bool, string) {
	exec.mu.Lock()
	defer exec.mu.Unlock()

	onComplete := job.OnComplete
	if onComplete == "" {
		onComplete = OnSuccess
	}

	switch onComplete {
	case OnFailure:
		anyFailed := false
		for _, dep := range job.Requires {
			if outcomeLocked(exec.record, dep) == schemas.StatusFailed {
				anyFailed = true
				break
			}
		}
		if !anyFailed {
			return false, "no upstream failure"
		}
	case OnAlways:
		// Runs once its requireds are terminal, which level ordering
		// already guarantees.
	default:
		for _, dep := range job.Requires {
			switch outcomeLocked(exec.record, dep) {
			case schemas.StatusSuccess, schemas.StatusSkipped:
			default:
				return false, "upstream failure"
			}
		}
	}

	ctx := condition.Context{
		JobStatuses: make(map[string]string, len(exec.record.JobStatuses)),
		Env:         mergeEnv(exec.spec.Env, job.Env),
	}
	for name := range exec.spec.Jobs {
		ctx.JobStatuses[name] = strings.ToLower(string(outcomeLocked(exec.record, name)))
	}

	if job.IfCondition != "" {
		ok, err := condition.Evaluate(job.IfCondition, ctx)
		if err != nil || !ok {
			return false, "condition not met"
		}
	}
	if job.UnlessCondition != "" {
		ok, err := condition.Evaluate(job.UnlessCondition, ctx)
		if err == nil && ok {
			return false, "unless condition met"
		}
	}
	return true, ""
}

// outcomeLocked aggregates a job's variant states. Callers hold exec.mu.
func outcomeLocked(record *Record, name string) schemas.JobStatus {
	prefix := name + "["
	var statuses []schemas.JobStatus
	for key, state := range record.JobStatuses {
		if key == name || strings.HasPrefix(key, prefix) {
			statuses = append(statuses, state.Status)
		}
	}
	if len(statuses) == 0 {
		return schemas.StatusQueued
	}
	anySkipped, anyCancelled, allSuccess := false, false, true
	for _, s := range statuses {
		switch s {
		case schemas.StatusFailed, schemas.StatusTimedOut:
			return schemas.StatusFailed
		case schemas.StatusCancelled:
			anyCancelled = true
			allSuccess = false
		case schemas.StatusSkipped:
			anySkipped = true
		case schemas.StatusSuccess:
		default:
			allSuccess = false
		}
	}
	if anyCancelled {
		return schemas.StatusCancelled
	}
	if anySkipped && len(statuses) == 1 {
		return schemas.StatusSkipped
	}
	if allSuccess {
		return schemas.StatusSuccess
	}
	return schemas.StatusQueued
}

func (r *Runner) executeTask(t *task) {
	exec := t.exec
	job := t.job
	log := r.log.WithFields(logrus.Fields{"workflow": exec.workflowID, "job": job.Name})

	matrixKey := MatrixKey(t.params)
	stateKey := job.Name
	if matrixKey != "" {
		stateKey = job.Name + "[" + matrixKey + "]"
	}

	now := time.Now().UTC()
	exec.mu.Lock()
	state, ok := exec.record.JobStatuses[stateKey]
	if !ok {
		state = &JobState{JobName: job.Name, MatrixKey: matrixKey}
		exec.record.JobStatuses[stateKey] = state
	}
	state.Status = schemas.StatusRunning
	state.StartedAt = &now
	exec.mu.Unlock()

	fail := func(status schemas.JobStatus, msg string) {
		finish := time.Now().UTC()
		exec.mu.Lock()
		state.Status = status
		state.Error = msg
		state.FinishedAt = &finish
		exec.mu.Unlock()
	}

	if exec.stopped() {
		fail(schemas.StatusCancelled, "workflow cancelled")
		return
	}

	// Per-job service containers and network.
	var serviceSet *services.Set
	mergedEnv := mergeEnv(exec.spec.Env, job.Env)
	if len(job.Services) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		set, err := r.services.Start(ctx, exec.workflowID, job.Name, job.Services)
		cancel()
		if err != nil {
			log.WithError(err).Error("service startup failed")
			fail(schemas.StatusFailed, fmt.Sprintf("service startup failed: %v", err))
			return
		}
		serviceSet = set
		defer r.services.Stop(serviceSet)
		for k, v := range serviceSet.Env {
			mergedEnv[k] = v
		}
	}

	for k, v := range t.params {
		mergedEnv["MATRIX_"+strings.ToUpper(k)] = v
	}

	timeout := job.TimeoutSeconds
	if timeout <= 0 {
		timeout = exec.spec.TimeoutSeconds
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}

	suffix := ""
	if matrixKey != "" {
		suffix = "-" + strings.NewReplacer(",", "-", "=", "").Replace(matrixKey)
	}
	jobID := jobIDSanitizer.ReplaceAllString(
		fmt.Sprintf("wf-%s-%s%s", exec.workflowID, job.Name, suffix), "-")
	if len(jobID) > 128 {
		jobID = jobID[:128]
	}

	interpolatedEnv := make(map[string]string, len(mergedEnv))
	for k, v := range mergedEnv {
		interpolatedEnv[k] = interpolate(v, t.params)
	}
	commands := make([]string, len(job.Commands))
	for i, c := range job.Commands {
		commands[i] = interpolate(c, t.params)
	}

	jobSpec := &schemas.JobSpec{
		JobID:       jobID,
		Image:       interpolate(job.Image, t.params),
		Commands:    commands,
		Env:         interpolatedEnv,
		Artifacts:   append([]string(nil), job.Artifacts...),
		TTLSeconds:  timeout,
		Cleanup:     schemas.CleanupPolicy(exec.spec.CleanupPolicy),
		TriggeredBy: "workflow",
		Tags:        []string{"workflow", exec.spec.Name, job.Name},
	}
	if serviceSet != nil {
		jobSpec.NetworkID = serviceSet.NetworkID
	}

	if _, err := r.jm.Submit(jobSpec, manager.Actor{Type: "workflow", ID: exec.workflowID}); err != nil {
		log.WithError(err).Error("job submission failed")
		fail(schemas.StatusFailed, err.Error())
		return
	}

	exec.mu.Lock()
	state.JobID = jobID
	exec.record.JobRunIDs[stateKey] = jobID
	exec.mu.Unlock()

	// Poll to terminal. The extra grace covers artifact extraction and
	// cleanup beyond the job's own TTL.
	deadline := time.Now().Add(time.Duration(timeout)*time.Second + 30*time.Second)
	for {
		if exec.stopped() {
			r.jm.Cancel(jobID)
			run := r.jm.Wait(jobID, 10*time.Second)
			status := schemas.StatusCancelled
			if run != nil && run.Status.IsTerminal() {
				status = run.Status
			}
			fail(status, "workflow cancelled")
			return
		}
		run := r.jm.Get(jobID)
		if run != nil && run.Status.IsTerminal() {
			finish := time.Now().UTC()
			exec.mu.Lock()
			state.Status = run.Status
			state.Error = run.Error
			state.FinishedAt = run.FinishedAt
			if state.FinishedAt == nil {
				state.FinishedAt = &finish
			}
			exec.mu.Unlock()
			return
		}
		if time.Now().After(deadline) {
			r.jm.Cancel(jobID)
			fail(schemas.StatusTimedOut, fmt.Sprintf("job did not complete within %ds", timeout))
			return
		}
		time.Sleep(pollInterval)
	}
}

// finalStatus folds job outcomes into the workflow terminal status.
// Callers hold exec.mu.
func finalStatus(record *Record, exec *execution) Status {
	if exec.timedOut {
		return StatusFailed
	}

	var success, failed, cancelled, other int
	for _, state := range record.JobStatuses {
		switch state.Status {
		case schemas.StatusSuccess:
			success++
		case schemas.StatusFailed, schemas.StatusTimedOut:
			failed++
		case schemas.StatusCancelled:
			cancelled++
		case schemas.StatusSkipped:
			// Skipped jobs do not count against success.
		default:
			other++
		}
	}

	switch {
	case failed == 0 && cancelled == 0 && other == 0:
		return StatusSuccess
	case cancelled > 0 && failed == 0:
		return StatusCancelled
	case success > 0 && failed > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
