package loganalyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/OrcaOps/schemas"
)

func TestAnalyzeStepErrors(t *testing.T) {
	step := schemas.StepResult{
		Stdout: "starting build\nERROR: compilation failed\nall done",
		Stderr: "warning: deprecated flag\n",
	}
	analysis := AnalyzeStep(step)
	assert.Equal(t, 1, analysis.ErrorCount)
	assert.Equal(t, 1, analysis.WarningCount)
	assert.Contains(t, analysis.FirstError, "ERROR: compilation failed")
}

func TestAnalyzePythonTraceback(t *testing.T) {
	step := schemas.StepResult{
		Stderr: `Traceback (most recent call last):
  File "app.py", line 10, in <module>
    main()
  File "app.py", line 5, in main
    raise ValueError("bad input")
ValueError: bad input
`,
	}
	analysis := AnalyzeStep(step)
	require.NotEmpty(t, analysis.StackTraces)
	assert.Contains(t, analysis.StackTraces[0], "Traceback (most recent call last)")
	assert.Contains(t, analysis.StackTraces[0], "ValueError: bad input")
}

func TestAnalyzeGoroutineDump(t *testing.T) {
	step := schemas.StepResult{
		Stderr: `panic: runtime error: index out of range

goroutine 1 [running]:
	main.main()
	/app/main.go:10 +0x20
`,
	}
	analysis := AnalyzeStep(step)
	assert.GreaterOrEqual(t, analysis.ErrorCount, 1)
	require.NotEmpty(t, analysis.StackTraces)
	assert.Contains(t, analysis.StackTraces[0], "goroutine 1 [running]")
}

func TestAnalyzeNodeStack(t *testing.T) {
	step := schemas.StepResult{
		Stderr: `Error: boom
    at doWork (/app/index.js:12:9)
    at main (/app/index.js:20:3)
`,
	}
	analysis := AnalyzeStep(step)
	assert.GreaterOrEqual(t, analysis.ErrorCount, 1)
	require.NotEmpty(t, analysis.StackTraces)
	assert.Contains(t, analysis.StackTraces[0], "at doWork")
}

func TestSummarizeSuccess(t *testing.T) {
	started := time.Now().UTC()
	finished := started.Add(3 * time.Second)
	record := &schemas.RunRecord{
		JobID:      "job-s",
		Status:     schemas.StatusSuccess,
		StartedAt:  &started,
		FinishedAt: &finished,
		Steps: []schemas.StepResult{
			{Command: "echo a", ExitCode: 0},
			{Command: "echo b", ExitCode: 0},
		},
	}
	summary := Summarize(record)
	assert.Equal(t, "PASSED", summary.StatusLabel)
	assert.Equal(t, 2, summary.StepCount)
	assert.Equal(t, 2, summary.StepsPassed)
	assert.Contains(t, summary.OneLiner, "2 step(s) passed")
}

func TestSummarizeFailure(t *testing.T) {
	started := time.Now().UTC()
	finished := started.Add(time.Second)
	record := &schemas.RunRecord{
		JobID:      "job-f",
		Status:     schemas.StatusFailed,
		StartedAt:  &started,
		FinishedAt: &finished,
		Steps: []schemas.StepResult{
			{Command: "true", ExitCode: 0},
			{Command: "make", ExitCode: 2, Stderr: "Error: missing target\n"},
		},
	}
	summary := Summarize(record)
	assert.Equal(t, "FAILED", summary.StatusLabel)
	assert.Equal(t, 1, summary.StepsFailed)
	assert.Contains(t, summary.OneLiner, "Failed:")
	assert.Contains(t, summary.KeyEvents[0], "Failed at step 2 of 2")
}

func TestSummarizeTimeout(t *testing.T) {
	started := time.Now().UTC()
	finished := started.Add(61 * time.Second)
	record := &schemas.RunRecord{
		JobID:      "job-t",
		Status:     schemas.StatusTimedOut,
		StartedAt:  &started,
		FinishedAt: &finished,
	}
	summary := Summarize(record)
	assert.Contains(t, summary.OneLiner, "Timed out after 1m 1s")
	assert.NotEmpty(t, summary.Suggestions)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5.0s", formatDuration(5))
	assert.Equal(t, "2m 30s", formatDuration(150))
	assert.Equal(t, "1h 5m", formatDuration(3900))
}
