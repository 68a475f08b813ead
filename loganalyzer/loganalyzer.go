// Package loganalyzer extracts errors, warnings, and stack traces from
// captured step output and produces the deterministic run summary. All
// detection is regex based; nothing here calls out of process.
package loganalyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/treksavvysky/OrcaOps/schemas"
)

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(error|exception|fatal)\b[:\s]`),
	regexp.MustCompile(`(?i)\btraceback\b`),
	regexp.MustCompile(`(?i)\bfailed\b[:\s]`),
	regexp.MustCompile(`exit code [1-9]\d*`),
	regexp.MustCompile(`(?i)\bpanic\b[:\s]`),
}

var warningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(warning|warn)\b[:\s]`),
	regexp.MustCompile(`(?i)\bdeprecated\b`),
}

// Stack trace openers for Python, Node, Go, and Java.
var stackTraceStart = []*regexp.Regexp{
	regexp.MustCompile(`Traceback \(most recent call last\)`),
	regexp.MustCompile(`^\s+at\s+.+\(.+:\d+:\d+\)`),
	regexp.MustCompile(`^goroutine \d+ \[`),
	regexp.MustCompile(`^\s+at\s+[\w.$]+\([\w.]+\.java:\d+\)`),
}

const (
	maxStackTraces = 5
	maxErrorLines  = 20
	maxLineLength  = 200
)

// AnalyzeStep analyzes a single step's combined output.
func AnalyzeStep(step schemas.StepResult) schemas.LogAnalysis {
	return analyzeText(step.Stdout + "\n" + step.Stderr)
}

// AnalyzeRecord aggregates analysis across every step of a run.
func AnalyzeRecord(record *schemas.RunRecord) schemas.LogAnalysis {
	var out schemas.LogAnalysis
	for _, step := range record.Steps {
		a := AnalyzeStep(step)
		out.ErrorCount += a.ErrorCount
		out.WarningCount += a.WarningCount
		if out.FirstError == "" {
			out.FirstError = a.FirstError
		}
		out.StackTraces = append(out.StackTraces, a.StackTraces...)
		out.ErrorLines = append(out.ErrorLines, a.ErrorLines...)
	}
	if len(out.StackTraces) > maxStackTraces {
		out.StackTraces = out.StackTraces[:maxStackTraces]
	}
	if len(out.ErrorLines) > maxErrorLines {
		out.ErrorLines = out.ErrorLines[:maxErrorLines]
	}
	return out
}

func analyzeText(text string) schemas.LogAnalysis {
	var analysis schemas.LogAnalysis

	inTrace := false
	var current []string
	flush := func() {
		if inTrace && len(current) > 0 {
			analysis.StackTraces = append(analysis.StackTraces, strings.Join(current, "\n"))
		}
		current = nil
		inTrace = false
	}

	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			flush()
			continue
		}

		// Trace openers match against the raw line: indentation matters
		// for Node and Java frames.
		isTraceStart := false
		for _, pat := range stackTraceStart {
			if pat.MatchString(line) {
				flush()
				current = []string{stripped}
				inTrace = true
				isTraceStart = true
				break
			}
		}

		if !isTraceStart && inTrace {
			indented := strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t")
			continuation := strings.HasPrefix(stripped, "Caused by") || strings.HasPrefix(stripped, "...")
			if indented || continuation {
				current = append(current, stripped)
			} else {
				// The final exception line ("ValueError: bad") closes a
				// Python trace without indentation.
				if strings.Contains(stripped, ":") {
					current = append(current, stripped)
				}
				flush()
			}
		}

		matched := false
		for _, pat := range errorPatterns {
			if pat.MatchString(stripped) {
				analysis.ErrorCount++
				truncated := stripped
				if len(truncated) > maxLineLength {
					truncated = truncated[:maxLineLength]
				}
				analysis.ErrorLines = append(analysis.ErrorLines, truncated)
				if analysis.FirstError == "" {
					analysis.FirstError = truncated
				}
				matched = true
				break
			}
		}
		if !matched {
			for _, pat := range warningPatterns {
				if pat.MatchString(stripped) {
					analysis.WarningCount++
					break
				}
			}
		}
	}
	flush()

	if len(analysis.StackTraces) > maxStackTraces {
		analysis.StackTraces = analysis.StackTraces[:maxStackTraces]
	}
	if len(analysis.ErrorLines) > maxErrorLines {
		analysis.ErrorLines = analysis.ErrorLines[:maxErrorLines]
	}
	return analysis
}

// Summarize builds the deterministic run summary from a finalized record.
func Summarize(record *schemas.RunRecord) *schemas.JobSummary {
	analysis := record.LogAnalysis
	if analysis == nil {
		a := AnalyzeRecord(record)
		analysis = &a
	}

	durationHuman := formatDuration(record.Duration().Seconds())
	stepCount := len(record.Steps)
	passed := 0
	for _, s := range record.Steps {
		if s.ExitCode == 0 {
			passed++
		}
	}

	summary := &schemas.JobSummary{
		StatusLabel:   statusLabel(record.Status),
		DurationHuman: durationHuman,
		StepCount:     stepCount,
		StepsPassed:   passed,
		StepsFailed:   stepCount - passed,
	}
	if n := len(analysis.ErrorLines); n > 0 {
		if n > 5 {
			n = 5
		}
		summary.Errors = analysis.ErrorLines[:n]
	}

	switch record.Status {
	case schemas.StatusSuccess:
		summary.KeyEvents = append(summary.KeyEvents, fmt.Sprintf("All %d step(s) completed successfully", stepCount))
		summary.OneLiner = fmt.Sprintf("%d step(s) passed in %s", stepCount, durationHuman)
	case schemas.StatusFailed:
		summary.KeyEvents = append(summary.KeyEvents, fmt.Sprintf("Failed at step %d of %d", passed+1, stepCount))
		if analysis.FirstError != "" {
			first := analysis.FirstError
			if len(first) > 80 {
				first = first[:80]
			}
			summary.OneLiner = "Failed: " + first
		} else {
			summary.OneLiner = "Failed after " + durationHuman
		}
	case schemas.StatusTimedOut:
		summary.KeyEvents = append(summary.KeyEvents, "Job exceeded time limit")
		summary.OneLiner = "Timed out after " + durationHuman
	case schemas.StatusCancelled:
		summary.KeyEvents = append(summary.KeyEvents, "Job was cancelled")
		summary.OneLiner = "Cancelled after " + durationHuman
	default:
		summary.OneLiner = fmt.Sprintf("%s in %s", record.Status, durationHuman)
	}

	if len(record.Artifacts) > 0 {
		summary.KeyEvents = append(summary.KeyEvents, fmt.Sprintf("Collected %d artifact(s)", len(record.Artifacts)))
	}
	if record.ResourceUsage != nil && record.ResourceUsage.MemoryPeakMB > 0 {
		summary.KeyEvents = append(summary.KeyEvents, fmt.Sprintf("Peak memory: %.1f MB", record.ResourceUsage.MemoryPeakMB))
	}

	if record.Status == schemas.StatusTimedOut {
		summary.Suggestions = append(summary.Suggestions, "Consider increasing the timeout or optimizing the command")
	}
	if record.Status == schemas.StatusFailed && len(analysis.StackTraces) > 0 {
		summary.Suggestions = append(summary.Suggestions, "Review the stack trace(s) for root cause")
	}
	if record.Status == schemas.StatusFailed && analysis.FirstError == "" {
		summary.Suggestions = append(summary.Suggestions, "Check step stderr output for error details")
	}
	if analysis.WarningCount > 10 {
		summary.Suggestions = append(summary.Suggestions,
			fmt.Sprintf("%d warnings detected -- review for potential issues", analysis.WarningCount))
	}

	return summary
}

func statusLabel(status schemas.JobStatus) string {
	if status == schemas.StatusSuccess {
		return "PASSED"
	}
	return string(status)
}

func formatDuration(seconds float64) string {
	if seconds < 60 {
		return fmt.Sprintf("%.1fs", seconds)
	}
	minutes := int(seconds) / 60
	secs := int(seconds) % 60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, secs)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}
