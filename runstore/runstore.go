// Package runstore persists run records: one directory per run holding
// run.json, the streaming steps.jsonl, and any extracted artifacts.
// Writes are temp-file-then-rename so readers never observe a partial
// document.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/treksavvysky/OrcaOps/schemas"
)

// Store is the disk-backed run record store.
type Store struct {
	dir string
	log *logrus.Entry
}

func NewStore(dir string, log *logrus.Entry) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runstore: create dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the artifacts root.
func (s *Store) Dir() string { return s.dir }

// RunDir returns (and creates) the directory for one run.
func (s *Store) RunDir(jobID string) (string, error) {
	dir := filepath.Join(s.dir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("runstore: create run dir: %w", err)
	}
	return dir, nil
}

// Put atomically replaces run.json for the record. Persistence failures
// retry once before surfacing.
func (s *Store) Put(record *schemas.RunRecord) error {
	err := s.writeRecord(record)
	if err != nil {
		s.log.WithError(err).Warnf("runstore: retrying write for %s", record.JobID)
		err = s.writeRecord(record)
	}
	return err
}

func (s *Store) writeRecord(record *schemas.RunRecord) error {
	dir, err := s.RunDir(record.JobID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal %s: %w", record.JobID, err)
	}
	tmp, err := os.CreateTemp(dir, ".run-*.tmp")
	if err != nil {
		return fmt.Errorf("runstore: temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("runstore: write %s: %w", record.JobID, err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, "run.json"))
}

// AppendStep streams one step result onto steps.jsonl as it finishes.
func (s *Store) AppendStep(jobID string, step schemas.StepResult) error {
	dir, err := s.RunDir(jobID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("runstore: marshal step: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "steps.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("runstore: open steps.jsonl: %w", err)
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Get loads one record, nil when absent or unreadable.
func (s *Store) Get(jobID string) *schemas.RunRecord {
	data, err := os.ReadFile(filepath.Join(s.dir, jobID, "run.json"))
	if err != nil {
		return nil
	}
	var record schemas.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.log.WithError(err).Warnf("runstore: unreadable record for %s", jobID)
		return nil
	}
	return &record
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Status      schemas.JobStatus
	Image       string // glob over the spec image
	Tags        []string
	TriggeredBy string
	After       time.Time
	Before      time.Time
	MinDuration time.Duration
	MaxDuration time.Duration
}

// List scans every run directory and returns matching records newest
// first, plus the total match count before pagination.
func (s *Store) List(filter Filter, limit, offset int) ([]*schemas.RunRecord, int) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0
	}

	var records []*schemas.RunRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record := s.Get(entry.Name())
		if record == nil {
			continue
		}
		if matches(record, filter) {
			records = append(records, record)
		}
	}

	slices.SortFunc(records, func(a, b *schemas.RunRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	total := len(records)
	if offset >= total {
		return nil, total
	}
	records = records[offset:]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, total
}

// Delete removes the run directory with all artifacts.
func (s *Store) Delete(jobID string) bool {
	dir := filepath.Join(s.dir, jobID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return false
	}
	return os.RemoveAll(dir) == nil
}

// Cleanup deletes runs created before the cutoff, returning their ids.
func (s *Store) Cleanup(olderThan time.Duration) []string {
	cutoff := time.Now().UTC().Add(-olderThan)
	records, _ := s.List(Filter{}, 0, 0)
	var deleted []string
	for _, record := range records {
		if record.CreatedAt.Before(cutoff) {
			if s.Delete(record.JobID) {
				deleted = append(deleted, record.JobID)
			}
		}
	}
	return deleted
}

// ArtifactPath returns the on-disk path of one extracted artifact, empty
// when missing. The name is constrained to the run directory.
func (s *Store) ArtifactPath(jobID, name string) string {
	p := filepath.Join(s.dir, jobID, filepath.Clean("/"+name))
	if info, err := os.Stat(p); err != nil || info.IsDir() {
		return ""
	}
	return p
}

// ListArtifacts names the extracted files for a run (run.json and
// steps.jsonl excluded).
func (s *Store) ListArtifacts(jobID string) []string {
	entries, err := os.ReadDir(filepath.Join(s.dir, jobID))
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == "run.json" || name == "steps.jsonl" || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func matches(r *schemas.RunRecord, f Filter) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Image != "" {
		image := ""
		if r.Spec != nil {
			image = r.Spec.Image
		}
		if ok, err := path.Match(f.Image, image); err != nil || !ok {
			if !strings.Contains(image, f.Image) {
				return false
			}
		}
	}
	if len(f.Tags) > 0 {
		if r.Spec == nil {
			return false
		}
		for _, want := range f.Tags {
			if !slices.Contains(r.Spec.Tags, want) {
				return false
			}
		}
	}
	if f.TriggeredBy != "" {
		if r.Spec == nil || r.Spec.TriggeredBy != f.TriggeredBy {
			return false
		}
	}
	if !f.After.IsZero() && r.CreatedAt.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && r.CreatedAt.After(f.Before) {
		return false
	}
	if f.MinDuration > 0 && r.Duration() < f.MinDuration {
		return false
	}
	if f.MaxDuration > 0 && r.Duration() > f.MaxDuration {
		return false
	}
	return true
}
