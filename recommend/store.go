package recommend

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// Store persists recommendations as date-partitioned JSONL files, the
// same discipline the anomaly store uses. Status updates rewrite the
// owning file in place through a temp file and rename.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save appends recommendations to the day's file and returns them.
func (s *Store) Save(recs []Recommendation) []Recommendation {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(s.dir, recs[0].CreatedAt.Local().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Recommendation
	for _, rec := range recs {
		if rec.Status == "" {
			rec.Status = StatusActive
		}
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// List returns recommendations newest first, optionally by type and
// status.
func (s *Store) List(recType Type, status RecStatus, limit int) []Recommendation {
	var matched []Recommendation
	for _, rec := range s.scanAll() {
		if recType != "" && rec.Type != recType {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		matched = append(matched, rec)
	}
	slices.SortFunc(matched, func(a, b Recommendation) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// Get returns one recommendation by id, nil when unknown.
func (s *Store) Get(recommendationID string) *Recommendation {
	for _, rec := range s.scanAll() {
		if rec.RecommendationID == recommendationID {
			r := rec
			return &r
		}
	}
	return nil
}

// Dismiss marks a recommendation dismissed.
func (s *Store) Dismiss(recommendationID string) bool {
	return s.updateStatus(recommendationID, StatusDismissed)
}

// MarkApplied marks a recommendation applied.
func (s *Store) MarkApplied(recommendationID string) bool {
	return s.updateStatus(recommendationID, StatusApplied)
}

func (s *Store) updateStatus(recommendationID string, status RecStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		lines, found := rewriteStatus(path, recommendationID, status)
		if !found {
			continue
		}
		tmp, err := os.CreateTemp(s.dir, ".recommendations-*.tmp")
		if err != nil {
			return false
		}
		for _, line := range lines {
			if _, err := tmp.WriteString(line + "\n"); err != nil {
				tmp.Close()
				os.Remove(tmp.Name())
				return false
			}
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return false
		}
		return os.Rename(tmp.Name(), path) == nil
	}
	return false
}

func rewriteStatus(path, recommendationID string, status RecStatus) ([]string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var lines []string
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Recommendation
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			lines = append(lines, line)
			continue
		}
		if rec.RecommendationID == recommendationID {
			rec.Status = status
			found = true
			if data, err := json.Marshal(rec); err == nil {
				lines = append(lines, string(data))
				continue
			}
		}
		lines = append(lines, line)
	}
	return lines, found
}

func (s *Store) scanAll() []Recommendation {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var recs []Recommendation
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		f, err := os.Open(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var rec Recommendation
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				continue
			}
			recs = append(recs, rec)
		}
		f.Close()
	}
	return recs
}
