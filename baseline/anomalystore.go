package baseline

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/treksavvysky/OrcaOps/schemas"
)

// AnomalyRecord is one persisted detection.
type AnomalyRecord struct {
	AnomalyID    string                  `json:"anomaly_id"`
	JobID        string                  `json:"job_id"`
	Fingerprint  string                  `json:"fingerprint"`
	Type         schemas.AnomalyType     `json:"type"`
	Severity     schemas.AnomalySeverity `json:"severity"`
	Expected     string                  `json:"expected"`
	Actual       string                  `json:"actual"`
	Message      string                  `json:"message"`
	DetectedAt   time.Time               `json:"detected_at"`
	Acknowledged bool                    `json:"acknowledged"`
}

// AnomalyStore appends anomaly records to date-partitioned JSONL files.
type AnomalyStore struct {
	dir string
	mu  sync.Mutex
}

func NewAnomalyStore(dir string) *AnomalyStore {
	return &AnomalyStore{dir: dir}
}

// Record persists the anomalies detected for one run and returns the
// stored records.
func (s *AnomalyStore) Record(jobID, fingerprint string, anomalies []schemas.Anomaly) []AnomalyRecord {
	if len(anomalies) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil
	}
	now := time.Now().UTC()
	path := filepath.Join(s.dir, now.Local().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []AnomalyRecord
	for _, a := range anomalies {
		rec := AnomalyRecord{
			AnomalyID:   "anom_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
			JobID:       jobID,
			Fingerprint: fingerprint,
			Type:        a.Type,
			Severity:    a.Severity,
			Expected:    a.Expected,
			Actual:      a.Actual,
			Message:     a.Message,
			DetectedAt:  now,
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

// AnomalyFilter narrows Query.
type AnomalyFilter struct {
	Type         schemas.AnomalyType
	Severity     schemas.AnomalySeverity
	JobID        string
	Acknowledged *bool
}

// Query returns matching records newest first plus the total count.
func (s *AnomalyStore) Query(filter AnomalyFilter, limit, offset int) ([]AnomalyRecord, int) {
	records := s.scanAll()

	var matched []AnomalyRecord
	for _, r := range records {
		if filter.Type != "" && r.Type != filter.Type {
			continue
		}
		if filter.Severity != "" && r.Severity != filter.Severity {
			continue
		}
		if filter.JobID != "" && r.JobID != filter.JobID {
			continue
		}
		if filter.Acknowledged != nil && r.Acknowledged != *filter.Acknowledged {
			continue
		}
		matched = append(matched, r)
	}

	slices.SortFunc(matched, func(a, b AnomalyRecord) int {
		return b.DetectedAt.Compare(a.DetectedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total
}

// Acknowledge marks one anomaly acknowledged by rewriting its file.
func (s *AnomalyStore) Acknowledge(anomalyID string) bool {
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
		lines, found := rewriteAck(path, anomalyID)
		if !found {
			continue
		}
		tmp, err := os.CreateTemp(s.dir, ".anomalies-*.tmp")
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

func rewriteAck(path, anomalyID string) ([]string, bool) {
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
		var rec AnomalyRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			lines = append(lines, line)
			continue
		}
		if rec.AnomalyID == anomalyID {
			rec.Acknowledged = true
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

func (s *AnomalyStore) scanAll() []AnomalyRecord {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var records []AnomalyRecord
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
			var rec AnomalyRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		f.Close()
	}
	return records
}
