package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/OrcaOps/pkg/logger"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := NewLogger(dir, logger.InitLogger("error", "test"))
	require.NoError(t, err)
	return l, dir
}

func TestLogAppendsDatePartitionedFile(t *testing.T) {
	l, dir := newTestLogger(t)

	event := l.LogAction("ws_default", "user", "alice", ActionJobCreated,
		"job", "job-1", OutcomeSuccess, map[string]string{"k": "v"})
	assert.NotEmpty(t, event.EventID)
	assert.True(t, strings.HasPrefix(event.EventID, "evt_"))

	path := filepath.Join(dir, time.Now().Local().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &decoded))
	assert.Equal(t, ActionJobCreated, decoded.Action)
	assert.Equal(t, "job-1", decoded.ResourceID)
	assert.Equal(t, OutcomeSuccess, decoded.Outcome)
}

func TestQueryFilters(t *testing.T) {
	l, _ := newTestLogger(t)

	l.LogAction("ws_a", "user", "alice", ActionJobCreated, "job", "j1", OutcomeSuccess, nil)
	l.LogAction("ws_a", "user", "alice", ActionJobDenied, "job", "j2", OutcomeDenied, nil)
	l.LogAction("ws_b", "user", "bob", ActionJobCreated, "job", "j3", OutcomeSuccess, nil)

	events, total := l.Query(QueryFilter{WorkspaceID: "ws_a"}, 0, 0)
	assert.Equal(t, 2, total)
	assert.Len(t, events, 2)

	events, total = l.Query(QueryFilter{Action: ActionJobDenied}, 0, 0)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, "j2", events[0].ResourceID)
	assert.Equal(t, OutcomeDenied, events[0].Outcome)

	events, _ = l.Query(QueryFilter{ResourceID: "j3"}, 0, 0)
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].ActorID)
}

func TestQueryNewestFirstAndPagination(t *testing.T) {
	l, _ := newTestLogger(t)
	for i := 0; i < 5; i++ {
		l.LogAction("ws", "user", "u", ActionJobCreated, "job", string(rune('a'+i)), OutcomeSuccess, nil)
	}

	events, total := l.Query(QueryFilter{}, 2, 0)
	assert.Equal(t, 5, total)
	require.Len(t, events, 2)
	// Newest first: the last appended event leads.
	assert.Equal(t, "e", events[0].ResourceID)

	events, _ = l.Query(QueryFilter{}, 2, 4)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].ResourceID)
}

func TestTimestampsMonotonicPerFile(t *testing.T) {
	l, dir := newTestLogger(t)
	for i := 0; i < 10; i++ {
		l.LogAction("ws", "user", "u", ActionJobCreated, "job", "j", OutcomeSuccess, nil)
	}

	path := filepath.Join(dir, time.Now().Local().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var prev time.Time
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		assert.False(t, e.Timestamp.Before(prev))
		prev = e.Timestamp
	}
}

func TestConcurrentAppendsAreLineAtomic(t *testing.T) {
	l, dir := newTestLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.LogAction("ws", "user", "u", ActionJobCompleted, "job", "j", OutcomeSuccess,
				map[string]string{"payload": strings.Repeat("x", 256)})
		}()
	}
	wg.Wait()

	path := filepath.Join(dir, time.Now().Local().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e), "torn line")
		count++
	}
	assert.Equal(t, 20, count)
}

func TestCleanup(t *testing.T) {
	l, dir := newTestLogger(t)

	old := filepath.Join(dir, "2020-01-01.jsonl")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	l.LogAction("ws", "user", "u", ActionJobCreated, "job", "j", OutcomeSuccess, nil)

	deleted := l.Cleanup(90 * 24 * time.Hour)
	assert.Equal(t, 1, deleted)
	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}
