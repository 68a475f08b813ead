// Package workspace holds tenant workspaces: identity, per-workspace
// resource limits, and policy settings, persisted one directory per
// workspace under the base directory.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// DefaultWorkspaceID is always present; jobs without a workspace land here.
const DefaultWorkspaceID = "ws_default"

type OwnerType string

const (
	OwnerUser OwnerType = "user"
	OwnerTeam OwnerType = "team"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusArchived  Status = "archived"
)

// ResourceLimits caps what a workspace may consume.
type ResourceLimits struct {
	MaxConcurrentJobs      int     `json:"max_concurrent_jobs"`
	MaxConcurrentSandboxes int     `json:"max_concurrent_sandboxes"`
	MaxJobDurationSeconds  int     `json:"max_job_duration_seconds"`
	MaxCPUPerJob           float64 `json:"max_cpu_per_job"`
	MaxMemoryPerJobMB      int     `json:"max_memory_per_job_mb"`
	MaxArtifactsSizeMB     int     `json:"max_artifacts_size_mb"`
	DailyJobLimit          *int    `json:"daily_job_limit,omitempty"`
}

// DefaultLimits returns the limits applied when a workspace declares none.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxConcurrentJobs:      5,
		MaxConcurrentSandboxes: 10,
		MaxJobDurationSeconds:  3600,
		MaxCPUPerJob:           2,
		MaxMemoryPerJobMB:      2048,
		MaxArtifactsSizeMB:     512,
	}
}

// Settings carries workspace-scoped policy preferences.
type Settings struct {
	DefaultCleanupPolicy string   `json:"default_cleanup_policy,omitempty"`
	AllowedImages        []string `json:"allowed_images,omitempty"`
	BlockedImages        []string `json:"blocked_images,omitempty"`
	MaxJobTimeout        int      `json:"max_job_timeout,omitempty"`
	ReadOnlyRootFS       bool     `json:"read_only_root_fs,omitempty"`
}

// Workspace is one tenant boundary.
type Workspace struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	OwnerType OwnerType      `json:"owner_type"`
	OwnerID   string         `json:"owner_id"`
	Settings  Settings       `json:"settings"`
	Limits    ResourceLimits `json:"limits"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Registry is the workspace store: mutex-guarded cache over one JSON file
// per workspace.
type Registry struct {
	dir   string
	mu    sync.Mutex
	cache map[string]*Workspace
	log   *logrus.Entry
}

// NewRegistry loads every workspace found under dir and guarantees the
// default workspace exists.
func NewRegistry(dir string, log *logrus.Entry) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create dir: %w", err)
	}
	r := &Registry{
		dir:   dir,
		cache: make(map[string]*Workspace),
		log:   log,
	}
	r.loadAll()
	if _, err := r.Default(); err != nil {
		return nil, err
	}
	return r, nil
}

// Create registers a new workspace. Names must be unique among
// non-archived workspaces.
func (r *Registry) Create(name string, ownerType OwnerType, ownerID string, settings *Settings, limits *ResourceLimits, workspaceID string) (*Workspace, error) {
	id := workspaceID
	if id == "" {
		id = "ws_" + uuid.New().String()[:8]
	}
	ws := &Workspace{
		ID:        id,
		Name:      name,
		OwnerType: ownerType,
		OwnerID:   ownerID,
		Limits:    DefaultLimits(),
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if settings != nil {
		ws.Settings = *settings
	}
	if limits != nil {
		ws.Limits = *limits
	}

	r.mu.Lock()
	if _, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("workspace %q already exists", id)
	}
	for _, existing := range r.cache {
		if existing.Name == name && existing.Status != StatusArchived {
			r.mu.Unlock()
			return nil, fmt.Errorf("workspace name %q already in use", name)
		}
	}
	r.cache[id] = ws
	r.mu.Unlock()

	if err := r.persist(ws); err != nil {
		return nil, err
	}
	return cloneWorkspace(ws), nil
}

// Get returns the workspace or nil when unknown.
func (r *Registry) Get(id string) *Workspace {
	r.mu.Lock()
	ws, ok := r.cache[id]
	r.mu.Unlock()
	if ok {
		return cloneWorkspace(ws)
	}
	return r.loadFromDisk(id)
}

// Default returns the default workspace, creating it on first use.
func (r *Registry) Default() (*Workspace, error) {
	if ws := r.Get(DefaultWorkspaceID); ws != nil {
		return ws, nil
	}
	return r.Create("default", OwnerUser, "system", nil, nil, DefaultWorkspaceID)
}

// List returns workspaces sorted newest first, optionally by status.
func (r *Registry) List(status Status) []*Workspace {
	r.mu.Lock()
	out := make([]*Workspace, 0, len(r.cache))
	for _, ws := range r.cache {
		if status == "" || ws.Status == status {
			out = append(out, cloneWorkspace(ws))
		}
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Workspace) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// Update applies partial changes to a workspace.
func (r *Registry) Update(id string, settings *Settings, limits *ResourceLimits, status Status) (*Workspace, error) {
	r.mu.Lock()
	ws, ok := r.cache[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("workspace %q not found", id)
	}
	ws.UpdatedAt = time.Now().UTC()
	if settings != nil {
		ws.Settings = *settings
	}
	if limits != nil {
		ws.Limits = *limits
	}
	if status != "" {
		ws.Status = status
	}
	snapshot := cloneWorkspace(ws)
	r.mu.Unlock()

	if err := r.persist(snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Archive marks the workspace archived; archived workspaces free their name.
func (r *Registry) Archive(id string) bool {
	_, err := r.Update(id, nil, nil, StatusArchived)
	return err == nil
}

func (r *Registry) persist(ws *Workspace) error {
	wsDir := filepath.Join(r.dir, ws.ID)
	if err := os.MkdirAll(wsDir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir %s: %w", wsDir, err)
	}
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal %s: %w", ws.ID, err)
	}
	tmp, err := os.CreateTemp(wsDir, ".workspace-*.tmp")
	if err != nil {
		return fmt.Errorf("workspace: temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("workspace: write %s: %w", ws.ID, err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(wsDir, "workspace.json"))
}

func (r *Registry) loadFromDisk(id string) *Workspace {
	path := filepath.Join(r.dir, id, "workspace.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		r.log.WithError(err).Warnf("workspace: unreadable record %s", path)
		return nil
	}
	r.mu.Lock()
	r.cache[id] = &ws
	r.mu.Unlock()
	return cloneWorkspace(&ws)
}

func (r *Registry) loadAll() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name(), "workspace.json")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var ws Workspace
		if err := json.Unmarshal(data, &ws); err != nil {
			r.log.WithError(err).Warnf("workspace: skipping %s", path)
			continue
		}
		r.cache[ws.ID] = &ws
	}
}

func cloneWorkspace(ws *Workspace) *Workspace {
	cp := *ws
	cp.Settings.AllowedImages = append([]string(nil), ws.Settings.AllowedImages...)
	cp.Settings.BlockedImages = append([]string(nil), ws.Settings.BlockedImages...)
	if ws.Limits.DailyJobLimit != nil {
		v := *ws.Limits.DailyJobLimit
		cp.Limits.DailyJobLimit = &v
	}
	return &cp
}
