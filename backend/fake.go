package backend

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/treksavvysky/OrcaOps/schemas"
)

// FakeBackend is an in-memory Backend for tests. Exec output is scripted
// per command; a command of the form "sleep N" blocks for N seconds or
// until the container is stopped, which is how tests exercise timeouts
// and cancellation.
type FakeBackend struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	networks   map[string]string
	nextID     int

	// Script maps an exact command string to its result.
	Script map[string]ExecResult
	// ExecFunc, when set, overrides Script entirely.
	ExecFunc func(containerID string, cmd []string) ExecResult
	// Files maps in-container paths to contents for ListMatching/Copy.
	Files map[string]string
	// Usage is returned from Stats when set.
	Usage *schemas.ResourceUsage
	// HealthStates maps container image to the health reported.
	HealthStates map[string]HealthState
	// PullErr fails Pull for matching images.
	PullErr map[string]error
}

type fakeContainer struct {
	id      string
	image   string
	labels  map[string]string
	network string
	stopped chan struct{}
	removed bool
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		containers:   make(map[string]*fakeContainer),
		networks:     make(map[string]string),
		Script:       make(map[string]ExecResult),
		Files:        make(map[string]string),
		HealthStates: make(map[string]HealthState),
		PullErr:      make(map[string]error),
	}
}

func (f *FakeBackend) Pull(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.PullErr[image]; ok {
		return err
	}
	return nil
}

func (f *FakeBackend) Create(ctx context.Context, opts CreateOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ctr-%04d", f.nextID)
	f.containers[id] = &fakeContainer{
		id:      id,
		image:   opts.Image,
		labels:  opts.Labels,
		network: opts.NetworkID,
		stopped: make(chan struct{}),
	}
	return id, nil
}

func (f *FakeBackend) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return fmt.Errorf("fake: no such container %s", containerID)
	}
	return nil
}

func (f *FakeBackend) get(containerID string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[containerID]
}

func (f *FakeBackend) Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error) {
	ctr := f.get(containerID)
	if ctr == nil {
		return ExecResult{}, fmt.Errorf("fake: no such container %s", containerID)
	}

	if f.ExecFunc != nil {
		return f.ExecFunc(containerID, cmd), nil
	}

	joined := strings.Join(cmd, " ")
	// Shell-wrapped commands arrive as /bin/sh -c <script>.
	if len(cmd) == 3 && cmd[0] == "/bin/sh" && cmd[1] == "-c" {
		joined = cmd[2]
	}

	if fields := strings.Fields(joined); len(fields) == 2 && fields[0] == "sleep" {
		secs, err := strconv.ParseFloat(fields[1], 64)
		if err == nil {
			select {
			case <-time.After(time.Duration(secs * float64(time.Second))):
				return ExecResult{ExitCode: 0}, nil
			case <-ctr.stopped:
				return ExecResult{ExitCode: 137, Stderr: "killed"}, nil
			case <-ctx.Done():
				return ExecResult{ExitCode: 137}, ctx.Err()
			}
		}
	}

	if res, ok := f.Script[joined]; ok {
		return res, nil
	}

	switch {
	case strings.HasPrefix(joined, "echo "):
		return ExecResult{ExitCode: 0, Stdout: strings.TrimPrefix(joined, "echo ") + "\n"}, nil
	case joined == "true":
		return ExecResult{ExitCode: 0}, nil
	case joined == "false":
		return ExecResult{ExitCode: 1}, nil
	}
	return ExecResult{ExitCode: 0}, nil
}

func (f *FakeBackend) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("fake: no such container %s", containerID)
	}
	select {
	case <-ctr.stopped:
	default:
		close(ctr.stopped)
	}
	return nil
}

func (f *FakeBackend) Remove(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("fake: no such container %s", containerID)
	}
	ctr.removed = true
	return nil
}

// Removed reports whether the container was removed; tests assert
// cleanup-policy behavior through it.
func (f *FakeBackend) Removed(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	return ok && ctr.removed
}

func (f *FakeBackend) Copy(ctx context.Context, containerID, inPath, hostDir string) (string, error) {
	f.mu.Lock()
	content, ok := f.Files[inPath]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("fake: no such path %s", inPath)
	}
	local := filepath.Join(hostDir, filepath.Base(inPath))
	if err := os.WriteFile(local, []byte(content), 0o644); err != nil {
		return "", err
	}
	return local, nil
}

func (f *FakeBackend) Stats(ctx context.Context, containerID string) (*schemas.ResourceUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Usage == nil {
		return nil, fmt.Errorf("fake: stats unavailable")
	}
	cp := *f.Usage
	return &cp, nil
}

func (f *FakeBackend) ListMatching(ctx context.Context, containerID, glob string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for p := range f.Files {
		if ok, _ := path.Match(glob, p); ok {
			paths = append(paths, p)
		} else if glob == p {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (f *FakeBackend) Health(ctx context.Context, containerID string) (HealthState, error) {
	ctr := f.get(containerID)
	if ctr == nil {
		return HealthNone, fmt.Errorf("fake: no such container %s", containerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.HealthStates[ctr.image]; ok {
		return state, nil
	}
	return HealthNone, nil
}

func (f *FakeBackend) ImageDigest(ctx context.Context, image string) (string, error) {
	return "sha256:" + strings.Repeat("0", 64), nil
}

func (f *FakeBackend) ListByLabel(ctx context.Context, label, value string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, ctr := range f.containers {
		if ctr.removed {
			continue
		}
		if ctr.labels[label] == value {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *FakeBackend) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "net-" + name
	f.networks[id] = name
	return id, nil
}

func (f *FakeBackend) RemoveNetwork(ctx context.Context, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[networkID]; !ok {
		return fmt.Errorf("fake: no such network %s", networkID)
	}
	delete(f.networks, networkID)
	return nil
}

// NetworkCount reports live networks; tests assert teardown through it.
func (f *FakeBackend) NetworkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.networks)
}

func (f *FakeBackend) Connect(ctx context.Context, containerID, networkID string, aliases []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("fake: no such container %s", containerID)
	}
	ctr.network = networkID
	return nil
}
