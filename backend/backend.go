// Package backend defines the narrow container-backend interface the
// execution kernel consumes, plus its Docker implementation and an
// in-memory fake for tests. Everything above this package treats
// containers as opaque ids.
package backend

import (
	"context"
	"time"

	"github.com/treksavvysky/OrcaOps/schemas"
)

// SecurityOpts is the hardening vector applied at container creation.
type SecurityOpts struct {
	DropCapabilities []string
	NoNewPrivileges  bool
	ReadOnlyRootFS   bool
}

// ResourceCaps bounds one sandbox.
type ResourceCaps struct {
	CPUs     float64
	MemoryMB int
}

// CreateOpts describes one sandbox container. The command keeps the
// container alive; individual job steps run through Exec.
type CreateOpts struct {
	Image     string
	Cmd       []string
	Env       map[string]string
	Name      string
	Labels    map[string]string
	NetworkID string
	Aliases   []string
	Security  SecurityOpts
	Caps      ResourceCaps
}

// ExecResult is the captured outcome of one exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// HealthState is the reported container health.
type HealthState string

const (
	HealthNone      HealthState = "none"
	HealthStarting  HealthState = "starting"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Backend is the container primitive surface. Implementations must be
// safe for concurrent use; every blocking operation takes a context.
type Backend interface {
	// Pull ensures the image is present locally.
	Pull(ctx context.Context, image string) error
	// Create builds a container and returns its id.
	Create(ctx context.Context, opts CreateOpts) (string, error)
	// Start starts a created container.
	Start(ctx context.Context, containerID string) error
	// Exec runs one command inside a running container and captures its
	// demultiplexed output.
	Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error)
	// Stop stops a container, graceful within grace then forceful.
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	// Remove deletes a container.
	Remove(ctx context.Context, containerID string, force bool) error
	// Copy extracts one path from the container into hostDir and returns
	// the local file path.
	Copy(ctx context.Context, containerID, inPath, hostDir string) (string, error)
	// Stats returns a point-in-time resource snapshot.
	Stats(ctx context.Context, containerID string) (*schemas.ResourceUsage, error)
	// ListMatching enumerates in-container paths matching a glob.
	ListMatching(ctx context.Context, containerID, glob string) ([]string, error)
	// Health reports container health; HealthNone when the image defines
	// no healthcheck but the container is running.
	Health(ctx context.Context, containerID string) (HealthState, error)
	// ImageDigest returns the resolved digest of a local image, empty
	// when unavailable.
	ImageDigest(ctx context.Context, image string) (string, error)
	// ListByLabel returns container ids carrying label=value.
	ListByLabel(ctx context.Context, label, value string) ([]string, error)

	// CreateNetwork creates a named network and returns its id.
	CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	// RemoveNetwork deletes a network by id or name.
	RemoveNetwork(ctx context.Context, networkID string) error
	// Connect attaches a running container to a network under aliases.
	Connect(ctx context.Context, containerID, networkID string, aliases []string) error
}
