package backend

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/treksavvysky/OrcaOps/schemas"
)

// transientAttempts bounds retries of pull/create against a flaky daemon.
const transientAttempts = 3

// DockerBackend implements Backend over the Docker Engine API.
type DockerBackend struct {
	cli *client.Client
	log *logrus.Entry
}

// NewDockerBackend connects to the daemon from the environment. With
// skipProbe set the connection is not verified, which test harnesses use
// to construct the backend without a daemon.
func NewDockerBackend(log *logrus.Entry, skipProbe bool) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: connect: %w", err)
	}
	b := &DockerBackend{cli: cli, log: log}
	if !skipProbe {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err != nil {
			return nil, fmt.Errorf("docker: daemon unreachable: %w", err)
		}
	}
	return b, nil
}

// Close releases the client.
func (b *DockerBackend) Close() error { return b.cli.Close() }

func (b *DockerBackend) retryDelay(attempt int) time.Duration {
	bo := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	return bo.ForAttempt(float64(attempt))
}

func (b *DockerBackend) Pull(ctx context.Context, image string) error {
	var lastErr error
	for attempt := 0; attempt < transientAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.retryDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		rc, err := b.cli.ImagePull(ctx, image, types.ImagePullOptions{})
		if err != nil {
			if client.IsErrNotFound(err) {
				return fmt.Errorf("docker: image %s not found: %w", image, err)
			}
			lastErr = err
			b.log.WithError(err).Warnf("docker: pull %s attempt %d", image, attempt+1)
			continue
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("docker: pull %s: %w", image, lastErr)
}

func (b *DockerBackend) Create(ctx context.Context, opts CreateOpts) (string, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:  opts.Image,
		Cmd:    opts.Cmd,
		Env:    env,
		Labels: opts.Labels,
	}
	hostCfg := &container.HostConfig{
		ReadonlyRootfs: opts.Security.ReadOnlyRootFS,
	}
	if len(opts.Security.DropCapabilities) > 0 {
		hostCfg.CapDrop = opts.Security.DropCapabilities
	}
	if opts.Security.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges:true")
	}
	if opts.Caps.CPUs > 0 {
		hostCfg.NanoCPUs = int64(opts.Caps.CPUs * 1e9)
	}
	if opts.Caps.MemoryMB > 0 {
		hostCfg.Memory = int64(opts.Caps.MemoryMB) * 1024 * 1024
	}

	netCfg := &network.NetworkingConfig{}
	if opts.NetworkID != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			opts.NetworkID: {NetworkID: opts.NetworkID, Aliases: opts.Aliases},
		}
	}

	var lastErr error
	for attempt := 0; attempt < transientAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.retryDelay(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		resp, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, opts.Name)
		if err != nil {
			if client.IsErrNotFound(err) {
				return "", fmt.Errorf("docker: create: %w", err)
			}
			lastErr = err
			b.log.WithError(err).Warnf("docker: create attempt %d", attempt+1)
			continue
		}
		return resp.ID, nil
	}
	return "", fmt.Errorf("docker: create: %w", lastErr)
}

func (b *DockerBackend) Start(ctx context.Context, containerID string) error {
	return b.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
}

func (b *DockerBackend) Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error) {
	create, err := b.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("docker: exec create: %w", err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, create.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("docker: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- copyErr
	}()
	select {
	case err = <-done:
		if err != nil {
			return ExecResult{}, fmt.Errorf("docker: exec stream: %w", err)
		}
	case <-ctx.Done():
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, create.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("docker: exec inspect: %w", err)
	}
	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (b *DockerBackend) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	return b.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
}

func (b *DockerBackend) Remove(ctx context.Context, containerID string, force bool) error {
	return b.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: force})
}

func (b *DockerBackend) Copy(ctx context.Context, containerID, inPath, hostDir string) (string, error) {
	rc, _, err := b.cli.CopyFromContainer(ctx, containerID, inPath)
	if err != nil {
		return "", fmt.Errorf("docker: copy %s: %w", inPath, err)
	}
	defer rc.Close()

	// CopyFromContainer hands back a tar stream holding the base name.
	tr := tar.NewReader(rc)
	var written string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("docker: copy stream %s: %w", inPath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		local := filepath.Join(hostDir, filepath.Base(hdr.Name))
		f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
		written = local
	}
	if written == "" {
		return "", fmt.Errorf("docker: copy %s: no regular file in stream", inPath)
	}
	return written, nil
}

func (b *DockerBackend) Stats(ctx context.Context, containerID string) (*schemas.ResourceUsage, error) {
	resp, err := b.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("docker: stats: %w", err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("docker: stats decode: %w", err)
	}

	usage := &schemas.ResourceUsage{
		CPUSeconds:   float64(stats.CPUStats.CPUUsage.TotalUsage) / 1e9,
		MemoryPeakMB: float64(stats.MemoryStats.MaxUsage) / (1024 * 1024),
	}
	if usage.MemoryPeakMB == 0 {
		usage.MemoryPeakMB = float64(stats.MemoryStats.Usage) / (1024 * 1024)
	}
	for _, nw := range stats.Networks {
		usage.NetRxBytes += int64(nw.RxBytes)
		usage.NetTxBytes += int64(nw.TxBytes)
	}
	for _, io := range stats.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(io.Op) {
		case "read":
			usage.DiskReadBytes += int64(io.Value)
		case "write":
			usage.DiskWriteBytes += int64(io.Value)
		}
	}
	return usage, nil
}

func (b *DockerBackend) ListMatching(ctx context.Context, containerID, glob string) ([]string, error) {
	// The glob is single-quoted before it reaches the shell so user
	// patterns can never break out of the argument. The shell then expands
	// the unquoted $1 as a pathname pattern only (IFS is emptied, so no
	// word splitting) and prints each regular file it names.
	quoted := "'" + strings.ReplaceAll(glob, "'", `'\''`) + "'"
	res, err := b.Exec(ctx, containerID, []string{
		"/bin/sh", "-c", fmt.Sprintf(`IFS=''; set -- %s; for p in $1; do [ -f "$p" ] && printf '%%s\n' "$p"; done; true`, quoted),
	})
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func (b *DockerBackend) Health(ctx context.Context, containerID string) (HealthState, error) {
	inspect, err := b.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return HealthNone, fmt.Errorf("docker: inspect: %w", err)
	}
	if inspect.State == nil {
		return HealthNone, fmt.Errorf("docker: inspect %s: no state", containerID)
	}
	if inspect.State.Health == nil {
		if inspect.State.Running {
			return HealthNone, nil
		}
		return HealthUnhealthy, nil
	}
	switch inspect.State.Health.Status {
	case types.Healthy:
		return HealthHealthy, nil
	case types.Starting:
		return HealthStarting, nil
	default:
		return HealthUnhealthy, nil
	}
}

func (b *DockerBackend) ImageDigest(ctx context.Context, image string) (string, error) {
	inspect, _, err := b.cli.ImageInspectWithRaw(ctx, image)
	if err != nil {
		return "", fmt.Errorf("docker: image inspect: %w", err)
	}
	if len(inspect.RepoDigests) > 0 {
		return inspect.RepoDigests[0], nil
	}
	return inspect.ID, nil
}

func (b *DockerBackend) ListByLabel(ctx context.Context, label, value string) ([]string, error) {
	args := filters.NewArgs(filters.Arg("label", label+"="+value))
	containers, err := b.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("docker: list: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (b *DockerBackend) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	resp, err := b.cli.NetworkCreate(ctx, name, types.NetworkCreate{Labels: labels})
	if err != nil {
		return "", fmt.Errorf("docker: create network %s: %w", name, err)
	}
	return resp.ID, nil
}

func (b *DockerBackend) RemoveNetwork(ctx context.Context, networkID string) error {
	return b.cli.NetworkRemove(ctx, networkID)
}

func (b *DockerBackend) Connect(ctx context.Context, containerID, networkID string, aliases []string) error {
	return b.cli.NetworkConnect(ctx, networkID, containerID, &network.EndpointSettings{Aliases: aliases})
}
