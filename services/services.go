// Package services orchestrates the dependency containers of a workflow
// job: a dedicated per-job network, concurrently started service
// containers gated on health, injected endpoint env vars, and teardown.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/treksavvysky/OrcaOps/backend"
)

// Definition describes one service container.
type Definition struct {
	Image       string            `json:"image" yaml:"image"`
	Env         map[string]string `json:"env,omitempty" yaml:"env"`
	HealthCheck string            `json:"health_check,omitempty" yaml:"health_check"`
	Port        int               `json:"port,omitempty" yaml:"port"`
}

// healthWait bounds how long one service may take to become healthy.
const healthWait = 60 * time.Second

// wellKnownPorts supplies {ALIAS}_PORT for images that declare none.
var wellKnownPorts = map[string]int{
	"postgres":      5432,
	"mysql":         3306,
	"mariadb":       3306,
	"redis":         6379,
	"mongo":         27017,
	"mongodb":       27017,
	"rabbitmq":      5672,
	"elasticsearch": 9200,
	"memcached":     11211,
	"nginx":         80,
}

// Manager starts and stops service sets. One instance serves the whole
// process; all state lives in the returned Set.
type Manager struct {
	backend backend.Backend
	log     *logrus.Entry
}

func NewManager(be backend.Backend, log *logrus.Entry) *Manager {
	return &Manager{backend: be, log: log}
}

// Set is the running services of one workflow job.
type Set struct {
	NetworkID   string
	NetworkName string
	// Containers maps alias to container id.
	Containers map[string]string
	// Env holds the {ALIAS}_HOST / {ALIAS}_PORT injections.
	Env map[string]string
}

// Start creates the job network, launches every service on it, and waits
// for health. On any failure the partial set is torn down and the error
// returned; a job never starts against half its services.
func (m *Manager) Start(ctx context.Context, workflowID, jobName string, defs map[string]Definition) (*Set, error) {
	networkName := fmt.Sprintf("orcaops-wf-%s-%s", workflowID, jobName)
	networkID, err := m.backend.CreateNetwork(ctx, networkName, map[string]string{
		"orcaops.workflow_id": workflowID,
		"orcaops.job_name":    jobName,
	})
	if err != nil {
		return nil, fmt.Errorf("services: create network %s: %w", networkName, err)
	}

	set := &Set{
		NetworkID:   networkID,
		NetworkName: networkName,
		Containers:  make(map[string]string, len(defs)),
		Env:         make(map[string]string, 2*len(defs)),
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make(chan [2]string, len(defs))
	for alias, def := range defs {
		alias, def := alias, def
		g.Go(func() error {
			containerID, err := m.startService(gctx, workflowID, networkID, alias, def)
			if containerID != "" {
				// Registered even on failure so teardown reaps it.
				results <- [2]string{alias, containerID}
			}
			return err
		})
	}
	err = g.Wait()
	close(results)
	for r := range results {
		set.Containers[r[0]] = r[1]
	}
	if err != nil {
		m.Stop(set)
		return nil, err
	}

	for alias, def := range defs {
		upper := strings.ToUpper(strings.ReplaceAll(alias, "-", "_"))
		set.Env[upper+"_HOST"] = alias
		port := def.Port
		if port == 0 {
			port = inferPort(def.Image)
		}
		if port > 0 {
			set.Env[upper+"_PORT"] = fmt.Sprint(port)
		}
	}
	return set, nil
}

func (m *Manager) startService(ctx context.Context, workflowID, networkID, alias string, def Definition) (string, error) {
	if err := m.backend.Pull(ctx, def.Image); err != nil {
		return "", fmt.Errorf("services: pull %s: %w", def.Image, err)
	}
	containerID, err := m.backend.Create(ctx, backend.CreateOpts{
		Image: def.Image,
		Env:   def.Env,
		Name:  fmt.Sprintf("%s-%s", workflowID, alias),
		Labels: map[string]string{
			"orcaops.workflow_id": workflowID,
			"orcaops.service":     alias,
		},
		NetworkID: networkID,
		Aliases:   []string{alias},
	})
	if err != nil {
		return "", fmt.Errorf("services: create %s: %w", alias, err)
	}
	if err := m.backend.Start(ctx, containerID); err != nil {
		return "", fmt.Errorf("services: start %s: %w", alias, err)
	}
	if err := m.waitHealthy(ctx, alias, containerID, def.HealthCheck); err != nil {
		return containerID, err
	}
	return containerID, nil
}

// waitHealthy probes with exponential backoff until the service is
// ready or the wall-clock bound passes. A declared health_check command
// is exec'd inside the container; otherwise the container's own health
// status gates, with a bare running container counting as ready.
func (m *Manager) waitHealthy(ctx context.Context, alias, containerID, healthCmd string) error {
	bo := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    3 * time.Second,
		Factor: 2,
	}
	deadline := time.Now().Add(healthWait)
	for {
		if healthCmd != "" {
			res, err := m.backend.Exec(ctx, containerID, []string{"/bin/sh", "-c", healthCmd})
			if err == nil && res.ExitCode == 0 {
				m.log.Debugf("service %s ready (health command)", alias)
				return nil
			}
		} else {
			state, err := m.backend.Health(ctx, containerID)
			if err == nil {
				switch state {
				case backend.HealthHealthy, backend.HealthNone:
					m.log.Debugf("service %s ready (%s)", alias, state)
					return nil
				case backend.HealthUnhealthy:
					return fmt.Errorf("services: %s reported unhealthy", alias)
				}
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("services: %s not healthy after %s", alias, healthWait)
		}
		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop removes every service container then the network. Errors are
// logged only; teardown never changes a job's status.
func (m *Manager) Stop(set *Set) {
	if set == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for alias, containerID := range set.Containers {
		if err := m.backend.Stop(ctx, containerID, 5*time.Second); err != nil {
			m.log.WithError(err).Warnf("services: stop %s", alias)
		}
		if err := m.backend.Remove(ctx, containerID, true); err != nil {
			m.log.WithError(err).Warnf("services: remove %s", alias)
		}
	}
	if set.NetworkID != "" {
		if err := m.backend.RemoveNetwork(ctx, set.NetworkID); err != nil {
			m.log.WithError(err).Warnf("services: remove network %s", set.NetworkName)
		}
	}
}

func inferPort(image string) int {
	name := strings.ToLower(image)
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i]
	}
	return wellKnownPorts[name]
}
