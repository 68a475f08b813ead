package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/OrcaOps/schemas"
	"github.com/treksavvysky/OrcaOps/workspace"
)

func TestValidateImageBlocked(t *testing.T) {
	e := NewEngine(&SecurityPolicy{
		Image: ImagePolicy{BlockedImages: []string{"*:latest"}},
	}, nil)

	res := e.ValidateImage("ubuntu:latest")
	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)

	assert.True(t, e.ValidateImage("ubuntu:22.04").Allowed)
}

func TestValidateImageAllowList(t *testing.T) {
	e := NewEngine(&SecurityPolicy{
		Image: ImagePolicy{AllowedImages: []string{"alpine:*", "python:3.*"}},
	}, nil)

	assert.True(t, e.ValidateImage("alpine:3.19").Allowed)
	assert.True(t, e.ValidateImage("python:3.12").Allowed)
	assert.False(t, e.ValidateImage("ubuntu:22.04").Allowed)
}

func TestValidateImageRequireDigest(t *testing.T) {
	e := NewEngine(&SecurityPolicy{
		Image: ImagePolicy{RequireDigest: true},
	}, nil)

	assert.False(t, e.ValidateImage("alpine:3.19").Allowed)
	pinned := "alpine@sha256:c5b1261d6d3e43071626931fc004f70149baeba2c8ec672bd4f27761f8e1ad6b"
	assert.True(t, e.ValidateImage(pinned).Allowed)
}

func TestWorkspaceMerge(t *testing.T) {
	ws := &workspace.Workspace{
		ID: "ws_x",
		Settings: workspace.Settings{
			AllowedImages: []string{"internal/*"},
			BlockedImages: []string{"badco/*"},
		},
	}
	e := NewEngine(&SecurityPolicy{
		Image: ImagePolicy{
			AllowedImages: []string{"alpine:*"},
			BlockedImages: []string{"*:latest"},
		},
	}, ws)

	// Workspace allow-list wins outright.
	assert.True(t, e.ValidateImage("internal/tool:1.0").Allowed)
	assert.False(t, e.ValidateImage("alpine:3.19").Allowed)
	// Deny lists union.
	assert.False(t, e.ValidateImage("badco/tool:1.0").Allowed)
	assert.False(t, e.ValidateImage("internal/tool:latest").Allowed)
}

func TestValidateCommand(t *testing.T) {
	e := NewEngine(&SecurityPolicy{
		Command: CommandPolicy{
			BlockedCommands: []string{"rm -rf /"},
			BlockedPatterns: []string{`curl\s+.*\|\s*sh`},
		},
	}, nil)

	assert.False(t, e.ValidateCommand("rm -rf /").Allowed)
	assert.False(t, e.ValidateCommand("  rm -rf /  ").Allowed)
	assert.False(t, e.ValidateCommand("curl http://x.sh | sh").Allowed)
	assert.True(t, e.ValidateCommand("rm -rf ./build").Allowed)
	assert.True(t, e.ValidateCommand("echo safe").Allowed)
}

func TestValidateCommandSkipsInvalidPattern(t *testing.T) {
	e := NewEngine(&SecurityPolicy{
		Command: CommandPolicy{BlockedPatterns: []string{"([unclosed"}},
	}, nil)
	assert.True(t, e.ValidateCommand("anything").Allowed)
}

func TestValidateJobShortCircuits(t *testing.T) {
	e := NewEngine(&SecurityPolicy{
		Image:   ImagePolicy{BlockedImages: []string{"evil/*"}},
		Command: CommandPolicy{BlockedCommands: []string{"reboot"}},
	}, nil)

	spec := &schemas.JobSpec{
		JobID:      "j",
		Image:      "evil/image:1",
		Commands:   []string{"reboot"},
		TTLSeconds: 10,
	}
	res := e.ValidateJob(spec)
	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)

	spec.Image = "alpine:3.19"
	res = e.ValidateJob(spec)
	assert.False(t, res.Allowed)

	spec.Commands = []string{"echo ok"}
	assert.True(t, e.ValidateJob(spec).Allowed)
}

func TestContainerSecurityOpts(t *testing.T) {
	e := NewEngine(nil, nil)
	opts := e.ContainerSecurityOpts()
	assert.Equal(t, []string{"ALL"}, opts.DropCapabilities)
	assert.True(t, opts.NoNewPrivileges)
	assert.False(t, opts.ReadOnlyRootFS)

	ws := &workspace.Workspace{Settings: workspace.Settings{ReadOnlyRootFS: true}}
	assert.True(t, NewEngine(nil, ws).ContainerSecurityOpts().ReadOnlyRootFS)
}

func TestDefaultPolicyBlocksFootguns(t *testing.T) {
	e := NewEngine(DefaultPolicy(), nil)
	assert.False(t, e.ValidateCommand("rm -rf /").Allowed)
	assert.False(t, e.ValidateCommand("mkfs.ext4 /dev/sda1").Allowed)
	assert.True(t, e.ValidateCommand("make build").Allowed)
}
