package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".orcaops"), cfg.BaseDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.MaxWorkflowParallel)
	assert.False(t, cfg.SkipBackendInit)

	assert.Equal(t, filepath.Join(cfg.BaseDir, "artifacts"), cfg.ArtifactsDir())
	assert.Equal(t, filepath.Join(cfg.BaseDir, "workflows"), cfg.WorkflowsDir())
	assert.Equal(t, filepath.Join(cfg.BaseDir, "baselines.json"), cfg.BaselinesPath())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORCAOPS_BASE_DIR", "/tmp/orcaops-test")
	t.Setenv("ORCAOPS_LOG_LEVEL", "debug")
	t.Setenv("ORCAOPS_SKIP_BACKEND_INIT", "1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/orcaops-test", cfg.BaseDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.SkipBackendInit)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orcaops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"base_dir: /var/lib/orcaops\nmax_workflow_parallel: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/orcaops", cfg.BaseDir)
	assert.Equal(t, 8, cfg.MaxWorkflowParallel)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/orcaops.yaml")
	assert.Error(t, err)
}
