// Package config loads the process configuration through viper:
// environment (ORCAOPS_*) beats the optional config file beats defaults.
// No command-line flags are bound.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved process configuration.
type Config struct {
	// BaseDir roots the persistence layout (artifacts, workflows,
	// baselines, anomalies, audit, workspaces).
	BaseDir string `mapstructure:"base_dir"`
	// LogLevel is a logrus level name.
	LogLevel string `mapstructure:"log_level"`
	// MaxWorkflowParallel caps concurrent jobs within a workflow level.
	MaxWorkflowParallel int `mapstructure:"max_workflow_parallel"`
	// RedactPattern matches env keys redacted from environment capture.
	RedactPattern string `mapstructure:"redact_pattern"`
	// PolicyFile optionally points at a YAML SecurityPolicy document.
	PolicyFile string `mapstructure:"policy_file"`
	// SkipBackendInit bypasses the container backend probe at startup.
	SkipBackendInit bool `mapstructure:"skip_backend_init"`
}

// Load resolves configuration. file may be empty.
func Load(file string) (*Config, error) {
	v := viper.New()

	home, _ := os.UserHomeDir()
	v.SetDefault("base_dir", filepath.Join(home, ".orcaops"))
	v.SetDefault("log_level", "info")
	v.SetDefault("max_workflow_parallel", 4)
	v.SetDefault("redact_pattern", "")
	v.SetDefault("policy_file", "")
	v.SetDefault("skip_backend_init", false)

	v.SetEnvPrefix("ORCAOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	// Typed getters so env strings like "1" cast cleanly.
	cfg := &Config{
		BaseDir:             v.GetString("base_dir"),
		LogLevel:            v.GetString("log_level"),
		MaxWorkflowParallel: v.GetInt("max_workflow_parallel"),
		RedactPattern:       v.GetString("redact_pattern"),
		PolicyFile:          v.GetString("policy_file"),
		SkipBackendInit:     v.GetBool("skip_backend_init"),
	}
	return cfg, nil
}

// ArtifactsDir returns the run store root.
func (c *Config) ArtifactsDir() string { return filepath.Join(c.BaseDir, "artifacts") }

// WorkflowsDir returns the workflow store root.
func (c *Config) WorkflowsDir() string { return filepath.Join(c.BaseDir, "workflows") }

// WorkspacesDir returns the workspace registry root.
func (c *Config) WorkspacesDir() string { return filepath.Join(c.BaseDir, "workspaces") }

// AuditDir returns the audit stream root.
func (c *Config) AuditDir() string { return filepath.Join(c.BaseDir, "audit") }

// AnomaliesDir returns the anomaly stream root.
func (c *Config) AnomaliesDir() string { return filepath.Join(c.BaseDir, "anomalies") }

// RecommendationsDir returns the recommendation store root.
func (c *Config) RecommendationsDir() string { return filepath.Join(c.BaseDir, "recommendations") }

// BaselinesPath returns the baseline store file.
func (c *Config) BaselinesPath() string { return filepath.Join(c.BaseDir, "baselines.json") }
