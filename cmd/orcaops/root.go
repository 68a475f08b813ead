package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/treksavvysky/OrcaOps/audit"
	"github.com/treksavvysky/OrcaOps/backend"
	"github.com/treksavvysky/OrcaOps/baseline"
	"github.com/treksavvysky/OrcaOps/config"
	"github.com/treksavvysky/OrcaOps/manager"
	"github.com/treksavvysky/OrcaOps/metrics"
	"github.com/treksavvysky/OrcaOps/pkg/logger"
	"github.com/treksavvysky/OrcaOps/policy"
	"github.com/treksavvysky/OrcaOps/quota"
	"github.com/treksavvysky/OrcaOps/runner"
	"github.com/treksavvysky/OrcaOps/runstore"
	"github.com/treksavvysky/OrcaOps/services"
	"github.com/treksavvysky/OrcaOps/workflow"
	"github.com/treksavvysky/OrcaOps/workspace"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "orcaops",
	Short: "Container job and workflow execution platform",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file")
	rootCmd.SetGlobalNormalizationFunc(normalizeFlags)
}

// normalizeFlags accepts underscore spellings of every flag.
func normalizeFlags(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// platform bundles the wired core services.
type platform struct {
	cfg       *config.Config
	log       *logrus.Entry
	jobs      *manager.Manager
	workflows *workflow.Manager
	store     *runstore.Store
	sweeper   *manager.Sweeper
}

// bootstrap constructs every collaborator in dependency order.
func bootstrap() (*platform, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	log := logger.InitLogger(cfg.LogLevel, "orcaops")

	be, err := backend.NewDockerBackend(log.WithField("node", "docker"), cfg.SkipBackendInit)
	if err != nil {
		return nil, err
	}

	store, err := runstore.NewStore(cfg.ArtifactsDir(), log)
	if err != nil {
		return nil, err
	}
	workspaces, err := workspace.NewRegistry(cfg.WorkspacesDir(), log)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewLogger(cfg.AuditDir(), log)
	if err != nil {
		return nil, err
	}
	baselines, err := baseline.NewTracker(cfg.BaselinesPath(), log)
	if err != nil {
		return nil, err
	}
	anomalies := baseline.NewAnomalyStore(cfg.AnomaliesDir())

	securityPolicy, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	quotas := quota.NewTracker()
	jobRunner, err := runner.New(be, store, log, runner.Options{
		Baselines:     baselines,
		Anomalies:     anomalies,
		Quota:         quotas,
		RedactPattern: cfg.RedactPattern,
	})
	if err != nil {
		return nil, err
	}

	jobs := manager.New(manager.Config{
		Runner:     jobRunner,
		Store:      store,
		Workspaces: workspaces,
		Policy:     securityPolicy,
		Quota:      quotas,
		Audit:      auditLog,
		Metrics:    metrics.New(prometheus.DefaultRegisterer),
		Logger:     log,
	})
	jobs.Reconcile()

	wfStore, err := workflow.NewStore(cfg.WorkflowsDir(), log)
	if err != nil {
		return nil, err
	}
	svc := services.NewManager(be, log)
	wfRunner := workflow.NewRunner(jobs, svc, cfg.MaxWorkflowParallel, log)
	workflows := workflow.NewManager(wfRunner, wfStore, auditLog, log)

	sweeper := manager.NewSweeper(store, auditLog, quotas, manager.DefaultSweeperConfig(), log)
	sweeper.Start()

	return &platform{
		cfg:       cfg,
		log:       log,
		jobs:      jobs,
		workflows: workflows,
		store:     store,
		sweeper:   sweeper,
	}, nil
}

func loadPolicy(path string) (*policy.SecurityPolicy, error) {
	if path == "" {
		return policy.DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	var p policy.SecurityPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &p, nil
}
