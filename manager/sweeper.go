package manager

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/treksavvysky/OrcaOps/audit"
	"github.com/treksavvysky/OrcaOps/quota"
	"github.com/treksavvysky/OrcaOps/runstore"
)

// Sweeper runs the recurring maintenance: daily quota rollover at
// midnight, run retention, and audit retention.
type Sweeper struct {
	cron *cron.Cron
	log  *logrus.Entry
}

// SweeperConfig sets the retention windows.
type SweeperConfig struct {
	RunRetention   time.Duration
	AuditRetention time.Duration
}

// DefaultSweeperConfig keeps runs 30 days and audit files 90.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		RunRetention:   30 * 24 * time.Hour,
		AuditRetention: 90 * 24 * time.Hour,
	}
}

func NewSweeper(store *runstore.Store, auditLog *audit.Logger, tracker *quota.Tracker, cfg SweeperConfig, log *logrus.Entry) *Sweeper {
	c := cron.New()

	c.Schedule(cron.Every(time.Minute), cron.FuncJob(func() {
		tracker.RolloverDaily()
	}))
	c.AddFunc("@midnight", func() {
		deleted := store.Cleanup(cfg.RunRetention)
		if len(deleted) > 0 {
			log.Infof("sweeper: removed %d expired run(s)", len(deleted))
		}
		if n := auditLog.Cleanup(cfg.AuditRetention); n > 0 {
			log.Infof("sweeper: removed %d expired audit file(s)", n)
		}
	})

	return &Sweeper{cron: c, log: log}
}

func (s *Sweeper) Start() { s.cron.Start() }

func (s *Sweeper) Stop() { s.cron.Stop() }
