package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/treksavvysky/OrcaOps/runstore"
	"github.com/treksavvysky/OrcaOps/schemas"
)

var (
	runsStatus string
	runsImage  string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Query historical run records",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := bootstrap()
		if err != nil {
			return err
		}
		defer p.sweeper.Stop()

		records, _ := p.store.List(runstore.Filter{
			Status: schemas.JobStatus(runsStatus),
			Image:  runsImage,
		}, runsLimit, 0)
		return printJSON(records)
	},
}

var runsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete run records older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := bootstrap()
		if err != nil {
			return err
		}
		defer p.sweeper.Stop()
		deleted := p.store.Cleanup(30 * 24 * time.Hour)
		return printJSON(map[string]interface{}{"deleted": deleted})
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status")
	runsCmd.Flags().StringVar(&runsImage, "image", "", "filter by image glob")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "max records")
	runsCmd.AddCommand(runsCleanupCmd)
	rootCmd.AddCommand(runsCmd)
}
