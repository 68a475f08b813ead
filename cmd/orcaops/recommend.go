package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treksavvysky/OrcaOps/baseline"
	"github.com/treksavvysky/OrcaOps/config"
	"github.com/treksavvysky/OrcaOps/pkg/logger"
	"github.com/treksavvysky/OrcaOps/recommend"
	"github.com/treksavvysky/OrcaOps/runstore"
)

var (
	recStatus string
	recType   string
	recLimit  int
)

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Generate and manage recommendations",
}

// recommendStores builds just the read-side collaborators; no backend
// probe is needed to analyze history.
func recommendStores() (*recommend.Engine, *recommend.Store, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	log := logger.InitLogger(cfg.LogLevel, "orcaops")
	store, err := runstore.NewStore(cfg.ArtifactsDir(), log)
	if err != nil {
		return nil, nil, err
	}
	baselines, err := baseline.NewTracker(cfg.BaselinesPath(), log)
	if err != nil {
		return nil, nil, err
	}
	return recommend.NewEngine(store, baselines), recommend.NewStore(cfg.RecommendationsDir()), nil
}

var recommendGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Analyze run history and persist fresh recommendations",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, store, err := recommendStores()
		if err != nil {
			return err
		}
		recs := store.Save(engine.Generate(recLimit))
		return printJSON(recs)
	},
}

var recommendListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored recommendations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := recommendStores()
		if err != nil {
			return err
		}
		recs := store.List(recommend.Type(recType), recommend.RecStatus(recStatus), recLimit)
		return printJSON(recs)
	},
}

var recommendDismissCmd = &cobra.Command{
	Use:   "dismiss <recommendation-id>",
	Short: "Dismiss a recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := recommendStores()
		if err != nil {
			return err
		}
		if !store.Dismiss(args[0]) {
			return fmt.Errorf("recommendation %q not found", args[0])
		}
		return printJSON(store.Get(args[0]))
	},
}

var recommendApplyCmd = &cobra.Command{
	Use:   "apply <recommendation-id>",
	Short: "Mark a recommendation applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := recommendStores()
		if err != nil {
			return err
		}
		if !store.MarkApplied(args[0]) {
			return fmt.Errorf("recommendation %q not found", args[0])
		}
		return printJSON(store.Get(args[0]))
	},
}

func init() {
	recommendListCmd.Flags().StringVar(&recStatus, "status", "", "filter by status")
	recommendListCmd.Flags().StringVar(&recType, "type", "", "filter by type")
	recommendCmd.PersistentFlags().IntVar(&recLimit, "limit", 100, "max recommendations")
	recommendCmd.AddCommand(recommendGenerateCmd, recommendListCmd, recommendDismissCmd, recommendApplyCmd)
	rootCmd.AddCommand(recommendCmd)
}
