package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/treksavvysky/OrcaOps/workflow"
)

var wfWaitSecs int

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run and inspect workflows",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <spec.yaml>",
	Short: "Run a workflow spec and wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := bootstrap()
		if err != nil {
			return err
		}
		defer p.sweeper.Stop()

		spec, err := workflow.CompileFile(args[0])
		if err != nil {
			return err
		}
		record, err := p.workflows.Submit(spec, "", "cli")
		if err != nil {
			return err
		}
		final := p.workflows.Wait(record.WorkflowID, time.Duration(wfWaitSecs)*time.Second)
		return printJSON(final)
	},
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Show one workflow record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := bootstrap()
		if err != nil {
			return err
		}
		defer p.sweeper.Stop()
		record := p.workflows.Get(args[0])
		if record == nil {
			return fmt.Errorf("workflow %q not found", args[0])
		}
		return printJSON(record)
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a running workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := bootstrap()
		if err != nil {
			return err
		}
		defer p.sweeper.Stop()
		record, err := p.workflows.Cancel(args[0])
		if err != nil {
			return err
		}
		return printJSON(record)
	},
}

func init() {
	workflowRunCmd.Flags().IntVar(&wfWaitSecs, "wait", 3600, "seconds to wait for completion")
	workflowCmd.AddCommand(workflowRunCmd, workflowGetCmd, workflowCancelCmd)
	rootCmd.AddCommand(workflowCmd)
}
