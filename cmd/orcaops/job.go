package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/treksavvysky/OrcaOps/manager"
	"github.com/treksavvysky/OrcaOps/schemas"
)

var (
	jobImage     string
	jobWorkspace string
	jobEnv       []string
	jobArtifacts []string
	jobTTL       int
	jobWaitSecs  int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run and inspect jobs",
}

var jobRunCmd = &cobra.Command{
	Use:   "run [command...]",
	Short: "Run commands in a sandbox and wait for the result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := bootstrap()
		if err != nil {
			return err
		}
		defer p.sweeper.Stop()

		env := make(map[string]string, len(jobEnv))
		for _, kv := range jobEnv {
			k, v, ok := splitKV(kv)
			if !ok {
				return fmt.Errorf("invalid env %q, want KEY=VALUE", kv)
			}
			env[k] = v
		}

		spec := &schemas.JobSpec{
			WorkspaceID: jobWorkspace,
			Image:       jobImage,
			Commands:    args,
			Env:         env,
			Artifacts:   jobArtifacts,
			TTLSeconds:  jobTTL,
			TriggeredBy: "cli",
		}
		record, err := p.jobs.Submit(spec, manager.Actor{Type: "user", ID: "cli"})
		if err != nil {
			return err
		}
		final := p.jobs.Wait(record.JobID, time.Duration(jobWaitSecs)*time.Second)
		return printJSON(final)
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one run record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := bootstrap()
		if err != nil {
			return err
		}
		defer p.sweeper.Stop()
		record := p.jobs.Get(args[0])
		if record == nil {
			return fmt.Errorf("job %q not found", args[0])
		}
		return printJSON(record)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := bootstrap()
		if err != nil {
			return err
		}
		defer p.sweeper.Stop()
		record, err := p.jobs.Cancel(args[0])
		if err != nil {
			return err
		}
		return printJSON(record)
	},
}

func init() {
	jobRunCmd.Flags().StringVar(&jobImage, "image", "alpine:3.19", "container image")
	jobRunCmd.Flags().StringVar(&jobWorkspace, "workspace", "", "workspace id")
	jobRunCmd.Flags().StringArrayVar(&jobEnv, "env", nil, "environment KEY=VALUE")
	jobRunCmd.Flags().StringArrayVar(&jobArtifacts, "artifact", nil, "artifact glob to extract")
	jobRunCmd.Flags().IntVar(&jobTTL, "ttl", 300, "job ttl in seconds")
	jobRunCmd.Flags().IntVar(&jobWaitSecs, "wait", 600, "seconds to wait for completion")

	jobCmd.AddCommand(jobRunCmd, jobGetCmd, jobCancelCmd)
	rootCmd.AddCommand(jobCmd)
}

func splitKV(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], i > 0
		}
	}
	return "", "", false
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
