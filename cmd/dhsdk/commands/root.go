package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps an error to the process exit status: 2 for invalid input,
// 3 for missing entities, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case engine.IsValidation(err), engine.CodeOf(err) == engine.ErrCodeMalformedKey:
		return 2
	case engine.IsNotFound(err):
		return 3
	default:
		return 1
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dhsdk",
		Short: "DigitalHub SDK - entities, runs and runtime dispatch",
		Long: `dhsdk manages versioned platform entities (functions, workflows, runs,
artifacts, data items, models) and dispatches runs to execution backends.

Runtimes:
  - container  Docker containers
  - job        Kubernetes Jobs
  - pipeline   DAGs of Kubernetes Jobs, optionally written in Starlark
  - transform  dbt SQL models materialized in Postgres
  - quality    nefertem data quality runs`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newPollCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newCollectCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
