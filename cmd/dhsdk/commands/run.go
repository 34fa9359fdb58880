package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/config"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

func newSubmitCommand() *cobra.Command {
	var (
		file   string
		format string
		wait   bool
		every  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run",
		Long: `Submit the run a payload describes: {function_key, task_spec, parameters}.
The task is materialized (identical task specs share one task), the run is
persisted as CREATED, started on its runtime and moved to RUNNING.`,
		Example: `  # Submit and return immediately
  dhsdk submit -f run.yaml

  # Submit and wait for a terminal state
  dhsdk submit -f run.yaml --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			p, err := loadPayload(ctx, a.loader, file, format)
			if err != nil {
				return err
			}
			h, err := a.dispatcher.SubmitPayload(ctx, p)
			if h != nil {
				if perr := printHandle(h); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			log.Info().Str("run", h.Run.String()).Str("native_id", h.NativeID).Msg("Run submitted")

			if !wait {
				return nil
			}
			followRun(a, h.Run.String())
			run, err := a.dispatcher.Wait(ctx, h.Run, every)
			if err != nil {
				return err
			}
			return printEntity(run)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", `payload file, or "-" for stdin`)
	cmd.Flags().StringVar(&format, "format", string(config.FormatJSON), "payload format when reading stdin (json, yaml, cue)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish")
	cmd.Flags().DurationVar(&every, "interval", 5*time.Second, "poll interval while waiting")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newPollCommand() *cobra.Command {
	var (
		wait  bool
		every time.Duration
	)

	cmd := &cobra.Command{
		Use:   "poll <run-key>",
		Short: "Check the backend of a run and update its state",
		Long: `Poll the backend of an active run once and apply the reported state.
Terminal runs are returned unchanged. A failed status check is reported as
an error and never changes the run state.`,
		Example: `  dhsdk poll store://proj/run/job-run/r1
  dhsdk poll store://proj/run/job-run/r1 --wait --interval 10s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRun(cmd, args[0], func(a *app, key engine.Key) (*engine.Entity, error) {
				if wait {
					run, err := a.dispatcher.Catalog().Get(cmd.Context(), key)
					if err != nil {
						return nil, err
					}
					followRun(a, run.Key().String())
					return a.dispatcher.Wait(cmd.Context(), run.Key(), every)
				}
				return a.dispatcher.Poll(cmd.Context(), key)
			})
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the run reaches a terminal state")
	cmd.Flags().DurationVar(&every, "interval", 5*time.Second, "poll interval while waiting")

	return cmd
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-key>",
		Short: "Stop a run",
		Long: `Stop a CREATED or RUNNING run. Stopping a run that already reached a
terminal state is a no-op that prints its status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRun(cmd, args[0], func(a *app, key engine.Key) (*engine.Entity, error) {
				return a.dispatcher.Stop(cmd.Context(), key)
			})
		},
	}
}

func newCollectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "collect <run-key>",
		Short: "Register the outputs of a completed run",
		Long: `Collect the outputs of a COMPLETED run again, e.g. after a collection
warning. Collection is idempotent: existing output entities are reused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRun(cmd, args[0], func(a *app, key engine.Key) (*engine.Entity, error) {
				return a.dispatcher.Collect(cmd.Context(), key)
			})
		},
	}
}

// withRun opens the app, parses the run key and prints the run fn returns.
func withRun(cmd *cobra.Command, uri string, fn func(a *app, key engine.Key) (*engine.Entity, error)) error {
	a, ctx, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	cmd.SetContext(ctx)

	key, err := engine.ParseKey(uri)
	if err != nil {
		return err
	}
	run, err := fn(a, key)
	if run != nil {
		if perr := printEntity(run); perr != nil {
			return perr
		}
	}
	return err
}
