package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/callback"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/policy"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		listen     string
		noMonitor  bool
		noRecovery bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the callback server and the run monitor",
		Long: `Serve the HTTP API used by execution backends and wrappers:

  POST /api/v1/runs                              submit a payload
  POST /api/v1/runs/status                       report a status update
  POST /api/v1/runs/notify                       ask for an immediate poll
  GET  /api/v1/runs/:project/:name/:version      read a run
  GET  /healthz, GET /metrics

Runs left active by a previous process are recovered first. The monitor
then polls every active run on the configured interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			cfg := a.cfg
			if listen == "" {
				listen = cfg.Callback.Listen
			}

			if a.policy != nil && cfg.Policy.Watch && cfg.Policy.Dir != "" {
				if err := policy.WatchPolicies(ctx, a.policy, []string{cfg.Policy.Dir}); err != nil {
					return err
				}
			}

			if !noRecovery {
				recovered, err := a.dispatcher.Recover(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("Recovery finished with errors")
				}
				log.Info().Int("runs", len(recovered)).Msg("Recovered active runs")
			}

			a.telemetry.Events.Subscribe(func(e telemetry.Event) {
				ev := log.Warn()
				if e.Level == telemetry.EventLevelError {
					ev = log.Error()
				}
				ev.Str("run", e.Run).Str("runtime", e.Runtime).Str("type", e.Type).Msg(e.Message)
			}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

			server := callback.NewServer(a.dispatcher,
				callback.WithSchemas(a.loader.Schemas()),
				callback.WithMetrics(a.telemetry.Metrics.Handler()),
				callback.WithHealthCheck("store", a.store),
				callback.WithLogger(log.Logger),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Serve(gctx, listen)
			})
			if !noMonitor {
				monitor := engine.NewMonitor(a.dispatcher, cfg.Dispatcher.MonitorInterval, cfg.Dispatcher.Workers, log.Logger)
				g.Go(func() error {
					return monitor.Run(gctx)
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "do not poll active runs")
	cmd.Flags().BoolVar(&noRecovery, "no-recovery", false, "skip recovery of active runs at startup")

	return cmd
}
