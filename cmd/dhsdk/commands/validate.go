package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/config"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/pipeline"
)

// loadPayload reads a submission payload from file, or from stdin when
// file is "-".
func loadPayload(ctx context.Context, loader *config.ManifestLoader, file, format string) (*engine.Payload, error) {
	if file != "-" {
		return loader.LoadPayload(ctx, file)
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
	}
	return loader.ParsePayload(ctx, data, config.Format(format), "stdin")
}

func newValidateCommand() *cobra.Command {
	var (
		file   string
		format string
		dot    bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a submission payload without running it",
		Long: `Validate a submission payload the way submit does, without persisting
or starting anything.

This command checks:
  - Payload conformance to the CUE #Submission schema
  - Function resolution and runtime support for its kind
  - Runtime-specific spec validation
  - Invocation building
  - Submission policies (OPA/rego)`,
		Example: `  # Validate a payload file
  dhsdk validate -f run.yaml

  # Validate a payload piped from another tool
  cat run.json | dhsdk validate -f -

  # Render the step graph of a pipeline workflow
  dhsdk validate -f flow.yaml --dot | dot -Tsvg > flow.svg`,
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
			inv, err := a.dispatcher.DryRun(ctx, p)
			if err != nil {
				return err
			}

			if dot {
				return printGraph(inv)
			}
			if jsonOutput {
				return printJSON(inv)
			}
			fmt.Printf("✓ Payload is valid\n  runtime: %s\n  action:  %s\n  digest:  %s\n", inv.Runtime, inv.Action, inv.Digest)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", `payload file, or "-" for stdin`)
	cmd.Flags().StringVar(&format, "format", string(config.FormatJSON), "payload format when reading stdin (json, yaml, cue)")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the step graph of a pipeline workflow in DOT format")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func printGraph(inv *engine.Invocation) error {
	if inv.Runtime != pipeline.Runtime {
		return engine.NewValidationError(fmt.Sprintf("--dot needs a %s workflow, got runtime %s", pipeline.Runtime, inv.Runtime), nil)
	}
	graph, err := pipeline.Graph(inv)
	if err != nil {
		return err
	}
	fmt.Print(graph.ToDOT())
	return nil
}
