package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

func newGetCommand() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Show an entity",
		Long: `Show the entity a key references. A key without a version, or with the
version "latest", resolves to the newest version.`,
		Example: `  dhsdk get store://proj/function/container/train:latest
  dhsdk get store://proj/run/container-run/r1 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.dispatcher.Catalog().GetURI(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printEntity(e); err != nil {
				return err
			}
			if !history || e.EntityType != engine.EntityRun {
				return nil
			}

			records, err := a.store.ListTransitions(ctx, e.Key().String())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(records)
			}
			fmt.Println("  journal:")
			for _, r := range records {
				fmt.Printf("    %d  %s  %s -> %s\n", r.Position, r.At.Format(time.RFC3339), r.From, r.To)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "also print the persisted transition journal of a run")

	return cmd
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <key>",
		Short: "Resolve a key to a concrete version",
		Long: `Resolve a key to the version it references. "latest" is looked up anew on
every call and never cached.`,
		Example: `  dhsdk resolve store://proj/function/job/train:latest`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			key, err := a.dispatcher.Catalog().Resolver().ResolveURI(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(key)
			}
			fmt.Println(key.String())
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete an entity version",
		Long: `Delete the entity version a key references. A run must be stopped or
finished first; its correlation and journal go with it, its outputs stay.`,
		Example: `  dhsdk delete store://proj/run/container-run/r1
  dhsdk delete store://proj/artifact/artifact/out:latest`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			key, err := a.dispatcher.Catalog().Resolver().ResolveURI(ctx, args[0])
			if err != nil {
				return err
			}
			if key.EntityType == engine.EntityRun {
				err = a.dispatcher.Delete(ctx, key)
			} else {
				err = a.dispatcher.Catalog().Delete(ctx, key)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{"deleted": key.String()})
			}
			fmt.Printf("✓ Deleted %s\n", key)
			return nil
		},
	}
}
