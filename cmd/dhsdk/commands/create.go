package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var (
		file       string
		project    string
		newVersion bool
		update     bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create entities from a manifest",
		Long: `Create the entities declared in a YAML, JSON or CUE manifest, or in every
manifest of a directory. Manifests are validated against the built-in CUE
entity schema.

Creating a versioned entity always mints a version. With --new-version the
entity must already exist and the manifest spec becomes its newest version.
With --update the spec of the latest version is changed in place; function
and workflow specs are immutable and need --new-version.`,
		Example: `  # Create a function
  dhsdk create -f function.yaml

  # Commit a new version of an existing function
  dhsdk create -f function.yaml --new-version`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if newVersion && update {
				return engine.NewValidationError("--new-version and --update are exclusive", nil)
			}

			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			entities, err := a.loader.LoadEntities(ctx, file)
			if err != nil {
				return err
			}
			catalog := a.dispatcher.Catalog()

			for _, e := range entities {
				if e.Metadata.Project == "" {
					e.Metadata.Project = a.project(project)
				}

				var saved *engine.Entity
				switch {
				case newVersion, update:
					current, err := catalog.Get(ctx, e.Key().WithVersion(engine.LatestVersion))
					if err != nil {
						return err
					}
					if newVersion {
						saved, err = catalog.NewVersion(ctx, current, e.Spec)
					} else {
						current.Update(e.Spec)
						saved, err = catalog.Update(ctx, current)
					}
					if err != nil {
						return err
					}
				default:
					saved, err = catalog.Create(ctx, e)
					if err != nil {
						if engine.CodeOf(err) == engine.ErrCodeAlreadyExists {
							log.Warn().Str("key", e.Key().String()).Msg("Entity already exists, skipping")
							continue
						}
						return err
					}
				}

				log.Info().Str("key", saved.Key().String()).Msg("Entity saved")
				if err := printEntity(saved); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest file or directory")
	cmd.Flags().StringVarP(&project, "project", "p", "", "project of entities that declare none")
	cmd.Flags().BoolVar(&newVersion, "new-version", false, "mint a new version of existing entities")
	cmd.Flags().BoolVar(&update, "update", false, "update the latest version in place")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
