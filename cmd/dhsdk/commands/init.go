package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		project string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a local SDK workspace",
		Long: `Initialize a workspace: the data directory, the SQLite entity store with
its migrations applied, and a default configuration file.`,
		Example: `  # Initialize in the current directory
  dhsdk init --project analytics

  # Initialize with a custom config path
  dhsdk init --config /etc/dhsdk/config.yaml --data-dir /var/lib/dhsdk`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			path := configPath
			if path == "" {
				path = "dhsdk.yaml"
			}
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(path), ".dhsdk")
			}

			log.Info().
				Str("config", path).
				Str("data_dir", dataDir).
				Msg("Initializing workspace")

			cfg := config.Default()
			cfg.Store.Path = filepath.Join(dataDir, "store.db")
			if project != "" {
				cfg.Project = project
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Printf("✓ Initialized entity store: %s\n", cfg.Store.Path)

			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("✓ Config file already exists: %s\n", path)
				return nil
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to stat %s: %w", path, err)
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: .dhsdk next to the config file)")
	cmd.Flags().StringVar(&project, "project", "", "default project")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
