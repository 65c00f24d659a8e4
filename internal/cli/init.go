package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/unidb/internal/paths"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

func (a *app) newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create config.yaml and check the backend is reachable",
		Long: `Init creates the configuration directory and a config.yaml naming the
backend (sqlite unless --backend is given), then connects once to verify
the configuration.`,
		Args: cobra.NoArgs,
		RunE: a.runInit,
	}
}

func (a *app) runInit(cmd *cobra.Command, _ []string) error {
	dir, err := paths.ResolveConfigDir(a.configDir)
	if err != nil {
		return system(fmt.Errorf("resolve config dir: %w", err))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return system(fmt.Errorf("create config directory: %w", err))
	}
	backend := a.backend
	if backend == "" {
		backend = defaultBackend
	}
	written, err := writeConfigIfMissing(dir, fileConfig{Backend: backend, DataDir: a.dataDir})
	if err != nil {
		return system(fmt.Errorf("write config: %w", err))
	}

	err = a.withAdapter(cmd, func(context.Context, types.Adapter) error { return nil })
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if written {
		fmt.Fprintf(out, "wrote %s/%s\n", dir, configFile)
	}
	fmt.Fprintln(out, "unidb initialized")
	return nil
}
