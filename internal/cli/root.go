// Package cli implements the unidb command-line interface: a thin shell
// over unidb.Connect that reads its connection settings from config.yaml
// and the environment and prints records as JSON.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/pkg/types"
	"github.com/mesh-intelligence/unidb/pkg/unidb"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// sysError marks failures of the environment rather than of the input,
// such as unreadable files or unwritable directories.
type sysError struct{ err error }

func (e *sysError) Error() string { return e.err.Error() }
func (e *sysError) Unwrap() error { return e.err }

func system(err error) error {
	if err == nil {
		return nil
	}
	return &sysError{err: err}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var se *sysError
	if errors.As(err, &se) {
		return exitSysError
	}
	var te *types.Error
	if errors.As(err, &te) {
		switch te.Kind {
		case types.KindConnection:
			return exitSysError
		case types.KindDatabase:
			// Without a cause the adapter rejected the input itself.
			if te.Cause != nil {
				return exitSysError
			}
		}
	}
	return exitUserError
}

// app holds the global flags and the state shared by subcommands.
type app struct {
	configDir string
	dataDir   string
	backend   string
	jsonMode  bool
	verbose   bool

	log *zap.Logger
}

// NewRootCmd creates the top-level "unidb" command with its global flags
// and every subcommand registered.
func NewRootCmd() *cobra.Command {
	a := &app{log: zap.NewNop()}
	root := &cobra.Command{
		Use:           "unidb",
		Short:         "One record API over many databases",
		Long:          "unidb stores and queries records through the same API on every supported backend.",
		Version:       unidb.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(a.verbose)
			if err != nil {
				return system(err)
			}
			a.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configDir, "config-dir", "", "configuration directory (default: $UNIDB_CONFIG_DIR or the platform config dir)")
	pf.StringVar(&a.dataDir, "data-dir", "", "data directory for file-backed backends")
	pf.StringVar(&a.backend, "backend", "", "backend name or alias, overriding config.yaml")
	pf.BoolVar(&a.jsonMode, "json", false, "print compact JSON")
	pf.BoolVar(&a.verbose, "verbose", false, "log debug output to stderr")

	root.AddCommand(
		a.newInitCmd(),
		a.newDefineCmd(),
		a.newCreateCmd(),
		a.newGetCmd(),
		a.newListCmd(),
		a.newUpdateCmd(),
		a.newDeleteCmd(),
		newBackendsCmd(),
		newVersionCmd(),
	)
	return root
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// Run executes the CLI with args and returns the exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return exitCode(err)
}

// Execute runs the CLI on the process arguments.
func Execute() int {
	return Run(os.Args[1:], os.Stdout, os.Stderr)
}

// withAdapter connects to the configured backend, runs fn and closes the
// adapter.
func (a *app) withAdapter(cmd *cobra.Command, fn func(ctx context.Context, db types.Adapter) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	db, err := unidb.Connect(cfg.Backend, cfg, unidb.WithLogger(a.log))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := db.Initialize(ctx); err != nil {
		return err
	}
	err = fn(ctx, db)
	if cerr := db.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
