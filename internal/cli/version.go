package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/unidb/pkg/unidb"
)

const modulePath = "github.com/mesh-intelligence/unidb"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the unidb version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "unidb v%s\nmodule: %s\n", unidb.Version, modulePath)
			return nil
		},
	}
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the available backends and their aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tVARIANT\tALIASES")
			for _, b := range unidb.Backends() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", b, b.Variant(), strings.Join(unidb.DefaultRegistry.Aliases(b), ", "))
			}
			return w.Flush()
		},
	}
}
