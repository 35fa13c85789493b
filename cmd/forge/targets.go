// targets.go implements 'forge targets', listing every known target with its
// description.
package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/example/forge/internal/target"
)

func newTargetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List every target forge knows about",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			graph := target.NewGraph(nil, nil, nil, logr.Discard())
			heading := color.New(color.Bold)
			fmt.Fprintln(cmd.OutOrStdout(), heading.Sprint("Targets:"))
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, t := range graph.Targets() {
				fmt.Fprintf(w, "  %s\t%s\n", t.Name(), t.Description())
			}
			return w.Flush()
		},
	}
}
