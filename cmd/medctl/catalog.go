package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/carepath/medtrack/internal/domain/schedule"
)

func newCatalogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the dosing frequency catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FREQUENCY\tTIMES")
			for _, f := range schedule.Frequencies() {
				times, err := schedule.TimesFor(f)
				if err != nil {
					return err
				}
				shown := strings.Join(times, ", ")
				if f.Flexible() {
					shown = "(caller supplied)"
				}
				fmt.Fprintf(w, "%s\t%s\n", f, shown)
			}
			return w.Flush()
		},
	}
}
