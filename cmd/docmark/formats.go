package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/docmark/internal/formats"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List supported input formats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FORMAT\tFAMILY\tBRIDGE")
		for _, f := range formats.Supported() {
			bridge := "-"
			if f.NeedsBridge() {
				bridge = f.Bridge
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Tag, f.Family, bridge)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(formatsCmd)
}
