package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "coredb 0.1.0"

func init() {
	coredbCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of Coredb",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		})
}
