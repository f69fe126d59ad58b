package cmd

import (
	"fmt"

	"github.com/arlonbr/llmgate/pkg/version"
	"github.com/spf13/cobra"
)

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("llmgate"))
			return nil
		},
	}
	rootCmd.AddCommand(versionCmd)
}
