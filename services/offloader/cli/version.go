package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ramiqadoumi/go-task-offload/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "offload %s\n", version.Version)
		fmt.Fprintf(out, "  commit:     %s\n", version.GitCommit)
		fmt.Fprintf(out, "  built:      %s\n", version.BuildTime)
		fmt.Fprintf(out, "  go version: %s\n", version.GoVersion())
	},
}
