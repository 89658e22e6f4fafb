package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd(version string, buildTime string, gitCommit string) *cobra.Command {
	return &cobra.Command{
		Use:          "version",
		Short:        "Print imagegen-broker version information",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "imagegen-broker")
			fmt.Fprintln(out, "A credit-metered broker for AI image generation.")
			fmt.Fprintln(out, "Github: https://github.com/nerdneilsfield/imagegen-broker")
			fmt.Fprintf(out, "imagegen-broker: %s\n", version)
			fmt.Fprintf(out, "buildTime: %s\n", buildTime)
			fmt.Fprintf(out, "gitCommit: %s\n", gitCommit)
			fmt.Fprintf(out, "goVersion: %s\n", runtime.Version())
		},
	}
}
