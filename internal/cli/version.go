package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/plaresmedima/mdreg/pkg/registration"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and available registration backends",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "mdreg version %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintln(out, "backends:")
		for _, k := range registration.Kinds() {
			fmt.Fprintf(out, "  %s\n", k)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
