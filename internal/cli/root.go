package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mdreg",
	Short: "Model-driven motion correction for time-resolved images",
	Long: `mdreg removes motion from a time series of 2D or 3D images by alternating
between fitting a signal model to the series and registering every frame onto
the model fit, until the deformation field stops changing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("mdreg version {{.Version}}\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
