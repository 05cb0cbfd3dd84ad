package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/plaresmedima/mdreg/pkg/config"
	"github.com/plaresmedima/mdreg/pkg/registration"
)

var configInitForce bool
var configInitBackend string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage mdreg configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Long: `Writes the default configuration to path (mdreg.yaml if omitted).
A .toml extension selects TOML, anything else YAML. The parameters of the
selected registration backend are written out in full so they can be edited.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "overwrite an existing file")
	configInitCmd.Flags().StringVarP(&configInitBackend, "backend", "b", string(registration.BSpline),
		"registration backend whose parameters are written")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := defaultConfigPath
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	cfg.Registration.Parameters = registration.DefaultParameters(registration.Kind(configInitBackend), 2)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
