package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/plaresmedima/mdreg/internal/logging"
	"github.com/plaresmedima/mdreg/pkg/config"
	"github.com/plaresmedima/mdreg/pkg/export"
	"github.com/plaresmedima/mdreg/pkg/imageio"
	"github.com/plaresmedima/mdreg/pkg/mdr"
	"github.com/plaresmedima/mdreg/pkg/metrics"
	"github.com/plaresmedima/mdreg/pkg/registration"
)

const defaultConfigPath = "mdreg.yaml"

var (
	fitConfigPath    string
	fitInput         string
	fitMask          string
	fitOutput        string
	fitBackend       string
	fitMaxIterations int
	fitPrecision     float64
	fitWorkers       int
	fitSequential    bool
	fitFailurePolicy string
	fitVerbose       bool
	fitUnregistered  bool
	fitMetricsFile   string
	fitSkipExport    bool
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Run motion correction on a time series",
	Long: `Loads a time series, runs model-driven registration and exports the
coregistered images, the model fit and its parameters, and the deformation
field to the output directory.

The input is a directory of frame images, a directory of per-time-point
slice directories for 3D data, or a multi-frame DICOM file. Flags override
the values in the configuration file.`,
	RunE: runFit,
}

func init() {
	f := fitCmd.Flags()
	f.StringVarP(&fitConfigPath, "config", "c", defaultConfigPath, "configuration file (YAML or TOML)")
	f.StringVarP(&fitInput, "input", "i", "", "input time series")
	f.StringVarP(&fitMask, "mask", "m", "", "optional mask, same layout as the input or a single frame")
	f.StringVarP(&fitOutput, "output", "o", "", "output directory")
	f.StringVarP(&fitBackend, "backend", "b", "", "registration backend: bspline, diffeomorphic or opticalflow")
	f.IntVar(&fitMaxIterations, "max-iterations", 0, "maximum number of iterations")
	f.Float64Var(&fitPrecision, "precision", 0, "convergence threshold on the deformation change, in mm")
	f.IntVarP(&fitWorkers, "workers", "w", 0, "frames registered concurrently (0 for all CPUs)")
	f.BoolVar(&fitSequential, "sequential", false, "register frames one at a time")
	f.StringVar(&fitFailurePolicy, "failure-policy", "", "keep-previous or abort")
	f.BoolVarP(&fitVerbose, "verbose", "v", false, "verbose logging")
	f.BoolVar(&fitUnregistered, "export-unregistered", false, "also export the model fit of the uncorrected data")
	f.StringVar(&fitMetricsFile, "metrics-file", "", "write run metrics in Prometheus textfile format")
	f.BoolVar(&fitSkipExport, "no-export", false, "run without writing images")
	rootCmd.AddCommand(fitCmd)
}

func runFit(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(fitConfigPath)
	if err != nil {
		return err
	}
	applyFitFlags(cmd, cfg)

	logger := logging.Configure(logging.RuntimeProfile(cfg.Output.Verbose))

	if cfg.Input.Path == "" {
		return fmt.Errorf("no input: set input.path in %s or pass --input", fitConfigPath)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	loadOpts := imageio.Options{PixelSpacing: cfg.Input.PixelSpacing}
	stack, err := imageio.LoadStack(cfg.Input.Path, loadOpts)
	if err != nil {
		return err
	}

	opts, err := cfg.MDROptions(stack.Dims())
	if err != nil {
		return err
	}
	opts.RunID = uuid.New()
	opts.Logger = logging.Logger("mdr")
	opts.Status = logging.NewStatus(logging.Logger("status"))
	opts.Metrics = metrics.NewRecorder(opts.RunID.String())

	var exp *export.Exporter
	if !fitSkipExport {
		exp, err = export.New(cfg.Output.Dir, cfg.Output.ParameterBounds, logger)
		if err != nil {
			return err
		}
		if err := exp.ExportData(stack); err != nil {
			return err
		}
		opts.Exporter = exp.ExportFit
	}

	m, err := mdr.New(opts)
	if err != nil {
		return err
	}
	if err := m.SetStack(stack); err != nil {
		return err
	}
	if cfg.Input.Mask != "" {
		mask, err := imageio.LoadMask(cfg.Input.Mask, stack.Frames(), loadOpts)
		if err != nil {
			return fmt.Errorf("loading mask: %w", err)
		}
		m.SetMask(mask)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := m.Fit(ctx)
	if err != nil {
		return err
	}

	if exp != nil {
		if err := exp.ExportRegistered(res); err != nil {
			return err
		}
	}
	if cfg.Output.MetricsFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Output.MetricsFile), 0755); err != nil {
			return err
		}
		if err := opts.Metrics.WriteTextfile(cfg.Output.MetricsFile); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s finished in %s\n", res.RunID, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(out, "Iterations: %d, converged: %t, failed frame registrations: %d\n",
		res.Log.Len(), res.Converged, res.FailedFrames())
	if exp != nil {
		fmt.Fprintf(out, "Results written to %s\n", cfg.Output.Dir)
	}
	return nil
}

// applyFitFlags copies explicitly set flags over the configuration
func applyFitFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Input.Path = fitInput
	}
	if flags.Changed("mask") {
		cfg.Input.Mask = fitMask
	}
	if flags.Changed("output") {
		cfg.Output.Dir = fitOutput
	}
	if flags.Changed("backend") && registration.Kind(fitBackend) != cfg.Registration.Backend {
		cfg.Registration.Parameters = registration.Parameters{Backend: registration.Kind(fitBackend)}
	}
	if flags.Changed("max-iterations") {
		cfg.Processing.MaxIterations = fitMaxIterations
	}
	if flags.Changed("precision") {
		cfg.Processing.Precision = fitPrecision
	}
	if flags.Changed("workers") {
		cfg.Processing.Workers = fitWorkers
	}
	if flags.Changed("sequential") {
		cfg.Processing.Parallel = !fitSequential
	}
	if flags.Changed("failure-policy") {
		cfg.Processing.FailurePolicy = fitFailurePolicy
	}
	if flags.Changed("verbose") {
		cfg.Output.Verbose = fitVerbose
	}
	if flags.Changed("export-unregistered") {
		cfg.Output.ExportUnregistered = fitUnregistered
	}
	if flags.Changed("metrics-file") {
		cfg.Output.MetricsFile = fitMetricsFile
	}
}
