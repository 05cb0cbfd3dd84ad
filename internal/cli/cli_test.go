package cli

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaresmedima/mdreg/pkg/config"
	"github.com/plaresmedima/mdreg/pkg/registration"
)

// writeBlobSeries writes identical frames holding a bright square
func writeBlobSeries(t *testing.T, dir string, frames int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	img := image.NewGray16(image.Rect(0, 0, 16, 16))
	for y := 5; y < 11; y++ {
		for x := 5; x < 11; x++ {
			img.SetGray16(x, y, color.Gray16{Y: 40000})
		}
	}
	for i := 1; i <= frames; i++ {
		f, err := os.Create(filepath.Join(dir, "frame_"+string(rune('0'+i))+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

func TestConfigInitCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mdreg.toml")

	configInitForce = false
	configInitBackend = string(registration.OpticalFlow)
	var out bytes.Buffer
	configInitCmd.SetOut(&out)
	require.NoError(t, runConfigInit(configInitCmd, []string{path}))
	assert.Contains(t, out.String(), path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, registration.OpticalFlow, cfg.Registration.Backend)
	require.NotNil(t, cfg.Registration.OpticalFlow)
	assert.Equal(t, registration.DefaultOpticalFlowParameters(), *cfg.Registration.OpticalFlow)

	t.Run("refuses to overwrite", func(t *testing.T) {
		assert.Error(t, runConfigInit(configInitCmd, []string{path}))
		configInitForce = true
		defer func() { configInitForce = false }()
		assert.NoError(t, runConfigInit(configInitCmd, []string{path}))
	})

	t.Run("unknown backend", func(t *testing.T) {
		configInitBackend = "rigid"
		defer func() { configInitBackend = string(registration.BSpline) }()
		assert.Error(t, runConfigInit(configInitCmd, []string{filepath.Join(dir, "other.yaml")}))
	})
}

func TestApplyFitFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Registration.Parameters = registration.DefaultParameters(registration.BSpline, 2)

	require.NoError(t, fitCmd.Flags().Set("backend", "diffeomorphic"))
	require.NoError(t, fitCmd.Flags().Set("sequential", "true"))
	require.NoError(t, fitCmd.Flags().Set("precision", "0.25"))
	defer fitCmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	applyFitFlags(fitCmd, cfg)

	assert.Equal(t, registration.Diffeomorphic, cfg.Registration.Backend)
	assert.Nil(t, cfg.Registration.BSpline)
	assert.False(t, cfg.Processing.Parallel)
	assert.Equal(t, 0.25, cfg.Processing.Precision)
	// untouched flags keep the configured values
	assert.Equal(t, 5, cfg.Processing.MaxIterations)
	assert.Equal(t, "results", cfg.Output.Dir)
}

func TestFitCommandEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full registration")
	}
	dir := t.TempDir()
	input := filepath.Join(dir, "series")
	output := filepath.Join(dir, "out")
	metricsFile := filepath.Join(dir, "metrics", "mdreg.prom")
	writeBlobSeries(t, input, 3)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"fit",
		"--config", filepath.Join(dir, "absent.yaml"),
		"--input", input,
		"--output", output,
		"--backend", "opticalflow",
		"--max-iterations", "3",
		"--metrics-file", metricsFile,
	})
	defer fitCmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	require.NoError(t, Execute())

	assert.Contains(t, out.String(), "Iterations: 1, converged: true")
	for _, name := range []string{"images.gif", "coregistered.gif", "modelfit.gif", "const.png", "largest_deformations.csv"} {
		assert.FileExists(t, filepath.Join(output, name))
	}
	assert.FileExists(t, metricsFile)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "mdreg version dev")
	assert.Contains(t, out.String(), "opticalflow")
}
