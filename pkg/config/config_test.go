package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaresmedima/mdreg/pkg/mdr"
	"github.com/plaresmedima/mdreg/pkg/registration"
	"github.com/plaresmedima/mdreg/pkg/signalmodel"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Processing.MaxIterations)
	assert.Equal(t, 1.0, cfg.Processing.Precision)
	assert.Equal(t, registration.BSpline, cfg.Registration.Backend)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdreg.yaml")
	src := `
processing:
  workers: 2
  maxIterations: 8
  precision: 0.5
  failurePolicy: abort
model:
  kind: exponential
  times: [0, 10, 20]
registration:
  backend: diffeomorphic
  diffeomorphic:
    transform: Symmetric Diffeomorphic
    metric: Sum of Squared Differences
    levelIters: [20, 10]
output:
  dir: out
  parameterBounds:
    S0: [0, 500]
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Processing.Workers)
	assert.Equal(t, "abort", cfg.Processing.FailurePolicy)
	// unset keys keep their defaults
	assert.True(t, cfg.Processing.Parallel)
	assert.Equal(t, signalmodel.KindExponential, cfg.Model.Kind)
	assert.Equal(t, registration.Diffeomorphic, cfg.Registration.Backend)
	require.NotNil(t, cfg.Registration.Diffeomorphic)
	assert.Equal(t, []int{20, 10}, cfg.Registration.Diffeomorphic.LevelIters)
	assert.Equal(t, []float64{0, 500}, cfg.Output.ParameterBounds["S0"])

	opts, err := cfg.MDROptions(2)
	require.NoError(t, err)
	assert.Equal(t, 8, opts.MaxIterations)
	assert.Equal(t, mdr.Abort, opts.FailurePolicy)
	assert.Equal(t, "exponential", opts.Model.Name())
}

func TestSaveAndLoad(t *testing.T) {
	for _, name := range []string{"mdreg.yaml", "mdreg.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Processing.Workers = 3
			cfg.Input.Path = "data/series"
			cfg.Registration.Parameters = registration.DefaultParameters(registration.BSpline, 2)
			cfg.Output.ParameterBounds = map[string][]float64{"const": {0, 100}}

			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, 3, loaded.Processing.Workers)
			assert.Equal(t, "data/series", loaded.Input.Path)
			require.NotNil(t, loaded.Registration.BSpline)
			assert.Equal(t, cfg.Registration.BSpline.Maps, loaded.Registration.BSpline.Maps)
			assert.Equal(t, 2, loaded.Registration.BSpline.Downsample)
			assert.Equal(t, []float64{0, 100}, loaded.Output.ParameterBounds["const"])
		})
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"iterations", func(c *Config) { c.Processing.MaxIterations = 0 }},
		{"precision", func(c *Config) { c.Processing.Precision = -1 }},
		{"workers", func(c *Config) { c.Processing.Workers = -2 }},
		{"policy", func(c *Config) { c.Processing.FailurePolicy = "retry" }},
		{"spacing", func(c *Config) { c.Input.PixelSpacing = []float64{1, 0} }},
		{"model", func(c *Config) { c.Model.Kind = "biexponential" }},
		{"exponential times", func(c *Config) { c.Model.Kind = signalmodel.KindExponential }},
		{"backend", func(c *Config) { c.Registration.Backend = "affine" }},
		{"bounds", func(c *Config) { c.Output.ParameterBounds = map[string][]float64{"T": {5, 1}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestRegistrationParametersFromFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "stage1.txt")
	second := filepath.Join(dir, "stage2.txt")
	require.NoError(t, os.WriteFile(first, []byte("(FinalGridSpacingInPhysicalUnits 64.0)\n"), 0644))
	require.NoError(t, os.WriteFile(second, []byte("(FinalGridSpacingInPhysicalUnits 16.0)\n"), 0644))

	cfg := DefaultConfig()
	cfg.Output.Verbose = true
	cfg.Registration.ParameterFiles = []string{first, second}

	p, err := cfg.RegistrationParameters(2)
	require.NoError(t, err)
	assert.True(t, p.Verbose)
	require.Len(t, p.BSpline.Maps, 2)
	assert.Equal(t, []string{"16.0"}, p.BSpline.Maps[1]["FinalGridSpacingInPhysicalUnits"])
	assert.NoError(t, p.Validate(2))

	cfg.Registration.Backend = registration.OpticalFlow
	_, err = cfg.RegistrationParameters(2)
	assert.ErrorIs(t, err, ErrInvalid)
}
