// Package config provides configuration loading and management for mdreg.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/plaresmedima/mdreg/pkg/mdr"
	"github.com/plaresmedima/mdreg/pkg/registration"
	"github.com/plaresmedima/mdreg/pkg/signalmodel"
)

// ErrInvalid marks configuration values that fail validation
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	// Processing parameters of the MDR loop
	Processing struct {
		// Workers is the number of frames registered concurrently
		Workers int `yaml:"workers" toml:"workers"`

		// Parallel enables concurrent frame registration
		Parallel bool `yaml:"parallel" toml:"parallel"`

		// MaxIterations caps the number of MDR iterations
		MaxIterations int `yaml:"maxIterations" toml:"maxIterations"`

		// Precision is the deformation change (mm) below which MDR has converged
		Precision float64 `yaml:"precision" toml:"precision"`

		// FailurePolicy is "keep-previous" or "abort"
		FailurePolicy string `yaml:"failurePolicy" toml:"failurePolicy"`
	} `yaml:"processing" toml:"processing"`

	// Input data
	Input struct {
		// Path is a directory of frames, a directory of per-time-point
		// directories, or a multi-frame DICOM file
		Path string `yaml:"path" toml:"path"`

		// Mask is optional and uses the same layout as Path
		Mask string `yaml:"mask,omitempty" toml:"mask,omitempty"`

		// PixelSpacing overrides the spacing read from the input (mm per axis)
		PixelSpacing []float64 `yaml:"pixelSpacing,omitempty" toml:"pixelSpacing,omitempty"`
	} `yaml:"input" toml:"input"`

	// Model selects the signal model
	Model signalmodel.Config `yaml:"model" toml:"model"`

	// Registration selects the backend and its parameters
	Registration struct {
		registration.Parameters `yaml:",inline"`

		// ParameterFiles are elastix-style files, each added as a B-spline stage
		ParameterFiles []string `yaml:"parameterFiles,omitempty" toml:"parameterFiles,omitempty"`
	} `yaml:"registration" toml:"registration"`

	// Output parameters
	Output struct {
		// Dir receives exported results
		Dir string `yaml:"dir" toml:"dir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" toml:"verbose"`

		// ExportUnregistered also exports the model fit of the uncorrected data
		ExportUnregistered bool `yaml:"exportUnregistered" toml:"exportUnregistered"`

		// ParameterBounds clips parameter maps to [min, max] when exported
		ParameterBounds map[string][]float64 `yaml:"parameterBounds,omitempty" toml:"parameterBounds,omitempty"`

		// MetricsFile receives run metrics in Prometheus textfile format
		MetricsFile string `yaml:"metricsFile,omitempty" toml:"metricsFile,omitempty"`
	} `yaml:"output" toml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.Parallel = true
	cfg.Processing.MaxIterations = 5
	cfg.Processing.Precision = 1.0
	cfg.Processing.FailurePolicy = string(mdr.KeepPrevious)

	cfg.Model.Kind = signalmodel.KindConstant

	cfg.Registration.Backend = registration.BSpline

	cfg.Output.Dir = "results"
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by extension.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Validate checks values that can be checked without the input data
func (c *Config) Validate() error {
	p := c.Processing
	if p.MaxIterations < 1 {
		return fmt.Errorf("%w: processing.maxIterations must be >= 1, got %d", ErrInvalid, p.MaxIterations)
	}
	if p.Precision < 0 {
		return fmt.Errorf("%w: processing.precision must be >= 0, got %g", ErrInvalid, p.Precision)
	}
	if p.Workers < 0 {
		return fmt.Errorf("%w: processing.workers must be >= 0, got %d", ErrInvalid, p.Workers)
	}
	switch mdr.FailurePolicy(p.FailurePolicy) {
	case mdr.KeepPrevious, mdr.Abort:
	default:
		return fmt.Errorf("%w: unknown processing.failurePolicy %q", ErrInvalid, p.FailurePolicy)
	}
	for _, s := range c.Input.PixelSpacing {
		if s <= 0 {
			return fmt.Errorf("%w: input.pixelSpacing must be positive, got %v", ErrInvalid, c.Input.PixelSpacing)
		}
	}
	if _, err := signalmodel.New(c.Model); err != nil {
		return fmt.Errorf("%w: model: %v", ErrInvalid, err)
	}
	switch c.Registration.Backend {
	case registration.BSpline, registration.Diffeomorphic, registration.OpticalFlow:
	default:
		return fmt.Errorf("%w: unknown registration.backend %q", ErrInvalid, c.Registration.Backend)
	}
	for name, b := range c.Output.ParameterBounds {
		if len(b) != 2 || b[0] >= b[1] {
			return fmt.Errorf("%w: output.parameterBounds.%s must be [min, max], got %v", ErrInvalid, name, b)
		}
	}
	return nil
}

// RegistrationParameters returns the backend parameters for data of the given
// dimensionality, with any parameter files appended as B-spline stages.
func (c *Config) RegistrationParameters(dims int) (registration.Parameters, error) {
	p := c.Registration.Parameters.Clone()
	p.Verbose = p.Verbose || c.Output.Verbose
	if len(c.Registration.ParameterFiles) == 0 {
		return p, nil
	}
	if p.Backend != registration.BSpline {
		return p, fmt.Errorf("%w: parameter files need the bspline backend, got %q", ErrInvalid, p.Backend)
	}
	if p.BSpline == nil {
		b := registration.DefaultBSplineParameters(dims)
		b.Maps = nil
		p.BSpline = &b
	}
	for _, path := range c.Registration.ParameterFiles {
		m, err := registration.ReadParameterFile(path)
		if err != nil {
			return p, err
		}
		p.BSpline.Maps = append(p.BSpline.Maps, m)
	}
	return p, nil
}

// MDROptions converts the configuration into run options. The returned options
// carry no logger, status or exporter; the caller attaches those.
func (c *Config) MDROptions(dims int) (mdr.Options, error) {
	if err := c.Validate(); err != nil {
		return mdr.Options{}, err
	}
	model, err := signalmodel.New(c.Model)
	if err != nil {
		return mdr.Options{}, err
	}
	params, err := c.RegistrationParameters(dims)
	if err != nil {
		return mdr.Options{}, err
	}
	if err := params.Validate(dims); err != nil {
		return mdr.Options{}, err
	}

	opts := mdr.DefaultOptions()
	opts.Model = model
	opts.Registration = params
	opts.MaxIterations = c.Processing.MaxIterations
	opts.Precision = c.Processing.Precision
	opts.Parallel = c.Processing.Parallel
	opts.Workers = c.Processing.Workers
	opts.FailurePolicy = mdr.FailurePolicy(c.Processing.FailurePolicy)
	opts.ExportUnregistered = c.Output.ExportUnregistered
	return opts, nil
}
