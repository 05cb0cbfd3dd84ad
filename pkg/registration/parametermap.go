package registration

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ParameterMap is one elastix-style registration stage: parameter names
// mapped to their (string) values.
type ParameterMap map[string][]string

// Set assigns a parameter
func (m ParameterMap) Set(key string, values ...string) {
	m[key] = append([]string(nil), values...)
}

// Get returns the first value of a parameter
func (m ParameterMap) Get(key string) (string, bool) {
	v, ok := m[key]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

func (m ParameterMap) clone() ParameterMap {
	out := make(ParameterMap, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// BSplineParameters configures the B-spline backend as a list of parameter
// maps, each run as a separate stage, plus the downsampling factor.
type BSplineParameters struct {
	Maps []ParameterMap `yaml:"maps" toml:"maps"`

	// Downsample registers on images block-reduced by this factor and applies
	// the resulting transform at full resolution. 1 disables it.
	Downsample int `yaml:"downsample" toml:"downsample"`
}

func (p BSplineParameters) clone() BSplineParameters {
	out := BSplineParameters{Downsample: p.Downsample}
	for _, m := range p.Maps {
		out.Maps = append(out.Maps, m.clone())
	}
	return out
}

// Set assigns a parameter in every map
func (p *BSplineParameters) Set(key string, values ...string) {
	for _, m := range p.Maps {
		m.Set(key, values...)
	}
}

// DefaultBSplineParameters returns a single-stage B-spline parameter map for
// 2D or 3D images, with a downsampling factor of 2.
func DefaultBSplineParameters(dims int) BSplineParameters {
	d := strconv.Itoa(dims)
	m := ParameterMap{}
	m.Set("FixedInternalImagePixelType", "float")
	m.Set("MovingInternalImagePixelType", "float")
	m.Set("FixedImageDimension", d)
	m.Set("MovingImageDimension", d)
	m.Set("Registration", "MultiResolutionRegistration")
	m.Set("ImageSampler", "Grid")
	m.Set("Interpolator", "LinearInterpolator")
	m.Set("ResampleInterpolator", "FinalLinearInterpolator")
	m.Set("FixedImagePyramid", "FixedSmoothingImagePyramid")
	m.Set("MovingImagePyramid", "MovingSmoothingImagePyramid")
	m.Set("Optimizer", "LBFGS")
	m.Set("Transform", "BSplineTransform")
	m.Set("Metric", "AdvancedMeanSquares")
	m.Set("FinalGridSpacingInPhysicalUnits", "50.0")
	m.Set("NumberOfResolutions", "4")
	m.Set("MaximumNumberOfIterations", "500")
	m.Set("NumberOfSpatialSamples", "2048")
	m.Set("CheckNumberOfSamples", "true")
	m.Set("RequiredRatioOfValidSamples", "0.25")
	m.Set("DefaultPixelValue", "0")
	return BSplineParameters{Maps: []ParameterMap{m}, Downsample: 2}
}

// ReadParameterFile parses an elastix parameter file, where every line has the
// form (Name value value ...) and // starts a comment.
func ReadParameterFile(path string) (ParameterMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening parameter file: %w", err)
	}
	defer f.Close()
	return ParseParameterMap(f)
}

// ParseParameterMap parses elastix parameter file syntax from r
func ParseParameterMap(r io.Reader) (ParameterMap, error) {
	m := ParameterMap{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.Index(text, "//"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if !strings.HasPrefix(text, "(") || !strings.HasSuffix(text, ")") {
			return nil, fmt.Errorf("line %d: expected (Name value ...), got %q", line, text)
		}
		fields := strings.Fields(text[1 : len(text)-1])
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: parameter without value", line)
		}
		values := make([]string, 0, len(fields)-1)
		for _, v := range fields[1:] {
			values = append(values, strings.Trim(v, `"`))
		}
		m[fields[0]] = values
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading parameter map: %w", err)
	}
	return m, nil
}

// WriteParameterMap writes m in elastix parameter file syntax, keys sorted
func WriteParameterMap(w io.Writer, m ParameterMap) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := make([]string, len(m[k]))
		for i, v := range m[k] {
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				values[i] = v
			} else {
				values[i] = strconv.Quote(v)
			}
		}
		if _, err := fmt.Fprintf(w, "(%s %s)\n", k, strings.Join(values, " ")); err != nil {
			return err
		}
	}
	return nil
}

// bsplineSettings is the native form of one parameter map
type bsplineSettings struct {
	gridSpacing   []float64
	resolutions   int
	maxIterations int
	samples       int
	checkSamples  bool
	requiredRatio float64
	defaultPixel  float64
}

func parseBSplineMap(m ParameterMap, dims int) (bsplineSettings, error) {
	s := bsplineSettings{
		resolutions:   4,
		maxIterations: 500,
		samples:       2048,
		checkSamples:  true,
		requiredRatio: 0.25,
	}
	if v, ok := m.Get("Transform"); ok && v != "BSplineTransform" {
		return s, fmt.Errorf("%w: transform %q is not implemented", ErrInvalidConfig, v)
	}
	if v, ok := m.Get("Metric"); ok && v != "AdvancedMeanSquares" {
		return s, fmt.Errorf("%w: metric %q is not implemented", ErrInvalidConfig, v)
	}
	if v, ok := m.Get("FixedImageDimension"); ok && v != strconv.Itoa(dims) {
		return s, fmt.Errorf("%w: parameter map is for %s-D images, data is %d-D", ErrInvalidConfig, v, dims)
	}

	spacing := m["FinalGridSpacingInPhysicalUnits"]
	if len(spacing) == 0 {
		spacing = []string{"50.0"}
	}
	if len(spacing) != 1 && len(spacing) != dims {
		return s, fmt.Errorf("%w: FinalGridSpacingInPhysicalUnits needs 1 or %d values", ErrInvalidConfig, dims)
	}
	s.gridSpacing = make([]float64, dims)
	for a := 0; a < dims; a++ {
		raw := spacing[0]
		if len(spacing) == dims {
			raw = spacing[a]
		}
		g, err := strconv.ParseFloat(raw, 64)
		if err != nil || g <= 0 {
			return s, fmt.Errorf("%w: invalid grid spacing %q", ErrInvalidConfig, raw)
		}
		s.gridSpacing[a] = g
	}

	var err error
	if s.resolutions, err = intParam(m, "NumberOfResolutions", s.resolutions, 1); err != nil {
		return s, err
	}
	if s.maxIterations, err = intParam(m, "MaximumNumberOfIterations", s.maxIterations, 0); err != nil {
		return s, err
	}
	if s.samples, err = intParam(m, "NumberOfSpatialSamples", s.samples, 1); err != nil {
		return s, err
	}
	if v, ok := m.Get("CheckNumberOfSamples"); ok {
		s.checkSamples = v == "true"
	}
	if v, ok := m.Get("RequiredRatioOfValidSamples"); ok {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 || r > 1 {
			return s, fmt.Errorf("%w: invalid RequiredRatioOfValidSamples %q", ErrInvalidConfig, v)
		}
		s.requiredRatio = r
	}
	if v, ok := m.Get("DefaultPixelValue"); ok {
		dp, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return s, fmt.Errorf("%w: invalid DefaultPixelValue %q", ErrInvalidConfig, v)
		}
		s.defaultPixel = dp
	}
	return s, nil
}

func intParam(m ParameterMap, key string, def, min int) (int, error) {
	v, ok := m.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrInvalidConfig, key, v)
	}
	return n, nil
}
