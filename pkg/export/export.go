// Package export writes the results of a run as images and tables.
//
// Time series are written as animated GIFs with one frame per time point,
// parameter maps as colour-mapped PNGs. For 3D data each slice is written to
// its own file, suffixed with the slice index.
package export

import (
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"

	"github.com/plaresmedima/mdreg/internal/models"
	"github.com/plaresmedima/mdreg/pkg/mdr"
)

// DefaultScale is the upscaling factor applied to exported images
const DefaultScale = 4

var componentNames = []string{"x", "y", "z"}

// Exporter writes results below Dir
type Exporter struct {
	Dir string

	// Bounds clips named parameter maps to [min, max] before colour mapping
	Bounds map[string][]float64

	// Scale is the integer upscaling factor of every image
	Scale int

	// Delay is the GIF frame delay in 100ths of a second
	Delay int

	Logger zerolog.Logger
}

// New returns an exporter writing to dir, creating it if needed
func New(dir string, bounds map[string][]float64, logger zerolog.Logger) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating export directory: %w", err)
	}
	return &Exporter{
		Dir:    dir,
		Bounds: bounds,
		Scale:  DefaultScale,
		Delay:  20,
		Logger: logger.With().Str("component", "export").Logger(),
	}, nil
}

// ExportData writes the uncorrected input as images.gif
func (e *Exporter) ExportData(s *models.Stack) error {
	return e.writeStack("images", s)
}

// ExportFit writes a signal-model fit as modelfit<suffix>.gif and each of its
// parameters as <name><suffix>.png. Its signature matches mdr.ExportFunc.
func (e *Exporter) ExportFit(suffix string, fit *models.Stack, pars *models.ParameterMap) error {
	if err := e.writeStack("modelfit"+suffix, fit); err != nil {
		return err
	}
	if pars == nil {
		return nil
	}
	for i, name := range pars.Names {
		if err := e.writeParameter(name+suffix, name, fit.Shape, pars.Column(i)); err != nil {
			return err
		}
	}
	return nil
}

// ExportRegistered writes the outputs of a run: the model fit and its
// parameters, coregistered.gif, one deformation_field_<axis>.gif per
// displacement component, the displacement magnitude as deformation_field.gif,
// largest_deformations.csv and iterations.csv.
func (e *Exporter) ExportRegistered(r *mdr.Result) error {
	if err := e.ExportFit("", r.ModelFit, r.Parameters); err != nil {
		return err
	}
	if err := e.writeStack("coregistered", r.Coregistered); err != nil {
		return err
	}

	def := r.Deformation
	mag, err := models.NewStack(def.Frames, def.Shape...)
	if err != nil {
		return err
	}
	for c := 0; c < def.Dims; c++ {
		comp, err := models.NewStack(def.Frames, def.Shape...)
		if err != nil {
			return err
		}
		cm, mm := comp.Matrix(), mag.Matrix()
		for p := 0; p < def.Pixels(); p++ {
			for t := 0; t < def.Frames; t++ {
				v := def.At(p, c, t)
				cm.Set(p, t, v)
				mm.Set(p, t, mm.At(p, t)+v*v)
			}
		}
		if err := e.writeStack("deformation_field_"+componentNames[c], comp); err != nil {
			return err
		}
	}
	mm := mag.Matrix()
	mm.Apply(func(_, _ int, v float64) float64 { return math.Sqrt(v) }, mm)
	if err := e.writeStack("deformation_field", mag); err != nil {
		return err
	}

	if err := e.writeCSV("largest_deformations.csv", func(w io.Writer) error {
		return WriteLargestDeformations(w, r.Log)
	}); err != nil {
		return err
	}
	return e.writeCSV("iterations.csv", func(w io.Writer) error {
		return WriteIterationLog(w, r.Log)
	})
}

// WriteLargestDeformations writes the maximum deformation change of every
// iteration, keyed by iteration number
func WriteLargestDeformations(w io.Writer, log models.IterationLog) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"iteration", "largest_deformation_mm"}); err != nil {
		return err
	}
	for _, it := range log {
		if err := cw.Write([]string{strconv.Itoa(it.Number), formatFloat(it.MaxDeformation)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteIterationLog writes one row per iteration with its diagnostics
func WriteIterationLog(w io.Writer, log models.IterationLog) error {
	cw := csv.NewWriter(w)
	header := []string{"iteration", "max_deformation_mm", "valid", "failed_frames", "duration_s"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, it := range log {
		failed := make([]string, len(it.FailedFrames))
		for i, f := range it.FailedFrames {
			failed[i] = strconv.Itoa(f)
		}
		row := []string{
			strconv.Itoa(it.Number),
			formatFloat(it.MaxDeformation),
			strconv.FormatBool(it.Valid),
			strings.Join(failed, " "),
			strconv.FormatFloat(it.Duration.Seconds(), 'f', 3, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (e *Exporter) writeCSV(name string, write func(io.Writer) error) error {
	path := filepath.Join(e.Dir, name)
	if err := writeFile(path, write); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	e.Logger.Debug().Str("file", path).Msg("table written")
	return nil
}

// writeStack writes an animated GIF per slice, scaled to the finite range of
// the whole stack
func (e *Exporter) writeStack(name string, s *models.Stack) error {
	if s == nil {
		return nil
	}
	lo, hi := finiteRange(s.Matrix().RawMatrix().Data)
	rows, cols := s.Shape[0], s.Shape[1]
	slices := planes(s.Shape)

	for k := 0; k < slices; k++ {
		anim := &gif.GIF{}
		for t := 0; t < s.Frames(); t++ {
			plane := extractPlane(s.Frame(t).Data, s.Shape, k)
			anim.Image = append(anim.Image, e.grayFrame(plane, rows, cols, lo, hi))
			anim.Delay = append(anim.Delay, e.Delay)
		}
		path := filepath.Join(e.Dir, fileName(name, ".gif", k, slices))
		if err := writeFile(path, func(w io.Writer) error { return gif.EncodeAll(w, anim) }); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		e.Logger.Debug().Str("file", path).Int("frames", s.Frames()).Msg("animation written")
	}
	return nil
}

// writeParameter writes a colour-mapped PNG per slice of a parameter map
func (e *Exporter) writeParameter(name, param string, shape []int, values []float64) error {
	lo, hi := finiteRange(values)
	if b, ok := e.Bounds[param]; ok && len(b) == 2 {
		lo, hi = b[0], b[1]
	}
	rows, cols := shape[0], shape[1]
	slices := planes(shape)

	for k := 0; k < slices; k++ {
		plane := extractPlane(values, shape, k)
		img := image.NewRGBA(image.Rect(0, 0, cols, rows))
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				img.Set(x, y, colormap(normalize(plane[y*cols+x], lo, hi)))
			}
		}
		scaled := image.NewRGBA(image.Rect(0, 0, cols*e.scale(), rows*e.scale()))
		xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), xdraw.Src, nil)

		path := filepath.Join(e.Dir, fileName(name, ".png", k, slices))
		if err := writeFile(path, func(w io.Writer) error { return png.Encode(w, scaled) }); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		e.Logger.Debug().Str("file", path).Float64("min", lo).Float64("max", hi).Msg("parameter map written")
	}
	return nil
}

func (e *Exporter) scale() int {
	if e.Scale < 1 {
		return 1
	}
	return e.Scale
}

// grayFrame renders one plane on a 256-level gray palette
func (e *Exporter) grayFrame(plane []float64, rows, cols int, lo, hi float64) *image.Paletted {
	small := image.NewGray(image.Rect(0, 0, cols, rows))
	for i, v := range plane {
		small.Pix[i] = uint8(math.Round(255 * normalize(v, lo, hi)))
	}
	big := image.NewGray(image.Rect(0, 0, cols*e.scale(), rows*e.scale()))
	xdraw.NearestNeighbor.Scale(big, big.Bounds(), small, small.Bounds(), xdraw.Src, nil)

	frame := image.NewPaletted(big.Bounds(), grayPalette)
	copy(frame.Pix, big.Pix)
	return frame
}

var grayPalette = func() color.Palette {
	p := make(color.Palette, 256)
	for i := range p {
		p[i] = color.Gray{Y: uint8(i)}
	}
	return p
}()

// colormapStops run from dark blue through teal to yellow
var colormapStops = []colorful.Color{
	mustHex("#440154"),
	mustHex("#3b528b"),
	mustHex("#21918c"),
	mustHex("#5ec962"),
	mustHex("#fde725"),
}

func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic(err)
	}
	return c
}

// colormap maps v in [0, 1] onto the colour scale
func colormap(v float64) color.Color {
	n := len(colormapStops) - 1
	pos := v * float64(n)
	i := int(math.Floor(pos))
	if i >= n {
		return colormapStops[n].Clamped()
	}
	if i < 0 {
		return colormapStops[0].Clamped()
	}
	return colormapStops[i].BlendLab(colormapStops[i+1], pos-float64(i)).Clamped()
}

// normalize maps v onto [0, 1] with clipping; non-finite values map to 0
func normalize(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || hi <= lo {
		return 0
	}
	return math.Max(0, math.Min(1, (v-lo)/(hi-lo)))
}

// finiteRange returns the smallest and largest finite values
func finiteRange(data []float64) (float64, float64) {
	finite := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return 0, 0
	}
	return floats.Min(finite), floats.Max(finite)
}

// planes returns the number of 2D slices in a volume
func planes(shape []int) int {
	if len(shape) == 3 {
		return shape[2]
	}
	return 1
}

// extractPlane copies slice k of a row-major volume
func extractPlane(data []float64, shape []int, k int) []float64 {
	n := planes(shape)
	if n == 1 {
		return data
	}
	out := make([]float64, shape[0]*shape[1])
	for p := range out {
		out[p] = data[p*n+k]
	}
	return out
}

func fileName(name, ext string, k, slices int) string {
	if slices == 1 {
		return name + ext
	}
	return fmt.Sprintf("%s_%d%s", name, k, ext)
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
