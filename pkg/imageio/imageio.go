// Package imageio loads time series of images into stacks.
//
// Three layouts are recognised:
//   - a directory of 2D frame images (PNG, JPEG or TIFF), one per time point
//   - a directory of subdirectories, one per time point, each holding the
//     slices of a 3D volume
//   - a multi-frame DICOM file whose frames are the time points
//
// Files and subdirectories are ordered by the number in their name, so
// frame_2 sorts before frame_10.
package imageio

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	_ "golang.org/x/image/tiff"

	"github.com/plaresmedima/mdreg/internal/models"
)

var (
	// ErrNoImages is returned when a directory holds no usable frames
	ErrNoImages = errors.New("no images found")

	// ErrShapeMismatch is returned when frames or slices differ in size
	ErrShapeMismatch = errors.New("image sizes differ")
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

// Options control how input is interpreted
type Options struct {
	// PixelSpacing overrides the spacing read from the input, in mm per axis
	PixelSpacing []float64
}

// LoadStack reads a time series from path
func LoadStack(path string, opts Options) (*models.Stack, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var stack *models.Stack
	if info.IsDir() {
		stack, err = loadDirectory(path)
	} else {
		stack, err = loadDICOM(path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	if opts.PixelSpacing != nil {
		if len(opts.PixelSpacing) != stack.Dims() {
			return nil, fmt.Errorf("pixel spacing %v does not match %d dimensions", opts.PixelSpacing, stack.Dims())
		}
		copy(stack.Spacing, opts.PixelSpacing)
	}

	log.Debug().
		Str("component", "imageio").
		Str("path", path).
		Ints("shape", stack.Shape).
		Int("frames", stack.Frames()).
		Floats64("spacing", stack.Spacing).
		Msg("stack loaded")
	return stack, nil
}

// LoadMask reads a mask in any of the stack layouts and binarises it, so that
// non-zero voxels are 1. A single-frame mask is repeated over frames time points.
func LoadMask(path string, frames int, opts Options) (*models.Stack, error) {
	m, err := LoadStack(path, opts)
	if err != nil {
		return nil, err
	}
	if m.Frames() == 1 && frames > 1 {
		single := m.Frame(0)
		if m, err = models.NewStack(frames, single.Shape...); err != nil {
			return nil, err
		}
		copy(m.Spacing, single.Spacing)
		for t := 0; t < frames; t++ {
			if err := m.SetFrame(t, single); err != nil {
				return nil, err
			}
		}
	}
	data := m.Matrix()
	r, c := data.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if data.At(i, j) != 0 {
				data.Set(i, j, 1)
			}
		}
	}
	return m, nil
}

func loadDirectory(dir string) (*models.Stack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files, subdirs []string
	for _, e := range entries {
		if e.IsDir() {
			subdirs = append(subdirs, e.Name())
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}

	if len(files) > 0 {
		sortByNumber(files)
		frames := make([]*models.Volume, len(files))
		for i, name := range files {
			v, err := loadFrame(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			frames[i] = v
		}
		return stackFromFrames(frames)
	}

	if len(subdirs) == 0 {
		return nil, ErrNoImages
	}
	sortByNumber(subdirs)
	frames := make([]*models.Volume, 0, len(subdirs))
	for _, name := range subdirs {
		v, err := loadVolume(filepath.Join(dir, name))
		if errors.Is(err, ErrNoImages) {
			continue
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, v)
	}
	if len(frames) == 0 {
		return nil, ErrNoImages
	}
	return stackFromFrames(frames)
}

// loadVolume stacks the slices in dir along the last axis
func loadVolume(dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, ErrNoImages
	}
	sortByNumber(files)

	var vol *models.Volume
	for k, name := range files {
		slice, err := loadFrame(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if vol == nil {
			vol = models.NewVolume(slice.Shape[0], slice.Shape[1], len(files))
		} else if slice.Shape[0] != vol.Shape[0] || slice.Shape[1] != vol.Shape[1] {
			return nil, fmt.Errorf("%w: slice %s is %v, expected %v", ErrShapeMismatch, name, slice.Shape, vol.Shape[:2])
		}
		for p, v := range slice.Data {
			vol.Data[p*len(files)+k] = v
		}
	}
	return vol, nil
}

func loadFrame(path string) (*models.Volume, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", filepath.Base(path), err)
	}
	b := img.Bounds()
	v, err := models.NewVolumeFrom(imageToFloat(img), nil, b.Dy(), b.Dx())
	if err != nil {
		return nil, err
	}
	return v, nil
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	return img, err
}

// imageToFloat converts the first channel of an image to row-major floats in [0, 1]
func imageToFloat(img image.Image) []float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	result := make([]float64, width*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			result[y*width+x] = float64(r) / 65535.0
		}
	}
	return result
}

func stackFromFrames(frames []*models.Volume) (*models.Stack, error) {
	for i, f := range frames[1:] {
		if !f.SameShape(frames[0]) {
			return nil, fmt.Errorf("%w: frame %d is %v, frame 0 is %v", ErrShapeMismatch, i+1, f.Shape, frames[0].Shape)
		}
	}
	return models.StackFromFrames(frames)
}

// loadDICOM reads a multi-frame DICOM file, one time point per frame
func loadDICOM(path string) (*models.Stack, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, err
	}
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, err
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return nil, ErrNoImages
	}

	frames := make([]*models.Volume, len(info.Frames))
	for i, f := range info.Frames {
		img, err := f.GetImage()
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		b := img.Bounds()
		if frames[i], err = models.NewVolumeFrom(imageToFloat(img), nil, b.Dy(), b.Dx()); err != nil {
			return nil, err
		}
	}

	stack, err := stackFromFrames(frames)
	if err != nil {
		return nil, err
	}
	if spacing, ok := pixelSpacing(ds); ok {
		copy(stack.Spacing, spacing)
	}
	return stack, nil
}

// pixelSpacing reads the row and column spacing of a DICOM dataset
func pixelSpacing(ds dicom.Dataset) ([]float64, bool) {
	el, err := ds.FindElementByTag(tag.PixelSpacing)
	if err != nil {
		return nil, false
	}
	values := dicom.MustGetStrings(el.Value)
	if len(values) != 2 {
		return nil, false
	}
	spacing := make([]float64, 2)
	for i, s := range values {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || v <= 0 {
			return nil, false
		}
		spacing[i] = v
	}
	return spacing, true
}

// sortByNumber orders names by the digits they contain
func sortByNumber(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return extractNumber(names[i]) < extractNumber(names[j])
	})
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() > 0 {
		if num, err := strconv.Atoi(digits.String()); err == nil {
			return num
		}
	}
	return 0
}
