package imageio

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFrame writes a 16-bit grayscale PNG whose pixels all equal value
func writeFrame(t *testing.T, path string, width, height int, value uint16) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLoadFrameDirectory(t *testing.T) {
	dir := t.TempDir()
	// numeric order, not lexical
	writeFrame(t, filepath.Join(dir, "frame_10.png"), 6, 4, 65535)
	writeFrame(t, filepath.Join(dir, "frame_2.png"), 6, 4, 0)
	writeFrame(t, filepath.Join(dir, "frame_3.png"), 6, 4, 13107)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	stack, err := LoadStack(dir, Options{})
	require.NoError(t, err)

	assert.Equal(t, []int{4, 6}, stack.Shape)
	assert.Equal(t, 3, stack.Frames())
	assert.Equal(t, []float64{1, 1}, stack.Spacing)
	assert.InDelta(t, 0.0, stack.Frame(0).Data[0], 1e-9)
	assert.InDelta(t, 0.2, stack.Frame(1).Data[5], 1e-9)
	assert.InDelta(t, 1.0, stack.Frame(2).Data[23], 1e-9)
}

func TestLoadVolumeDirectories(t *testing.T) {
	dir := t.TempDir()
	for tp, name := range []string{"t1", "t2"} {
		for k := 0; k < 3; k++ {
			value := uint16((tp*3 + k) * 1000)
			writeFrame(t, filepath.Join(dir, name, "slice_"+string(rune('0'+k))+".png"), 5, 4, value)
		}
	}

	stack, err := LoadStack(dir, Options{PixelSpacing: []float64{0.5, 0.5, 2}})
	require.NoError(t, err)

	assert.Equal(t, []int{4, 5, 3}, stack.Shape)
	assert.Equal(t, 2, stack.Frames())
	assert.Equal(t, []float64{0.5, 0.5, 2}, stack.Spacing)

	v := stack.Frame(1)
	// slice index is the fastest axis
	for k := 0; k < 3; k++ {
		assert.InDelta(t, float64((3+k)*1000)/65535.0, v.Data[v.Offset(2, 3, k)], 1e-9)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := LoadStack(filepath.Join(t.TempDir(), "absent"), Options{})
		assert.Error(t, err)
	})

	t.Run("empty directory", func(t *testing.T) {
		_, err := LoadStack(t.TempDir(), Options{})
		assert.ErrorIs(t, err, ErrNoImages)
	})

	t.Run("mixed sizes", func(t *testing.T) {
		dir := t.TempDir()
		writeFrame(t, filepath.Join(dir, "1.png"), 4, 4, 0)
		writeFrame(t, filepath.Join(dir, "2.png"), 5, 4, 0)
		_, err := LoadStack(dir, Options{})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("spacing dimensions", func(t *testing.T) {
		dir := t.TempDir()
		writeFrame(t, filepath.Join(dir, "1.png"), 4, 4, 0)
		_, err := LoadStack(dir, Options{PixelSpacing: []float64{1, 1, 1}})
		assert.Error(t, err)
	})

	t.Run("not dicom", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "series.dcm")
		require.NoError(t, os.WriteFile(path, []byte("plain text"), 0644))
		_, err := LoadStack(path, Options{})
		assert.Error(t, err)
	})
}

func TestLoadMaskBroadcastsSingleFrame(t *testing.T) {
	dir := t.TempDir()
	img := image.NewGray16(image.Rect(0, 0, 3, 2))
	img.SetGray16(1, 0, color.Gray16{Y: 400})
	f, err := os.Create(filepath.Join(dir, "mask.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	mask, err := LoadMask(dir, 4, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, mask.Frames())
	for tp := 0; tp < 4; tp++ {
		assert.Equal(t, []float64{0, 1, 0, 0, 0, 0}, mask.Frame(tp).Data)
	}
}

func TestExtractNumber(t *testing.T) {
	assert.Equal(t, 12, extractNumber("IM_0012.png"))
	assert.Equal(t, 0, extractNumber("mask.png"))

	names := []string{"s10.png", "s9.png", "s100.png", "s1.png"}
	sortByNumber(names)
	assert.Equal(t, []string{"s1.png", "s9.png", "s10.png", "s100.png"}, names)
}
