package calibrate

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-engine/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestImages drops n small solid-color PNGs into dir and returns their
// paths via util.ListImageFiles.
func writeTestImages(t *testing.T, dir string, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				img.Set(x, y, color.RGBA{R: uint8(40 * i), G: 128, B: 200, A: 255})
			}
		}
		f, err := os.Create(filepath.Join(dir, "frame-"+string(rune('a'+i))+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}

	paths, err := util.ListImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, paths, n)
	return paths
}

func TestImageStreamBatches(t *testing.T) {
	paths := writeTestImages(t, t.TempDir(), 5)

	stream, err := NewImageStream(2, []int{1, 3, 16, 16}, paths)
	require.NoError(t, err)
	assert.Equal(t, 2, stream.BatchSize())
	assert.Equal(t, 2, stream.Batches(), "trailing partial batch is dropped")

	var batches int
	for {
		batch, ok, err := stream.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		batches++
		assert.Equal(t, []int([]int{2, 3, 16, 16}), []int(batch.Shape()))

		data := batch.Data().([]float32)
		for _, v := range data {
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, float32(1))
		}
	}
	assert.Equal(t, 2, batches)

	stream.Reset()
	_, ok, err := stream.Next()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestImageStreamValidation(t *testing.T) {
	_, err := NewImageStream(0, []int{1, 3, 16, 16}, nil)
	assert.Error(t, err)

	_, err = NewImageStream(1, []int{3, 16, 16}, nil)
	assert.Error(t, err)

	_, err = NewImageStream(1, []int{1, 1, 16, 16}, nil)
	assert.Error(t, err)
}

func TestImageStreamMissingFile(t *testing.T) {
	stream, err := NewImageStream(1, []int{1, 3, 8, 8}, []string{"/nonexistent/image.png"})
	require.NoError(t, err)

	_, _, err = stream.Next()
	assert.Error(t, err)
}

func TestEntropyCalibratorCache(t *testing.T) {
	paths := writeTestImages(t, t.TempDir(), 2)
	stream, err := NewImageStream(1, []int{1, 3, 8, 8}, paths)
	require.NoError(t, err)

	table := filepath.Join(t.TempDir(), "calib.json")
	calib := NewEntropyCalibrator(stream, "retinanet", table)

	_, cached := calib.ReadCache()
	assert.False(t, cached)

	require.NoError(t, calib.WriteCache([]byte("scale factors")))
	got, cached := calib.ReadCache()
	assert.True(t, cached)
	assert.Equal(t, []byte("scale factors"), got)

	// Entries for other models survive a write.
	other := NewEntropyCalibrator(stream, "maskrcnn", table)
	require.NoError(t, other.WriteCache([]byte("other")))
	got, cached = calib.ReadCache()
	assert.True(t, cached)
	assert.Equal(t, []byte("scale factors"), got)

	require.NoError(t, calib.Close())
	assert.True(t, calib.Closed())
	_, _, err = calib.Next()
	assert.Error(t, err, "draws after close must fail")
}
