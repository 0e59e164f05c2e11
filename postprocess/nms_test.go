package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// candidates packs flat candidate rows (score, class, box...) into the three
// tensors suppress expects, for a single image.
func candidates(bv int, rows ...[]float32) (*tensor.Dense, *tensor.Dense, *tensor.Dense) {
	k := len(rows)
	scores := make([]float32, k)
	classes := make([]float32, k)
	boxes := make([]float32, k*bv)
	for i, row := range rows {
		scores[i] = row[0]
		classes[i] = row[1]
		copy(boxes[i*bv:], row[2:])
	}
	return tensor.New(tensor.WithShape(1, k), tensor.WithBacking(scores)),
		tensor.New(tensor.WithShape(1, k, bv), tensor.WithBacking(boxes)),
		tensor.New(tensor.WithShape(1, k), tensor.WithBacking(classes))
}

func TestSuppressAllRemovesOverlaps(t *testing.T) {
	s, b, c := candidates(4,
		[]float32{0.9, 0, 0, 0, 100, 100},
		[]float32{0.8, 0, 5, 5, 105, 105}, // heavy overlap with the first, same class
		[]float32{0.7, 0, 200, 200, 300, 300},
	)

	os, ob, oc, err := SuppressAll(s, b, c, NMSParams{IoUThreshold: 0.5, DetectionsPerImage: 10})
	require.NoError(t, err)

	assert.Equal(t, []int([]int{1, 10}), []int(os.Shape()))
	assert.Equal(t, []int([]int{1, 10, 4}), []int(ob.Shape()))

	sd := os.Data().([]float32)
	cd := oc.Data().([]float32)
	assert.InDelta(t, 0.9, sd[0], 1e-6)
	assert.InDelta(t, 0.7, sd[1], 1e-6)
	assert.Equal(t, float32(0), sd[2]) // suppressed candidate left a padded slot
	assert.Equal(t, float32(-1), cd[2])
}

func TestSuppressAllIsClassAware(t *testing.T) {
	s, b, c := candidates(4,
		[]float32{0.9, 0, 0, 0, 100, 100},
		[]float32{0.8, 1, 0, 0, 100, 100}, // identical box, different class: kept
	)

	os, _, _, err := SuppressAll(s, b, c, NMSParams{IoUThreshold: 0.5, DetectionsPerImage: 5})
	require.NoError(t, err)

	sd := os.Data().([]float32)
	assert.InDelta(t, 0.9, sd[0], 1e-6)
	assert.InDelta(t, 0.8, sd[1], 1e-6)
}

func TestSuppressAllBoundsOutput(t *testing.T) {
	s, b, c := candidates(4,
		[]float32{0.9, 0, 0, 0, 10, 10},
		[]float32{0.8, 0, 100, 100, 110, 110},
		[]float32{0.7, 0, 200, 200, 210, 210},
	)

	os, _, _, err := SuppressAll(s, b, c, NMSParams{IoUThreshold: 0.5, DetectionsPerImage: 2})
	require.NoError(t, err)

	sd := os.Data().([]float32)
	assert.Len(t, sd, 2)
	assert.InDelta(t, 0.9, sd[0], 1e-6)
	assert.InDelta(t, 0.8, sd[1], 1e-6)
}

func TestSuppressAllIgnoresPaddedSlots(t *testing.T) {
	s, b, c := candidates(4,
		[]float32{0, -1, 0, 0, 0, 0}, // padding from an upstream decode stage
		[]float32{0.6, 2, 50, 50, 80, 80},
	)

	os, _, oc, err := SuppressAll(s, b, c, NMSParams{IoUThreshold: 0.5, DetectionsPerImage: 3})
	require.NoError(t, err)

	sd := os.Data().([]float32)
	cd := oc.Data().([]float32)
	assert.InDelta(t, 0.6, sd[0], 1e-6)
	assert.Equal(t, float32(2), cd[0])
	assert.Equal(t, float32(-1), cd[1])
}

func TestSuppressRotated(t *testing.T) {
	s, b, c := candidates(5,
		[]float32{0.9, 0, 50, 50, 20, 10, 0},
		[]float32{0.8, 0, 50, 50, 20, 10, 0.05}, // nearly identical orientation
		[]float32{0.7, 0, 200, 200, 20, 10, 1.0},
	)

	os, ob, _, err := SuppressRotated(s, b, c, NMSParams{IoUThreshold: 0.5, DetectionsPerImage: 4})
	require.NoError(t, err)

	assert.Equal(t, []int([]int{1, 4, 5}), []int(ob.Shape()))
	sd := os.Data().([]float32)
	assert.InDelta(t, 0.9, sd[0], 1e-6)
	assert.InDelta(t, 0.7, sd[1], 1e-6)
	assert.Equal(t, float32(0), sd[2])
}

func TestSuppressRejectsBadShapes(t *testing.T) {
	s, b, _ := candidates(4, []float32{0.9, 0, 0, 0, 10, 10})
	badClasses := tensor.New(tensor.WithShape(1, 2), tensor.WithBacking(make([]float32, 2)))

	_, _, _, err := SuppressAll(s, b, badClasses, NMSParams{IoUThreshold: 0.5, DetectionsPerImage: 2})
	assert.Error(t, err)

	_, _, _, err = SuppressAll(s, b, badClasses, NMSParams{IoUThreshold: 0.5, DetectionsPerImage: 0})
	assert.Error(t, err)
}
