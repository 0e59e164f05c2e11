package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProfileFixesCHW(t *testing.T) {
	p := NewProfile([]int{1, 3, 512, 512}, 1, 4, 8)
	require.NoError(t, p.Validate())

	assert.Equal(t, Dims4{1, 3, 512, 512}, p.Min)
	assert.Equal(t, Dims4{4, 3, 512, 512}, p.Opt)
	assert.Equal(t, Dims4{8, 3, 512, 512}, p.Max)
}

func TestProfileDegenerateTriple(t *testing.T) {
	p := NewProfile([]int{1, 3, 224, 224}, 1, 1, 1)
	require.NoError(t, p.Validate())
	assert.Equal(t, p.Min, p.Opt)
	assert.Equal(t, p.Opt, p.Max)
}

func TestProfileValidateRejects(t *testing.T) {
	testCases := []struct {
		name             string
		bmin, bopt, bmax int
	}{
		{"non-monotonic opt", 4, 2, 8},
		{"max below opt", 1, 8, 4},
		{"zero batch", 0, 1, 2},
		{"negative batch", -1, 1, 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewProfile([]int{1, 3, 512, 512}, tc.bmin, tc.bopt, tc.bmax)
			assert.Error(t, p.Validate())
		})
	}

	// Varying a spatial dimension is invalid even with monotonic batches.
	p := NewProfile([]int{1, 3, 512, 512}, 1, 2, 4)
	p.Max[2] = 1024
	assert.Error(t, p.Validate())
}

func TestProfileAdmits(t *testing.T) {
	p := NewProfile([]int{1, 3, 512, 512}, 2, 4, 8)
	assert.False(t, p.Admits(1))
	assert.True(t, p.Admits(2))
	assert.True(t, p.Admits(8))
	assert.False(t, p.Admits(9))
}

func TestBuildConfigPrecisionPolicy(t *testing.T) {
	assert.True(t, BuildConfig{Precision: PrecisionFP16}.FP16Enabled())
	assert.True(t, BuildConfig{Precision: PrecisionINT8}.FP16Enabled(), "INT8 implies FP16 kernels")
	assert.False(t, BuildConfig{Precision: PrecisionFP32}.FP16Enabled())

	assert.True(t, PrecisionFP32.Valid())
	assert.False(t, Precision("FP64").Valid())
}
