package sim

import (
	"testing"

	"github.com/nvr-ai/go-engine/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlan(t *testing.T) []byte {
	t.Helper()
	hdr := planHeader{
		Target:    planTarget,
		Precision: backend.PrecisionFP32,
		Profile:   backend.NewProfile([]int{1, 3, 64, 64}, 1, 1, 2),
		IOTensors: []ioTensorMeta{
			{Name: "input", Shape: []int{1, 3, 64, 64}, Input: true},
			{Name: "scores", Shape: []int{1, 10}},
		},
		Strides: []int{8},
	}
	prog := &program{
		Tensors: map[string][]int{"input": {1, 3, 64, 64}, "scores": {1, 10}},
		Inputs:  []string{"input"},
		Outputs: []string{"scores"},
	}
	data, err := encodePlan(hdr, prog)
	require.NoError(t, err)
	return data
}

func TestPlanRoundTrip(t *testing.T) {
	data := samplePlan(t)

	hdr, prog, err := decodePlan(data)
	require.NoError(t, err)
	assert.Equal(t, planTarget, hdr.Target)
	assert.Equal(t, backend.PrecisionFP32, hdr.Precision)
	assert.Equal(t, []int{8}, hdr.Strides)
	assert.Equal(t, []string{"input"}, prog.Inputs)
	assert.Equal(t, []string{"scores"}, prog.Outputs)
	assert.Len(t, hdr.IOTensors, 2)
	assert.True(t, hdr.IOTensors[0].Input)
}

func TestPlanRejectsCorruption(t *testing.T) {
	base := samplePlan(t)

	testCases := []struct {
		name    string
		mangle  func([]byte) []byte
		wantErr error
	}{
		{
			name:    "truncated prefix",
			mangle:  func(b []byte) []byte { return b[:8] },
			wantErr: ErrTruncatedPlan,
		},
		{
			name: "bad magic",
			mangle: func(b []byte) []byte {
				b[0] = 'X'
				return b
			},
			wantErr: ErrInvalidPlanMagic,
		},
		{
			name: "unsupported version",
			mangle: func(b []byte) []byte {
				b[4] = 99
				return b
			},
			wantErr: ErrPlanVersion,
		},
		{
			name: "flipped body byte",
			mangle: func(b []byte) []byte {
				b[len(b)-1] ^= 0xff
				return b
			},
			wantErr: ErrPlanChecksum,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := append([]byte(nil), base...)
			_, _, err := decodePlan(tc.mangle(data))
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestPlanRejectsForeignTarget(t *testing.T) {
	hdr := planHeader{
		Target:  "cuda",
		Profile: backend.NewProfile([]int{1, 3, 64, 64}, 1, 1, 1),
	}
	data, err := encodePlan(hdr, &program{})
	require.NoError(t, err)

	_, _, err = decodePlan(data)
	require.ErrorIs(t, err, ErrPlanTarget)
}
