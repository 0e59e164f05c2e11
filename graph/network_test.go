package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkShapeInference(t *testing.T) {
	net := New()
	input, err := net.AddInput("input", []int{1, 3, 64, 64})
	require.NoError(t, err)

	conv, err := net.AddConv2D("conv", input, ConvAttrs{OutChannels: 8, Kernel: 3, Stride: 1, Pad: 1}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 64, 64}, conv.Shape)

	relu, err := net.AddRelu("relu", conv)
	require.NoError(t, err)
	assert.Equal(t, conv.Shape, relu.Shape)

	pool, err := net.AddMaxPool("pool", relu, PoolAttrs{Kernel: 2, Stride: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 32, 32}, pool.Shape)

	cat, err := net.AddConcat("cat", 1, pool, pool)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 16, 32, 32}, cat.Shape)
}

func TestNetworkRejectsInvalidOps(t *testing.T) {
	net := New()
	input, err := net.AddInput("input", []int{1, 3, 8, 8})
	require.NoError(t, err)

	_, err = net.AddInput("bad", []int{3, 8, 8})
	assert.Error(t, err)

	_, err = net.AddConv2D("conv", input, ConvAttrs{OutChannels: 8, Kernel: 16, Stride: 1}, nil, nil)
	assert.Error(t, err, "kernel larger than input must be rejected")

	_, err = net.AddMaxPool("pool0", input, PoolAttrs{Kernel: 0, Stride: 0})
	assert.Error(t, err, "non-positive pool attributes must be rejected")

	small, err := net.AddMaxPool("pool", input, PoolAttrs{Kernel: 2, Stride: 2})
	require.NoError(t, err)
	_, err = net.AddConcat("cat", 2, input, small)
	assert.Error(t, err, "mismatched non-axis dims must be rejected")

	_, err = net.AddConcat("cat2", 7, input)
	assert.Error(t, err)
}

func TestMarkUnmarkOutputs(t *testing.T) {
	net := New()
	input, err := net.AddInput("input", []int{1, 3, 8, 8})
	require.NoError(t, err)
	a, err := net.AddRelu("a", input)
	require.NoError(t, err)
	b, err := net.AddRelu("b", input)
	require.NoError(t, err)

	net.MarkOutput(a)
	net.MarkOutput(b)
	net.MarkOutput(a) // idempotent
	assert.Equal(t, 2, net.NumOutputs())

	net.UnmarkOutput(a)
	assert.Equal(t, 1, net.NumOutputs())
	assert.Same(t, b, net.Output(0))

	// Unmarked tensors stay resolvable by name.
	got, ok := net.Tensor(a.Name)
	assert.True(t, ok)
	assert.Same(t, a, got)
}

func TestRename(t *testing.T) {
	net := New()
	input, err := net.AddInput("input", []int{1, 3, 8, 8})
	require.NoError(t, err)
	out, err := net.AddRelu("relu", input)
	require.NoError(t, err)

	old := out.Name
	net.Rename(out, "scores")
	assert.Equal(t, "scores", out.Name)

	_, ok := net.Tensor(old)
	assert.False(t, ok)
	got, ok := net.Tensor("scores")
	assert.True(t, ok)
	assert.Same(t, out, got)
}
