package engine

import (
	"testing"

	"github.com/nvr-ai/go-engine/backend/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func builtEngine(t testing.TB) *Engine {
	t.Helper()
	plan, err := NewBuilder(sim.New()).
		WithModel(modelDescription(t, 2, 64)).
		WithConfig(testConfig(2)).
		Build()
	require.NoError(t, err)

	eng, err := Open(sim.New(), plan, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func inferBuffers(eng *Engine) []*tensor.Dense {
	buffers := make([]*tensor.Dense, eng.NumIOTensors())
	for i := range buffers {
		buffers[i] = tensor.New(tensor.WithShape(eng.IOTensor(i).Shape...), tensor.Of(tensor.Float32))
	}
	return buffers
}

func TestOpenRejectsBadPlans(t *testing.T) {
	_, err := Open(sim.New(), nil, nil)
	require.Error(t, err)

	_, err = Open(sim.New(), NewPlan([]byte("not a plan")), nil)
	require.Error(t, err)
}

func TestInferFillsOutputBuffers(t *testing.T) {
	eng := builtEngine(t)
	assert.Equal(t, StateReady, eng.State())

	buffers := inferBuffers(eng)
	require.NoError(t, eng.Infer(buffers, 1))
	assert.Equal(t, StateReady, eng.State())

	// The class-head bias keeps every logit positive, so the detection set
	// is non-empty and scores land strictly above sigmoid(0).
	scores := buffers[1].Data().([]float32)
	assert.Greater(t, scores[0], float32(0.5))
}

func TestInferRepeatedCalls(t *testing.T) {
	eng := builtEngine(t)
	buffers := inferBuffers(eng)

	first := append([]float32(nil), buffers[1].Data().([]float32)...)
	require.NoError(t, eng.Infer(buffers, 1))
	require.NoError(t, eng.Infer(buffers, 1))
	assert.NotEqual(t, first, buffers[1].Data().([]float32))
}

func TestInferRequiresOneBufferPerIOTensor(t *testing.T) {
	eng := builtEngine(t)

	buffers := inferBuffers(eng)
	err := eng.Infer(buffers[:len(buffers)-1], 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 4 buffers, got 3")

	// A failed call leaves the engine usable.
	assert.Equal(t, StateReady, eng.State())
	require.NoError(t, eng.Infer(buffers, 1))
}

func TestInferFailureDoesNotPoisonLaterCalls(t *testing.T) {
	eng := builtEngine(t)

	// An undersized score buffer makes the queued job fail.
	buffers := inferBuffers(eng)
	buffers[1] = tensor.New(tensor.WithShape(1, 1), tensor.Of(tensor.Float32))
	err := eng.Infer(buffers, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer holds")

	// The error belongs to that call only; the next run is clean.
	require.NoError(t, eng.Infer(inferBuffers(eng), 1))
	assert.Equal(t, StateReady, eng.State())
}

func TestInferRejectsBatchBeyondProfile(t *testing.T) {
	eng := builtEngine(t)
	assert.Equal(t, 1, eng.MaxBatchSize())

	err := eng.Infer(inferBuffers(eng), 2)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	eng := builtEngine(t)
	require.NoError(t, eng.Close())
	assert.Equal(t, StateDestroyed, eng.State())
	require.NoError(t, eng.Close())

	err := eng.Infer(inferBuffers(eng), 1)
	require.Error(t, err)
}

func TestMetadataAccessors(t *testing.T) {
	eng := builtEngine(t)

	h, w := eng.InputSize()
	assert.Equal(t, 64, h)
	assert.Equal(t, 64, w)
	assert.Equal(t, 10, eng.MaxDetections())
	assert.Equal(t, 16, eng.Stride())
	assert.Equal(t, 4, eng.NumIOTensors())
}

func BenchmarkInfer(b *testing.B) {
	eng := builtEngine(b)
	buffers := inferBuffers(eng)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := eng.Infer(buffers, 1); err != nil {
			b.Fatal(err)
		}
	}
}
