package engine

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-engine/backend"
	"github.com/nvr-ai/go-engine/backend/sim"
	"github.com/nvr-ai/go-engine/calibrate"
	"github.com/nvr-ai/go-engine/graph"
	"github.com/nvr-ai/go-engine/graph/parse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// modelDescription serializes a detection backbone with one pyramid level
// per scale at strides 8, 16, 32, ..., each level exposing a 1-channel class
// map and a 4-channel box map.
func modelDescription(t testing.TB, scales, size int) []byte {
	t.Helper()
	desc := parse.Description{
		Inputs: []parse.TensorDef{{Name: "input", Shape: []int{1, 3, size, size}}},
	}
	for i := 0; i < scales; i++ {
		stride := 8 << i
		level := fmt.Sprintf("level%d", i)
		desc.Nodes = append(desc.Nodes,
			parse.Node{NodeDef: parse.NodeDef{
				Name: fmt.Sprintf("pool%d", i), Op: string(graph.OpMaxPool),
				Inputs: []string{"input"}, Output: level,
				Kernel: stride, Stride: stride,
			}},
			parse.Node{NodeDef: parse.NodeDef{
				Name: fmt.Sprintf("cls_head%d", i), Op: string(graph.OpConv2D),
				Inputs: []string{level}, Output: fmt.Sprintf("cls%d", i),
				OutChannels: 1, Kernel: 1, Stride: 1,
			}, Weights: []float32{0.1, 0.1, 0.1}, Bias: []float32{0.5}},
			parse.Node{NodeDef: parse.NodeDef{
				Name: fmt.Sprintf("box_head%d", i), Op: string(graph.OpConv2D),
				Inputs: []string{level}, Output: fmt.Sprintf("box%d", i),
				OutChannels: 4, Kernel: 1, Stride: 1,
			}},
		)
	}
	for i := 0; i < scales; i++ {
		desc.Outputs = append(desc.Outputs, fmt.Sprintf("cls%d", i))
	}
	for i := 0; i < scales; i++ {
		desc.Outputs = append(desc.Outputs, fmt.Sprintf("box%d", i))
	}

	data, err := parse.Marshal(desc)
	require.NoError(t, err)
	return data
}

func anchorSet(scales int) [][]float32 {
	anchors := make([][]float32, scales)
	for i := range anchors {
		anchors[i] = []float32{-16, -16, 15, 15}
	}
	return anchors
}

func testConfig(scales int) Config {
	cfg := DefaultConfig()
	cfg.TopN = 20
	cfg.DetectionsPerImage = 10
	cfg.Anchors = anchorSet(scales)
	return cfg
}

// recordingBackend captures the build configuration handed to the compiler.
type recordingBackend struct {
	inner backend.Backend
	cfg   backend.BuildConfig
}

func (r *recordingBackend) Name() string { return r.inner.Name() }

func (r *recordingBackend) Compile(net *graph.Network, cfg backend.BuildConfig) ([]byte, error) {
	r.cfg = cfg
	return r.inner.Compile(net, cfg)
}

func writeCalibrationImages(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
		for p := range img.Pix {
			img.Pix[p] = uint8((p + 37*i) % 256)
		}
		paths[i] = filepath.Join(dir, fmt.Sprintf("calib_%02d.png", i))
		f, err := os.Create(paths[i])
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	return paths
}

func TestBuildSaveLoadReplay(t *testing.T) {
	cfg := testConfig(3)
	cfg.DetectionsPerImage = 100
	cfg.MaxBatch = 2
	cfg.OptBatch = 2

	plan, err := NewBuilder(sim.New()).
		WithModel(modelDescription(t, 3, 512)).
		WithConfig(cfg).
		Build()
	require.NoError(t, err)
	require.NotEmpty(t, plan.Bytes())

	path := filepath.Join(t.TempDir(), "model.plan")
	require.NoError(t, plan.Save(path))
	loaded, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, plan.Bytes(), loaded.Bytes())

	eng, err := Open(sim.New(), loaded, zap.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	h, w := eng.InputSize()
	assert.Equal(t, 512, h)
	assert.Equal(t, 512, w)
	assert.Equal(t, 100, eng.MaxDetections())
	assert.Equal(t, 2, eng.MaxBatchSize())
	assert.Equal(t, 32, eng.Stride())

	// Every output shares the detection-count leading data dimension.
	assert.Equal(t, []int{1, 100}, eng.IOTensor(1).Shape)
	assert.Equal(t, []int{1, 100, 4}, eng.IOTensor(2).Shape)
	assert.Equal(t, []int{1, 100}, eng.IOTensor(3).Shape)
}

func TestBuildFP32NeverBindsCalibrator(t *testing.T) {
	rec := &recordingBackend{inner: sim.New()}
	_, err := NewBuilder(rec).
		WithModel(modelDescription(t, 1, 64)).
		WithConfig(testConfig(1)).
		Build()
	require.NoError(t, err)
	assert.Nil(t, rec.cfg.Calibrator)
	assert.False(t, rec.cfg.FP16Enabled())
}

func TestBuildInt8CalibratesAtOptBatch(t *testing.T) {
	cfg := testConfig(1)
	cfg.Precision = backend.PrecisionINT8
	cfg.MinBatch, cfg.OptBatch, cfg.MaxBatch = 1, 4, 8
	cfg.CalibrationImages = writeCalibrationImages(t, 8)
	cfg.ModelName = "det_test"
	cfg.CalibrationTable = filepath.Join(t.TempDir(), "calib.json")

	rec := &recordingBackend{inner: sim.New()}
	plan, err := NewBuilder(rec).
		WithModel(modelDescription(t, 1, 64)).
		WithConfig(cfg).
		Build()
	require.NoError(t, err)
	require.NotEmpty(t, plan.Bytes())

	require.NotNil(t, rec.cfg.Calibrator)
	assert.Equal(t, 4, rec.cfg.Calibrator.BatchSize())
	assert.True(t, rec.cfg.FP16Enabled())

	// The calibrator's lifetime is scoped to the build.
	calib, ok := rec.cfg.Calibrator.(*calibrate.EntropyCalibrator)
	require.True(t, ok)
	assert.True(t, calib.Closed())

	// The calibration table was persisted for reuse.
	_, err = os.Stat(cfg.CalibrationTable)
	require.NoError(t, err)
}

func TestBuildConfigErrorsBeforeOptimization(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	// Two anchor lists against a single-scale network fails during fusion,
	// before the backend compiler is ever invoked.
	cfg := testConfig(2)
	_, err := NewBuilder(sim.New()).
		WithLogger(logger).
		WithModel(modelDescription(t, 1, 64)).
		WithConfig(cfg).
		Build()
	require.Error(t, err)

	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, "Applying optimizations")
	}
}

func TestBuilderStickyErrors(t *testing.T) {
	b := NewBuilder(nil)
	assert.True(t, b.HasError())
	_, err := b.Build()
	require.Error(t, err)

	b = NewBuilder(sim.New()).WithModel(nil)
	assert.True(t, b.HasError())
	// Later steps short-circuit and preserve the first error.
	_, err = b.WithConfig(testConfig(1)).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model description is empty")
}

func TestBuilderRejectsInvalidConfig(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad precision", func(c *Config) { c.Precision = "FP64" }},
		{"inverted batch triple", func(c *Config) { c.MinBatch, c.MaxBatch = 4, 1 }},
		{"zero top_n", func(c *Config) { c.TopN = 0 }},
		{"zero detections", func(c *Config) { c.DetectionsPerImage = 0 }},
		{"no anchors", func(c *Config) { c.Anchors = nil }},
		{"int8 without images", func(c *Config) { c.Precision = backend.PrecisionINT8 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(1)
			tc.mutate(&cfg)
			b := NewBuilder(sim.New()).WithConfig(cfg)
			assert.True(t, b.HasError())
		})
	}
}
