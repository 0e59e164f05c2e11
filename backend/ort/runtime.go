package ort

import (
	"errors"
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/nvr-ai/go-engine/backend"
	"github.com/nvr-ai/go-engine/postprocess"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// SharedLibraryPath resolves the native onnxruntime shared library. The
// ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable overrides the
// platform default.
func SharedLibraryPath() string {
	if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		return p
	}
	switch goruntime.GOOS {
	case "windows":
		return "../third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	default:
		if goruntime.GOARCH == "arm64" {
			return "../third_party/onnxruntime_arm64.so"
		}
		return "../third_party/onnxruntime.so"
	}
}

// initRuntime loads the native library and prepares onnxruntime internals.
// Required once per process.
func initRuntime() error {
	if ort.IsInitialized() {
		return nil
	}
	libPath := SharedLibraryPath()
	if _, err := os.Stat(libPath); err != nil {
		return fmt.Errorf("onnxruntime library not found at %s: %w", libPath, err)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initializing onnxruntime environment: %w", err)
	}
	return nil
}

// Deserialize reconstructs a live execution handle: the embedded core model
// is materialized to a temporary file and loaded into an onnxruntime session
// with preallocated fixed-shape tensors at the profile's max batch.
//
// Resources are acquired in order (model file, tensors, session) and
// released in reverse order on any failure.
func (o *ORT) Deserialize(plan []byte) (backend.ExecHandle, error) {
	hdr, model, err := decodePlan(plan)
	if err != nil {
		return nil, err
	}
	if err := initRuntime(); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "ortplan-*.onnx")
	if err != nil {
		return nil, fmt.Errorf("materializing core model: %w", err)
	}
	modelPath := f.Name()
	if _, err := f.Write(model); err != nil {
		f.Close()
		os.Remove(modelPath)
		return nil, fmt.Errorf("materializing core model: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(modelPath)
		return nil, fmt.Errorf("materializing core model: %w", err)
	}

	h := &handle{hdr: hdr, modelPath: modelPath}
	maxBatch := hdr.Profile.Max[0]

	destroyAll := func() {
		h.destroyTensors()
		os.Remove(modelPath)
	}

	inShape := hdr.IOTensors[0].Shape
	h.input, err = ort.NewEmptyTensor[float32](batchedShape(inShape, maxBatch))
	if err != nil {
		destroyAll()
		return nil, fmt.Errorf("allocating input tensor %q: %w", hdr.IOTensors[0].Name, err)
	}

	inputNames := []string{hdr.IOTensors[0].Name}
	var outputNames []string
	var outputs []ort.ArbitraryTensor
	for _, scale := range hdr.Scales {
		cls, err := ort.NewEmptyTensor[float32](batchedShape(scale.ClsShape, maxBatch))
		if err != nil {
			destroyAll()
			return nil, fmt.Errorf("allocating output tensor %q: %w", scale.ClsName, err)
		}
		h.scaleOuts = append(h.scaleOuts, cls)
		box, err := ort.NewEmptyTensor[float32](batchedShape(scale.BoxShape, maxBatch))
		if err != nil {
			destroyAll()
			return nil, fmt.Errorf("allocating output tensor %q: %w", scale.BoxName, err)
		}
		h.scaleOuts = append(h.scaleOuts, box)
		outputNames = append(outputNames, scale.ClsName, scale.BoxName)
		outputs = append(outputs, cls, box)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		destroyAll()
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	defer options.Destroy()
	options.SetIntraOpNumThreads(0)
	options.SetInterOpNumThreads(0)
	options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)

	h.session, err = ort.NewAdvancedSession(modelPath, inputNames, outputNames,
		[]ort.ArbitraryTensor{h.input}, outputs, options)
	if err != nil {
		destroyAll()
		return nil, fmt.Errorf("creating onnxruntime session: %w", err)
	}
	return h, nil
}

func batchedShape(shape []int, batch int) ort.Shape {
	dims := make([]int64, len(shape))
	dims[0] = int64(batch)
	for i := 1; i < len(shape); i++ {
		dims[i] = int64(shape[i])
	}
	return ort.NewShape(dims...)
}

// handle is a deserialized plan image bound to a live session.
type handle struct {
	hdr       *planHeader
	modelPath string
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	scaleOuts []*ort.Tensor[float32]
	closed    bool
}

func (h *handle) IOTensors() []backend.IOTensor {
	out := make([]backend.IOTensor, len(h.hdr.IOTensors))
	for i, m := range h.hdr.IOTensors {
		out[i] = backend.IOTensor{Name: m.Name, Shape: append([]int(nil), m.Shape...), Input: m.Input}
	}
	return out
}

func (h *handle) MaxBatch() int { return h.hdr.Profile.Max[0] }

func (h *handle) Strides() []int { return append([]int(nil), h.hdr.Strides...) }

func (h *handle) NewContext(profile int) (backend.Context, error) {
	if h.closed {
		return nil, errors.New("handle is closed")
	}
	if profile != 0 {
		return nil, fmt.Errorf("plan has a single optimization profile, got index %d", profile)
	}
	return &execContext{h: h, bound: make([]*tensor.Dense, len(h.hdr.IOTensors))}, nil
}

func (h *handle) NewStream() (backend.Stream, error) {
	if h.closed {
		return nil, errors.New("handle is closed")
	}
	return backend.NewQueue(), nil
}

func (h *handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	var firstErr error
	if h.session != nil {
		if err := h.session.Destroy(); err != nil {
			firstErr = err
		}
		h.session = nil
	}
	h.destroyTensors()
	if err := os.Remove(h.modelPath); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (h *handle) destroyTensors() {
	for _, t := range h.scaleOuts {
		t.Destroy()
	}
	h.scaleOuts = nil
	if h.input != nil {
		h.input.Destroy()
		h.input = nil
	}
}

// execContext owns the I/O bindings for one inference call at a time.
// Callers must serialize access.
type execContext struct {
	h     *handle
	bound []*tensor.Dense
}

func (c *execContext) Bind(i int, buf *tensor.Dense) error {
	if i < 0 || i >= len(c.bound) {
		return fmt.Errorf("binding index %d out of range (%d I/O tensors)", i, len(c.bound))
	}
	if buf == nil {
		return fmt.Errorf("binding %d: nil buffer", i)
	}
	c.bound[i] = buf
	return nil
}

func (c *execContext) Enqueue(stream backend.Stream, batch int) error {
	q, ok := stream.(*backend.Queue)
	if !ok {
		return fmt.Errorf("stream %T was not allocated by this runtime", stream)
	}
	if c.h.closed {
		return errors.New("handle is closed")
	}
	if !c.h.hdr.Profile.Admits(batch) {
		return fmt.Errorf("batch %d outside profile range [%d, %d]",
			batch, c.h.hdr.Profile.Min[0], c.h.hdr.Profile.Max[0])
	}
	for i, buf := range c.bound {
		if buf == nil {
			return fmt.Errorf("I/O tensor %d (%s) is unbound", i, c.h.hdr.IOTensors[i].Name)
		}
	}

	bound := append([]*tensor.Dense(nil), c.bound...)
	q.Push(func() error { return c.h.run(bound, batch) })
	return nil
}

func (c *execContext) Close() error {
	c.bound = nil
	return nil
}

// run executes one job on the stream worker: session forward pass, then the
// fused decode and suppression stages on the first batch rows of each
// per-scale output.
func (h *handle) run(bound []*tensor.Dense, batch int) error {
	src, ok := bound[0].Data().([]float32)
	if !ok {
		return fmt.Errorf("input %q: buffer is not float32", h.hdr.IOTensors[0].Name)
	}
	want := batch * volume(h.hdr.IOTensors[0].Shape[1:])
	if len(src) < want {
		return fmt.Errorf("input %q: buffer holds %d floats, batch %d needs %d",
			h.hdr.IOTensors[0].Name, len(src), batch, want)
	}
	copy(h.input.GetData(), src[:want])

	if err := h.session.Run(); err != nil {
		return fmt.Errorf("running onnxruntime session: %w", err)
	}

	var scores, boxes, classes []*tensor.Dense
	for i, scale := range h.hdr.Scales {
		cls := scaleView(h.scaleOuts[2*i], scale.ClsShape, batch)
		box := scaleView(h.scaleOuts[2*i+1], scale.BoxShape, batch)

		var s, b, k *tensor.Dense
		var err error
		if h.hdr.Rotated {
			s, b, k, err = postprocess.DecodeRotatedScale(cls, box, scale.Decode)
		} else {
			s, b, k, err = postprocess.DecodeScale(cls, box, scale.Decode)
		}
		if err != nil {
			return fmt.Errorf("decoding scale %d: %w", i, err)
		}
		scores = append(scores, s)
		boxes = append(boxes, b)
		classes = append(classes, k)
	}

	s, err := concatScales(scores)
	if err != nil {
		return err
	}
	b, err := concatScales(boxes)
	if err != nil {
		return err
	}
	k, err := concatScales(classes)
	if err != nil {
		return err
	}

	var fs, fb, fk *tensor.Dense
	if h.hdr.Rotated {
		fs, fb, fk, err = postprocess.SuppressRotated(s, b, k, h.hdr.NMS)
	} else {
		fs, fb, fk, err = postprocess.SuppressAll(s, b, k, h.hdr.NMS)
	}
	if err != nil {
		return fmt.Errorf("suppressing detections: %w", err)
	}

	for j, out := range []*tensor.Dense{fs, fb, fk} {
		meta := h.hdr.IOTensors[1+j]
		data := out.Data().([]float32)
		dst, ok := bound[1+j].Data().([]float32)
		if !ok {
			return fmt.Errorf("output %q: buffer is not float32", meta.Name)
		}
		if len(dst) < len(data) {
			return fmt.Errorf("output %q: buffer holds %d floats, needs %d", meta.Name, len(dst), len(data))
		}
		copy(dst, data)
	}
	return nil
}

// scaleView wraps the first batch rows of a session output tensor.
func scaleView(t *ort.Tensor[float32], shape []int, batch int) *tensor.Dense {
	vol := volume(shape[1:])
	dims := append([]int{batch}, shape[1:]...)
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(t.GetData()[:batch*vol]))
}

func concatScales(parts []*tensor.Dense) (*tensor.Dense, error) {
	if len(parts) == 1 {
		return parts[0], nil
	}
	out, err := parts[0].Concat(1, parts[1:]...)
	if err != nil {
		return nil, fmt.Errorf("concatenating scale outputs: %w", err)
	}
	return out, nil
}

func volume(dims []int) int {
	v := 1
	for _, d := range dims {
		v *= d
	}
	return v
}
