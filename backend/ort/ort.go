package ort

import (
	"errors"
	"fmt"

	"github.com/nvr-ai/go-engine/backend"
	"github.com/nvr-ai/go-engine/graph"
	"go.uber.org/zap"
)

// Compile errors.
var (
	ErrNoModel    = errors.New("ort backend has no core model bytes")
	ErrNotFused   = errors.New("network has no fused detection head")
	ErrPrecision  = errors.New("ort backend supports FP32 and FP16 plans only")
	ErrMultiInput = errors.New("ort backend expects a single-input network")
)

// ORT compiles fused networks into plans that carry the exported core model.
// The backbone convolutions are not lowered; the session executes the
// original model and the plan records which of its outputs feed each fused
// stage.
type ORT struct {
	model []byte
}

// New creates an ort backend around the exported core model bytes. The
// model's input and per-scale output names must match the parsed
// description's tensor names.
func New(model []byte) *ORT {
	return &ORT{model: model}
}

// Name identifies the backend.
func (o *ORT) Name() string { return planTarget }

// Compile packages the core model and the fused-stage parameters into a
// plan. Int8 builds are rejected: calibration-based quantization is the
// simulator's concern and onnxruntime applies its own numeric policy.
func (o *ORT) Compile(net *graph.Network, cfg backend.BuildConfig) ([]byte, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(o.model) == 0 {
		return nil, ErrNoModel
	}
	if cfg.Precision == backend.PrecisionINT8 {
		return nil, ErrPrecision
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if net.NumInputs() != 1 {
		return nil, fmt.Errorf("%w, got %d inputs", ErrMultiInput, net.NumInputs())
	}

	hdr := planHeader{
		Target:    planTarget,
		Precision: cfg.Precision,
		FP16:      cfg.FP16Enabled(),
		Profile:   cfg.Profile,
		Strides:   graph.Strides(net),
	}

	for _, node := range net.Nodes() {
		switch node.Op {
		case graph.OpDecode, graph.OpDecodeRotated:
			cls, box := node.Inputs[0], node.Inputs[1]
			hdr.Scales = append(hdr.Scales, scaleStage{
				ClsName:  cls.Name,
				ClsShape: append([]int(nil), cls.Shape...),
				BoxName:  box.Name,
				BoxShape: append([]int(nil), box.Shape...),
				Decode:   *node.Decode,
			})
			hdr.Rotated = node.Op == graph.OpDecodeRotated
		case graph.OpNMS, graph.OpNMSRotated:
			hdr.NMS = *node.NMS
		}
	}
	if len(hdr.Scales) == 0 || hdr.NMS.DetectionsPerImage == 0 {
		return nil, ErrNotFused
	}

	in := net.Input(0)
	hdr.IOTensors = append(hdr.IOTensors,
		ioTensorMeta{Name: in.Name, Shape: append([]int(nil), in.Shape...), Input: true})
	for _, out := range net.Outputs() {
		hdr.IOTensors = append(hdr.IOTensors,
			ioTensorMeta{Name: out.Name, Shape: append([]int(nil), out.Shape...)})
	}

	logger.Debug("packaging ort plan",
		zap.Int("scales", len(hdr.Scales)),
		zap.Int("model_bytes", len(o.model)),
		zap.Bool("rotated", hdr.Rotated))
	return encodePlan(hdr, o.model)
}
