package sim

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nvr-ai/go-engine/backend"
	"github.com/nvr-ai/go-engine/graph"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// ErrWorkspace means the graph's largest intermediate tensor exceeds the
// configured workspace budget.
var ErrWorkspace = errors.New("insufficient workspace for network")

// Simulator is the reference Backend and Runtime implementation.
type Simulator struct{}

// New creates a simulator backend.
func New() *Simulator { return &Simulator{} }

// Name identifies the backend.
func (s *Simulator) Name() string { return planTarget }

// Compile lowers the finalized network into a serialized plan. The call is
// synchronous and not cancellable; failures return a nil plan.
//
// Arguments:
//   - net: The fused network. Must only contain ops the simulator executes.
//   - cfg: Build configuration; validated before any work.
//
// Returns:
//   - []byte: The opaque plan bytes.
//   - error: A configuration or compilation error.
func (s *Simulator) Compile(net *graph.Network, cfg backend.BuildConfig) ([]byte, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prog, ioTensors, err := lower(net)
	if err != nil {
		return nil, err
	}
	logger.Debug("lowered network",
		zap.Int("nodes", len(prog.Nodes)),
		zap.Int("io_tensors", len(ioTensors)))

	// The workspace budget must cover the largest intermediate at max batch.
	if cfg.WorkspaceSize > 0 {
		var largest int
		for _, shape := range prog.Tensors {
			if v := volume(shape[1:]); v > largest {
				largest = v
			}
		}
		need := uint64(largest) * uint64(cfg.Profile.Max[0]) * 4
		if need > cfg.WorkspaceSize {
			return nil, fmt.Errorf("%w: need %d bytes, budget %d", ErrWorkspace, need, cfg.WorkspaceSize)
		}
	}

	if cfg.Precision == backend.PrecisionINT8 {
		scales, err := calibrateInt8(prog, cfg.Calibrator, logger)
		if err != nil {
			return nil, err
		}
		prog.Scales = scales
	}

	hdr := planHeader{
		Target:    planTarget,
		Precision: cfg.Precision,
		FP16:      cfg.FP16Enabled(),
		Profile:   cfg.Profile,
		IOTensors: ioTensors,
		Strides:   graph.Strides(net),
	}
	return encodePlan(hdr, prog)
}

// lower flattens the graph into the executable program form and derives the
// I/O tensor enumeration: inputs first in declaration order, then outputs.
func lower(net *graph.Network) (*program, []ioTensorMeta, error) {
	prog := &program{Tensors: map[string][]int{}}

	for _, node := range net.Nodes() {
		pn := progNode{
			Name:    node.Name,
			Op:      node.Op,
			Conv:    node.Conv,
			Pool:    node.Pool,
			Axis:    node.Axis,
			Decode:  node.Decode,
			NMS:     node.NMS,
			Weights: node.Weights,
			Bias:    node.Bias,
		}
		switch node.Op {
		case graph.OpInput, graph.OpConv2D, graph.OpRelu, graph.OpMaxPool, graph.OpConcat,
			graph.OpDecode, graph.OpDecodeRotated, graph.OpNMS, graph.OpNMSRotated:
		default:
			return nil, nil, fmt.Errorf("unsupported operator %q in node %q", node.Op, node.Name)
		}
		for _, in := range node.Inputs {
			pn.Inputs = append(pn.Inputs, in.Name)
		}
		for _, out := range node.Outputs {
			pn.Outputs = append(pn.Outputs, out.Name)
			prog.Tensors[out.Name] = append([]int(nil), out.Shape...)
		}
		prog.Nodes = append(prog.Nodes, pn)
	}

	var io []ioTensorMeta
	for i := 0; i < net.NumInputs(); i++ {
		t := net.Input(i)
		prog.Inputs = append(prog.Inputs, t.Name)
		io = append(io, ioTensorMeta{Name: t.Name, Shape: append([]int(nil), t.Shape...), Input: true})
	}
	for _, t := range net.Outputs() {
		prog.Outputs = append(prog.Outputs, t.Name)
		io = append(io, ioTensorMeta{Name: t.Name, Shape: append([]int(nil), t.Shape...)})
	}
	return prog, io, nil
}

// calibrateInt8 produces per-activation scale factors, reading the cached
// table when available and draining the calibration stream otherwise.
func calibrateInt8(prog *program, cal backend.Calibrator, logger *zap.Logger) (map[string]float32, error) {
	if raw, ok := cal.ReadCache(); ok {
		var scales map[string]float32
		if err := json.Unmarshal(raw, &scales); err == nil {
			logger.Debug("using cached calibration table", zap.String("model", cal.CacheKey()))
			return scales, nil
		}
		logger.Warn("ignoring unreadable calibration table", zap.String("model", cal.CacheKey()))
	}

	exec := &executor{prog: prog, observe: map[string]float32{}}
	batches := 0
	for {
		batch, ok, err := cal.Next()
		if err != nil {
			return nil, fmt.Errorf("drawing calibration batch: %w", err)
		}
		if !ok {
			break
		}
		if _, err := exec.run([]*tensor.Dense{batch}, cal.BatchSize()); err != nil {
			return nil, fmt.Errorf("calibration pass: %w", err)
		}
		batches++
		logger.Debug("observed calibration batch", zap.Int("batch", batches))
	}
	if batches == 0 {
		return nil, errors.New("calibration stream produced no batches")
	}

	scales := make(map[string]float32, len(exec.observe))
	for name, absmax := range exec.observe {
		if absmax > 0 {
			scales[name] = absmax / 127
		}
	}

	raw, err := json.Marshal(scales)
	if err != nil {
		return nil, fmt.Errorf("encoding calibration table: %w", err)
	}
	if err := cal.WriteCache(raw); err != nil {
		return nil, fmt.Errorf("persisting calibration table: %w", err)
	}
	return scales, nil
}
