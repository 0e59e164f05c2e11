package parse

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/nvr-ai/go-engine/graph"
	"github.com/pkg/errors"
)

// fixed container prefix: magic + uint32 version + uint32 header length.
const prefixLen = 4 + 4 + 4

// Parse deserializes a model description into a mutable compute graph.
//
// Arguments:
//   - data: The serialized description bytes.
//
// Returns:
//   - *graph.Network: The parsed network with its declared outputs marked.
//   - error: An error if the container or any operator is malformed.
func Parse(data []byte) (*graph.Network, error) {
	if len(data) < prefixLen {
		return nil, ErrTruncated
	}
	if string(data[:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", v)
	}
	headerLen := int(binary.LittleEndian.Uint32(data[8:12]))
	if len(data) < prefixLen+headerLen {
		return nil, ErrTruncated
	}

	var hdr Header
	if err := json.Unmarshal(data[prefixLen:prefixLen+headerLen], &hdr); err != nil {
		return nil, errors.Wrap(err, "decoding description header")
	}

	payload, err := decodePayload(data[prefixLen+headerLen:])
	if err != nil {
		return nil, err
	}

	net := graph.New()
	tensors := map[string]*graph.Tensor{}
	for _, in := range hdr.Inputs {
		t, err := net.AddInput(in.Name, in.Shape)
		if err != nil {
			return nil, errors.Wrapf(err, "input %q", in.Name)
		}
		tensors[in.Name] = t
	}

	for _, def := range hdr.Nodes {
		ins := make([]*graph.Tensor, len(def.Inputs))
		for i, name := range def.Inputs {
			t, ok := tensors[name]
			if !ok {
				return nil, errors.Errorf("node %q references unknown tensor %q", def.Name, name)
			}
			ins[i] = t
		}
		if err := checkArity(def, len(ins)); err != nil {
			return nil, err
		}

		var out *graph.Tensor
		switch graph.OpKind(def.Op) {
		case graph.OpConv2D:
			weights, werr := slicePayload(payload, def.WeightsOffset, def.WeightsLen)
			if werr != nil {
				return nil, errors.Wrapf(werr, "node %q weights", def.Name)
			}
			bias, berr := slicePayload(payload, def.BiasOffset, def.BiasLen)
			if berr != nil {
				return nil, errors.Wrapf(berr, "node %q bias", def.Name)
			}
			out, err = net.AddConv2D(def.Name, ins[0], graph.ConvAttrs{
				OutChannels: def.OutChannels,
				Kernel:      def.Kernel,
				Stride:      def.Stride,
				Pad:         def.Pad,
			}, weights, bias)
		case graph.OpRelu:
			out, err = net.AddRelu(def.Name, ins[0])
		case graph.OpMaxPool:
			out, err = net.AddMaxPool(def.Name, ins[0], graph.PoolAttrs{Kernel: def.Kernel, Stride: def.Stride})
		case graph.OpConcat:
			out, err = net.AddConcat(def.Name, def.Axis, ins...)
		default:
			return nil, errors.Errorf("node %q has unsupported op %q", def.Name, def.Op)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "node %q", def.Name)
		}
		net.Rename(out, def.Output)
		tensors[def.Output] = out
	}

	for _, name := range hdr.Outputs {
		t, ok := tensors[name]
		if !ok {
			return nil, errors.Errorf("declared output %q does not exist", name)
		}
		net.MarkOutput(t)
	}
	return net, nil
}

// checkArity rejects operator definitions whose input list does not match
// what the op consumes, before any graph mutation dereferences it.
func checkArity(def NodeDef, n int) error {
	switch graph.OpKind(def.Op) {
	case graph.OpConv2D, graph.OpRelu, graph.OpMaxPool:
		if n != 1 {
			return errors.Errorf("node %q: op %q takes exactly one input, got %d", def.Name, def.Op, n)
		}
	case graph.OpConcat:
		if n < 1 {
			return errors.Errorf("node %q: op %q takes at least one input", def.Name, def.Op)
		}
	}
	return nil
}

func decodePayload(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, ErrTruncated
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

func slicePayload(payload []float32, offset, length int) ([]float32, error) {
	if length == 0 {
		return nil, nil
	}
	if offset < 0 || length < 0 || offset+length > len(payload) {
		return nil, errors.Errorf("payload slice [%d,%d) out of bounds (%d floats)", offset, offset+length, len(payload))
	}
	return payload[offset : offset+length], nil
}
