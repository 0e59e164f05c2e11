package sim

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-engine/graph"
	"github.com/nvr-ai/go-engine/postprocess"
	"gorgonia.org/tensor"
)

// executor replays a lowered program on CPU tensors. When observe is
// non-nil, per-tensor absolute maxima are recorded (calibration pass); when
// scales is non-nil, activations are fake-quantized to int8 grid points
// after each core op.
type executor struct {
	prog    *program
	scales  map[string]float32
	observe map[string]float32
}

// run executes the program for one batch. inputs are matched positionally
// to prog.Inputs and must carry batch as their leading dimension.
func (e *executor) run(inputs []*tensor.Dense, batch int) (map[string]*tensor.Dense, error) {
	if len(inputs) != len(e.prog.Inputs) {
		return nil, fmt.Errorf("program has %d inputs, got %d buffers", len(e.prog.Inputs), len(inputs))
	}

	env := map[string]*tensor.Dense{}
	for i, name := range e.prog.Inputs {
		declared := e.prog.Tensors[name]
		want := batch * volume(declared[1:])
		data, ok := inputs[i].Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("input %q: buffer is not float32", name)
		}
		if len(data) < want {
			return nil, fmt.Errorf("input %q: buffer holds %d floats, batch %d needs %d", name, len(data), batch, want)
		}
		shape := append([]int{batch}, declared[1:]...)
		env[name] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data[:want]))
	}

	for _, node := range e.prog.Nodes {
		if node.Op == graph.OpInput {
			continue
		}
		ins := make([]*tensor.Dense, len(node.Inputs))
		for i, name := range node.Inputs {
			t, ok := env[name]
			if !ok {
				return nil, fmt.Errorf("node %q: tensor %q not yet computed", node.Name, name)
			}
			ins[i] = t
		}

		outs, err := e.runNode(node, ins)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", node.Name, err)
		}
		for i, name := range node.Outputs {
			e.record(name, outs[i])
			env[name] = outs[i]
		}
	}
	return env, nil
}

func (e *executor) runNode(node progNode, ins []*tensor.Dense) ([]*tensor.Dense, error) {
	switch node.Op {
	case graph.OpConv2D:
		out := conv2d(ins[0], *node.Conv, node.Weights, node.Bias)
		e.fakeQuant(node.Outputs[0], out)
		return []*tensor.Dense{out}, nil
	case graph.OpRelu:
		out := relu(ins[0])
		e.fakeQuant(node.Outputs[0], out)
		return []*tensor.Dense{out}, nil
	case graph.OpMaxPool:
		out := maxPool(ins[0], *node.Pool)
		e.fakeQuant(node.Outputs[0], out)
		return []*tensor.Dense{out}, nil
	case graph.OpConcat:
		out, err := concat(node.Axis, ins)
		return []*tensor.Dense{out}, err
	case graph.OpDecode:
		s, b, c, err := postprocess.DecodeScale(ins[0], ins[1], *node.Decode)
		return []*tensor.Dense{s, b, c}, err
	case graph.OpDecodeRotated:
		s, b, c, err := postprocess.DecodeRotatedScale(ins[0], ins[1], *node.Decode)
		return []*tensor.Dense{s, b, c}, err
	case graph.OpNMS:
		s, b, c, err := postprocess.SuppressAll(ins[0], ins[1], ins[2], *node.NMS)
		return []*tensor.Dense{s, b, c}, err
	case graph.OpNMSRotated:
		s, b, c, err := postprocess.SuppressRotated(ins[0], ins[1], ins[2], *node.NMS)
		return []*tensor.Dense{s, b, c}, err
	default:
		return nil, fmt.Errorf("unsupported op %q", node.Op)
	}
}

func (e *executor) record(name string, t *tensor.Dense) {
	if e.observe == nil {
		return
	}
	var absmax float32
	for _, v := range t.Data().([]float32) {
		if a := math32.Abs(v); a > absmax {
			absmax = a
		}
	}
	if absmax > e.observe[name] {
		e.observe[name] = absmax
	}
}

// fakeQuant snaps activations onto the int8 grid implied by the calibrated
// scale, mimicking quantized inference error.
func (e *executor) fakeQuant(name string, t *tensor.Dense) {
	if e.scales == nil {
		return
	}
	scale, ok := e.scales[name]
	if !ok || scale <= 0 {
		return
	}
	data := t.Data().([]float32)
	for i, v := range data {
		q := math32.Round(v / scale)
		if q > 127 {
			q = 127
		} else if q < -128 {
			q = -128
		}
		data[i] = q * scale
	}
}

func conv2d(in *tensor.Dense, attrs graph.ConvAttrs, weights, bias []float32) *tensor.Dense {
	s := in.Shape()
	n, ci, h, w := s[0], s[1], s[2], s[3]
	ho := (h+2*attrs.Pad-attrs.Kernel)/attrs.Stride + 1
	wo := (w+2*attrs.Pad-attrs.Kernel)/attrs.Stride + 1
	co := attrs.OutChannels
	k := attrs.Kernel

	src := in.Data().([]float32)
	dst := make([]float32, n*co*ho*wo)

	for img := 0; img < n; img++ {
		for o := 0; o < co; o++ {
			var b float32
			if bias != nil {
				b = bias[o]
			}
			for oy := 0; oy < ho; oy++ {
				for ox := 0; ox < wo; ox++ {
					acc := b
					if weights != nil {
						for c := 0; c < ci; c++ {
							for ky := 0; ky < k; ky++ {
								iy := oy*attrs.Stride + ky - attrs.Pad
								if iy < 0 || iy >= h {
									continue
								}
								for kx := 0; kx < k; kx++ {
									ix := ox*attrs.Stride + kx - attrs.Pad
									if ix < 0 || ix >= w {
										continue
									}
									wv := weights[((o*ci+c)*k+ky)*k+kx]
									acc += wv * src[((img*ci+c)*h+iy)*w+ix]
								}
							}
						}
					}
					dst[((img*co+o)*ho+oy)*wo+ox] = acc
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(n, co, ho, wo), tensor.WithBacking(dst))
}

func relu(in *tensor.Dense) *tensor.Dense {
	src := in.Data().([]float32)
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = math32.Max(0, v)
	}
	return tensor.New(tensor.WithShape(in.Shape()...), tensor.WithBacking(dst))
}

func maxPool(in *tensor.Dense, attrs graph.PoolAttrs) *tensor.Dense {
	s := in.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]
	ho := (h-attrs.Kernel)/attrs.Stride + 1
	wo := (w-attrs.Kernel)/attrs.Stride + 1

	src := in.Data().([]float32)
	dst := make([]float32, n*c*ho*wo)

	for img := 0; img < n; img++ {
		for ch := 0; ch < c; ch++ {
			for oy := 0; oy < ho; oy++ {
				for ox := 0; ox < wo; ox++ {
					best := math32.Inf(-1)
					for ky := 0; ky < attrs.Kernel; ky++ {
						for kx := 0; kx < attrs.Kernel; kx++ {
							v := src[((img*c+ch)*h+oy*attrs.Stride+ky)*w+ox*attrs.Stride+kx]
							if v > best {
								best = v
							}
						}
					}
					dst[((img*c+ch)*ho+oy)*wo+ox] = best
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(n, c, ho, wo), tensor.WithBacking(dst))
}

func concat(axis int, ins []*tensor.Dense) (*tensor.Dense, error) {
	if len(ins) == 0 {
		return nil, fmt.Errorf("concat has no inputs")
	}
	rank := len(ins[0].Shape())
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("concat axis %d out of range for rank %d", axis, rank)
	}

	outShape := append([]int(nil), ins[0].Shape()...)
	outShape[axis] = 0
	for _, in := range ins {
		outShape[axis] += in.Shape()[axis]
	}

	outer := volume(outShape[:axis])
	inner := volume(outShape[axis+1:])
	dst := make([]float32, volume(outShape))

	rowLen := outShape[axis] * inner
	offset := 0
	for _, in := range ins {
		src := in.Data().([]float32)
		chunk := in.Shape()[axis] * inner
		for o := 0; o < outer; o++ {
			copy(dst[o*rowLen+offset:], src[o*chunk:(o+1)*chunk])
		}
		offset += chunk
	}
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(dst)), nil
}

func volume(dims []int) int {
	v := 1
	for _, d := range dims {
		v *= d
	}
	return v
}
