package graph

import (
	"fmt"

	"github.com/nvr-ai/go-engine/postprocess"
)

// AddConv2D appends a convolution over in and returns its output tensor.
// Weights are laid out [out][in][k][k], bias [out]; either may be nil for a
// zero-initialized parameter.
func (n *Network) AddConv2D(name string, in *Tensor, attrs ConvAttrs, weights, bias []float32) (*Tensor, error) {
	if len(in.Shape) != 4 {
		return nil, fmt.Errorf("conv %q: input %q is not 4D: %v", name, in.Name, in.Shape)
	}
	if attrs.Stride <= 0 || attrs.Kernel <= 0 || attrs.OutChannels <= 0 {
		return nil, fmt.Errorf("conv %q: bad attributes %+v", name, attrs)
	}
	h := spatialOut(in.Shape[2], attrs.Kernel, attrs.Stride, attrs.Pad)
	w := spatialOut(in.Shape[3], attrs.Kernel, attrs.Stride, attrs.Pad)
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("conv %q: kernel %d stride %d collapses input %v", name, attrs.Kernel, attrs.Stride, in.Shape)
	}

	out, err := n.newTensor("", []int{in.Shape[0], attrs.OutChannels, h, w})
	if err != nil {
		return nil, err
	}
	n.nodes = append(n.nodes, &Node{
		Name: name, Op: OpConv2D,
		Inputs: []*Tensor{in}, Outputs: []*Tensor{out},
		Conv: &attrs, Weights: weights, Bias: bias,
	})
	return out, nil
}

// AddRelu appends a ReLU activation over in.
func (n *Network) AddRelu(name string, in *Tensor) (*Tensor, error) {
	out, err := n.newTensor("", in.Shape)
	if err != nil {
		return nil, err
	}
	n.nodes = append(n.nodes, &Node{Name: name, Op: OpRelu, Inputs: []*Tensor{in}, Outputs: []*Tensor{out}})
	return out, nil
}

// AddMaxPool appends a max-pooling node over in.
func (n *Network) AddMaxPool(name string, in *Tensor, attrs PoolAttrs) (*Tensor, error) {
	if len(in.Shape) != 4 {
		return nil, fmt.Errorf("maxpool %q: input %q is not 4D: %v", name, in.Name, in.Shape)
	}
	if attrs.Stride <= 0 || attrs.Kernel <= 0 {
		return nil, fmt.Errorf("maxpool %q: bad attributes %+v", name, attrs)
	}
	h := spatialOut(in.Shape[2], attrs.Kernel, attrs.Stride, 0)
	w := spatialOut(in.Shape[3], attrs.Kernel, attrs.Stride, 0)
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("maxpool %q: kernel %d stride %d collapses input %v", name, attrs.Kernel, attrs.Stride, in.Shape)
	}
	out, err := n.newTensor("", []int{in.Shape[0], in.Shape[1], h, w})
	if err != nil {
		return nil, err
	}
	n.nodes = append(n.nodes, &Node{Name: name, Op: OpMaxPool, Inputs: []*Tensor{in}, Outputs: []*Tensor{out}, Pool: &attrs})
	return out, nil
}

// AddConcat appends a concatenation of ins along axis.
func (n *Network) AddConcat(name string, axis int, ins ...*Tensor) (*Tensor, error) {
	if len(ins) == 0 {
		return nil, fmt.Errorf("concat %q: no inputs", name)
	}
	shape := append([]int(nil), ins[0].Shape...)
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("concat %q: axis %d out of range for %v", name, axis, shape)
	}
	for _, in := range ins[1:] {
		if len(in.Shape) != len(shape) {
			return nil, fmt.Errorf("concat %q: rank mismatch %v vs %v", name, shape, in.Shape)
		}
		for d := range shape {
			if d == axis {
				continue
			}
			if in.Shape[d] != shape[d] {
				return nil, fmt.Errorf("concat %q: dim %d mismatch %v vs %v", name, d, shape, in.Shape)
			}
		}
		shape[axis] += in.Shape[axis]
	}

	out, err := n.newTensor("", shape)
	if err != nil {
		return nil, err
	}
	n.nodes = append(n.nodes, &Node{Name: name, Op: OpConcat, Inputs: ins, Outputs: []*Tensor{out}, Axis: axis})
	return out, nil
}

// AddDecode appends a per-scale decode plugin (or its rotated variant) over
// a (class map, box map) pair and returns its node. The node has three
// outputs: scores, boxes, classes at this scale.
func (n *Network) AddDecode(name string, cls, box *Tensor, p postprocess.DecodeParams, rotated bool) (*Node, error) {
	if len(cls.Shape) != 4 || len(box.Shape) != 4 {
		return nil, fmt.Errorf("decode %q: want 4D maps, got %v and %v", name, cls.Shape, box.Shape)
	}
	batch := cls.Shape[0]
	bv := p.BoxValues(rotated)

	scores, err := n.newTensor("", []int{batch, p.TopN})
	if err != nil {
		return nil, err
	}
	boxes, err := n.newTensor("", []int{batch, p.TopN, bv})
	if err != nil {
		return nil, err
	}
	classes, err := n.newTensor("", []int{batch, p.TopN})
	if err != nil {
		return nil, err
	}

	op := OpDecode
	if rotated {
		op = OpDecodeRotated
	}
	node := &Node{
		Name: name, Op: op,
		Inputs:  []*Tensor{cls, box},
		Outputs: []*Tensor{scores, boxes, classes},
		Decode:  &p,
	}
	n.nodes = append(n.nodes, node)
	return node, nil
}

// AddNMS appends the cross-scale suppression plugin (or its rotated variant)
// over concatenated (scores, boxes, classes) tensors and returns its node.
func (n *Network) AddNMS(name string, scores, boxes, classes *Tensor, p postprocess.NMSParams, rotated bool) (*Node, error) {
	if len(scores.Shape) != 2 || len(boxes.Shape) != 3 || len(classes.Shape) != 2 {
		return nil, fmt.Errorf("nms %q: want [N,K] [N,K,v] [N,K], got %v %v %v",
			name, scores.Shape, boxes.Shape, classes.Shape)
	}
	batch := scores.Shape[0]
	d := p.DetectionsPerImage

	outScores, err := n.newTensor("", []int{batch, d})
	if err != nil {
		return nil, err
	}
	outBoxes, err := n.newTensor("", []int{batch, d, boxes.Shape[2]})
	if err != nil {
		return nil, err
	}
	outClasses, err := n.newTensor("", []int{batch, d})
	if err != nil {
		return nil, err
	}

	op := OpNMS
	if rotated {
		op = OpNMSRotated
	}
	node := &Node{
		Name: name, Op: op,
		Inputs:  []*Tensor{scores, boxes, classes},
		Outputs: []*Tensor{outScores, outBoxes, outClasses},
		NMS:     &p,
	}
	n.nodes = append(n.nodes, node)
	return node, nil
}

func spatialOut(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}
