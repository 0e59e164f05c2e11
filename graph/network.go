// Package graph - mutable compute-graph representation for detection
// networks, including the fused decode/NMS rewrite applied before plan
// compilation.
package graph

import (
	"fmt"

	"github.com/nvr-ai/go-engine/postprocess"
)

// OpKind identifies a graph operator.
type OpKind string

// Operator kinds understood by the reference backend. The four plugin kinds
// are the fused stages injected by Fuse.
const (
	OpInput         OpKind = "input"
	OpConv2D        OpKind = "conv2d"
	OpRelu          OpKind = "relu"
	OpMaxPool       OpKind = "maxpool"
	OpConcat        OpKind = "concat"
	OpDecode        OpKind = "decode"
	OpDecodeRotated OpKind = "decode_rotated"
	OpNMS           OpKind = "nms"
	OpNMSRotated    OpKind = "nms_rotated"
)

// Tensor is a named value flowing between graph operators. Shape is NCHW for
// feature maps; the batch dimension may be -1 when dynamic.
type Tensor struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// ConvAttrs are the attributes of a 2D convolution node.
type ConvAttrs struct {
	OutChannels int `json:"out_channels"`
	Kernel      int `json:"kernel"`
	Stride      int `json:"stride"`
	Pad         int `json:"pad"`
}

// PoolAttrs are the attributes of a max-pooling node.
type PoolAttrs struct {
	Kernel int `json:"kernel"`
	Stride int `json:"stride"`
}

// Node is one operator instance. Exactly one of the attribute pointers is
// set, matching Op.
type Node struct {
	Name    string    `json:"name"`
	Op      OpKind    `json:"op"`
	Inputs  []*Tensor `json:"inputs"`
	Outputs []*Tensor `json:"outputs"`

	Conv   *ConvAttrs                `json:"conv,omitempty"`
	Pool   *PoolAttrs                `json:"pool,omitempty"`
	Axis   int                       `json:"axis,omitempty"`
	Decode *postprocess.DecodeParams `json:"decode,omitempty"`
	NMS    *postprocess.NMSParams    `json:"nms,omitempty"`

	// Weights/Bias carry parameters for OpConv2D, laid out
	// [out][in][k][k] and [out].
	Weights []float32 `json:"-"`
	Bias    []float32 `json:"-"`
}

// Network is a mutable directed graph of tensors and operators with ordered
// named inputs and outputs. Nodes are stored in insertion order, which is a
// valid execution order because an operator can only consume tensors that
// already exist.
type Network struct {
	inputs  []*Tensor
	outputs []*Tensor
	nodes   []*Node
	byName  map[string]*Tensor
	seq     int
}

// New creates an empty network.
func New() *Network {
	return &Network{byName: map[string]*Tensor{}}
}

// AddInput registers a named network input with the given NCHW shape.
func (n *Network) AddInput(name string, shape []int) (*Tensor, error) {
	if len(shape) != 4 {
		return nil, fmt.Errorf("input %q: want a 4D NCHW shape, got %v", name, shape)
	}
	t, err := n.newTensor(name, shape)
	if err != nil {
		return nil, err
	}
	n.nodes = append(n.nodes, &Node{Name: name, Op: OpInput, Outputs: []*Tensor{t}})
	n.inputs = append(n.inputs, t)
	return t, nil
}

// NumInputs returns the number of network inputs.
func (n *Network) NumInputs() int { return len(n.inputs) }

// Input returns network input i.
func (n *Network) Input(i int) *Tensor { return n.inputs[i] }

// NumOutputs returns the number of marked network outputs.
func (n *Network) NumOutputs() int { return len(n.outputs) }

// Output returns marked network output i.
func (n *Network) Output(i int) *Tensor { return n.outputs[i] }

// Outputs returns the marked outputs in order. The returned slice is a copy.
func (n *Network) Outputs() []*Tensor {
	out := make([]*Tensor, len(n.outputs))
	copy(out, n.outputs)
	return out
}

// Nodes returns the operator list in execution order.
func (n *Network) Nodes() []*Node { return n.nodes }

// Tensor looks up a tensor by name.
func (n *Network) Tensor(name string) (*Tensor, bool) {
	t, ok := n.byName[name]
	return t, ok
}

// MarkOutput appends t to the network's output list.
func (n *Network) MarkOutput(t *Tensor) {
	for _, o := range n.outputs {
		if o == t {
			return
		}
	}
	n.outputs = append(n.outputs, t)
}

// UnmarkOutput removes t from the network's output list. The tensor and its
// producer stay in the graph as internal values.
func (n *Network) UnmarkOutput(t *Tensor) {
	for i, o := range n.outputs {
		if o == t {
			n.outputs = append(n.outputs[:i], n.outputs[i+1:]...)
			return
		}
	}
}

// ReplaceOutputs swaps the output set wholesale. Fusion uses this so the
// graph never observes a partially rewritten output list.
func (n *Network) ReplaceOutputs(outputs []*Tensor) {
	n.outputs = append(n.outputs[:0:0], outputs...)
}

// Rename gives t a new name. An existing binding under the new name is
// displaced; output names set during fusion take precedence over whatever
// the parsed description called its internal tensors.
func (n *Network) Rename(t *Tensor, name string) {
	delete(n.byName, t.Name)
	t.Name = name
	n.byName[name] = t
}

func (n *Network) newTensor(name string, shape []int) (*Tensor, error) {
	if name == "" {
		// Skip over sequence names the description already claimed so an
		// auto-named tensor can never fail mid-rewrite.
		for {
			n.seq++
			name = fmt.Sprintf("t%d", n.seq)
			if _, ok := n.byName[name]; !ok {
				break
			}
		}
	}
	if _, ok := n.byName[name]; ok {
		return nil, fmt.Errorf("tensor %q already exists", name)
	}
	t := &Tensor{Name: name, Shape: append([]int(nil), shape...)}
	n.byName[name] = t
	return t, nil
}
