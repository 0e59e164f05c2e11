// Package parse - reads serialized model descriptions into compute graphs.
//
// A description is a versioned binary container: magic bytes, format
// version, a JSON header describing inputs, operators, and outputs, and a
// raw little-endian float32 payload holding operator weights. The engine
// treats the format as an external contract; Marshal exists so tooling and
// tests can produce descriptions without a separate exporter.
package parse

import "errors"

// Container constants.
const (
	MagicBytes    = "NVRM"
	FormatVersion = 1
)

// Format errors.
var (
	ErrInvalidMagic       = errors.New("invalid model description magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported model description version")
	ErrTruncated          = errors.New("model description is truncated")
)

// Header is the JSON header of a serialized description.
type Header struct {
	Version int         `json:"version"`
	Inputs  []TensorDef `json:"inputs"`
	Nodes   []NodeDef   `json:"nodes"`
	Outputs []string    `json:"outputs"`
}

// TensorDef declares a named network input.
type TensorDef struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// NodeDef declares one operator. Weight/bias payloads are referenced by
// float32 offset and length into the data section.
type NodeDef struct {
	Name   string   `json:"name"`
	Op     string   `json:"op"`
	Inputs []string `json:"inputs"`
	Output string   `json:"output"`

	OutChannels int `json:"out_channels,omitempty"`
	Kernel      int `json:"kernel,omitempty"`
	Stride      int `json:"stride,omitempty"`
	Pad         int `json:"pad,omitempty"`
	Axis        int `json:"axis,omitempty"`

	WeightsOffset int `json:"weights_offset,omitempty"`
	WeightsLen    int `json:"weights_len,omitempty"`
	BiasOffset    int `json:"bias_offset,omitempty"`
	BiasLen       int `json:"bias_len,omitempty"`
}
