package parse

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Description is the in-memory form a tool assembles before serialization.
// Node weight/bias data is given inline; Marshal packs it into the payload
// section and fills in the offsets.
type Description struct {
	Inputs  []TensorDef
	Nodes   []Node
	Outputs []string
}

// Node is a NodeDef with inline parameter data.
type Node struct {
	NodeDef
	Weights []float32
	Bias    []float32
}

// Marshal serializes a description into the binary container format.
//
// Arguments:
//   - desc: The description to serialize.
//
// Returns:
//   - []byte: The container bytes, suitable for Parse.
//   - error: An error if the header cannot be encoded.
func Marshal(desc Description) ([]byte, error) {
	hdr := Header{
		Version: FormatVersion,
		Inputs:  desc.Inputs,
		Outputs: desc.Outputs,
	}

	var payload []float32
	for _, n := range desc.Nodes {
		def := n.NodeDef
		if len(n.Weights) > 0 {
			def.WeightsOffset = len(payload)
			def.WeightsLen = len(n.Weights)
			payload = append(payload, n.Weights...)
		}
		if len(n.Bias) > 0 {
			def.BiasOffset = len(payload)
			def.BiasLen = len(n.Bias)
			payload = append(payload, n.Bias...)
		}
		hdr.Nodes = append(hdr.Nodes, def)
	}

	headerBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, errors.Wrap(err, "encoding description header")
	}

	var buf bytes.Buffer
	buf.WriteString(MagicBytes)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], FormatVersion)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(headerBytes)))
	buf.Write(u32[:])
	buf.Write(headerBytes)
	for _, f := range payload {
		binary.LittleEndian.PutUint32(u32[:], math.Float32bits(f))
		buf.Write(u32[:])
	}
	return buf.Bytes(), nil
}
