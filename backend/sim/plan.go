// Package sim - pure-Go reference backend: compiles detection graphs into
// self-contained serialized plans and replays them on the CPU. It stands in
// for an accelerator toolchain; the plan format and kernel numerics are its
// own, but the contract it implements (opaque plan bytes in, live engine
// out) is the one accelerated backends follow.
package sim

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nvr-ai/go-engine/backend"
	"github.com/nvr-ai/go-engine/graph"
	"github.com/nvr-ai/go-engine/postprocess"
)

// Plan container constants.
const (
	planMagic   = "NVRP"
	planVersion = 1
	planTarget  = "sim"
)

// Plan format errors.
var (
	ErrTruncatedPlan    = errors.New("plan is truncated")
	ErrInvalidPlanMagic = errors.New("invalid plan magic bytes")
	ErrPlanVersion      = errors.New("unsupported plan version")
	ErrPlanChecksum     = errors.New("plan checksum mismatch: bytes may be corrupted")
	ErrPlanTarget       = errors.New("plan was built for a different target")
)

// planHeader is the JSON header of a serialized plan.
type planHeader struct {
	Target    string            `json:"target"`
	Precision backend.Precision `json:"precision"`
	FP16      bool              `json:"fp16"`
	Profile   backend.Profile   `json:"profile"`
	IOTensors []ioTensorMeta    `json:"io_tensors"`
	Strides   []int             `json:"strides"`
}

type ioTensorMeta struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Input bool   `json:"input"`
}

// program is the executable payload: the lowered graph plus int8 activation
// scales, gob-encoded after the header.
type program struct {
	Tensors map[string][]int
	Nodes   []progNode
	Inputs  []string
	Outputs []string
	Scales  map[string]float32
}

type progNode struct {
	Name    string
	Op      graph.OpKind
	Inputs  []string
	Outputs []string

	Conv   *graph.ConvAttrs
	Pool   *graph.PoolAttrs
	Axis   int
	Decode *postprocess.DecodeParams
	NMS    *postprocess.NMSParams

	Weights []float32
	Bias    []float32
}

// encodePlan serializes header+program into the plan container:
// magic, uint32 version, 32-byte SHA-256 over everything after it,
// uint32 header length, JSON header, gob program.
func encodePlan(hdr planHeader, prog *program) ([]byte, error) {
	headerBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("encoding plan header: %w", err)
	}
	var progBuf bytes.Buffer
	if err := gob.NewEncoder(&progBuf).Encode(prog); err != nil {
		return nil, fmt.Errorf("encoding plan program: %w", err)
	}

	var body bytes.Buffer
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(headerBytes)))
	body.Write(u32[:])
	body.Write(headerBytes)
	body.Write(progBuf.Bytes())

	sum := sha256.Sum256(body.Bytes())

	var out bytes.Buffer
	out.WriteString(planMagic)
	binary.LittleEndian.PutUint32(u32[:], planVersion)
	out.Write(u32[:])
	out.Write(sum[:])
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func decodePlan(data []byte) (*planHeader, *program, error) {
	const prefix = 4 + 4 + sha256.Size
	if len(data) < prefix+4 {
		return nil, nil, ErrTruncatedPlan
	}
	if string(data[:4]) != planMagic {
		return nil, nil, ErrInvalidPlanMagic
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != planVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrPlanVersion, v)
	}

	var sum [sha256.Size]byte
	copy(sum[:], data[8:8+sha256.Size])
	body := data[prefix:]
	if sha256.Sum256(body) != sum {
		return nil, nil, ErrPlanChecksum
	}

	headerLen := int(binary.LittleEndian.Uint32(body[:4]))
	if len(body) < 4+headerLen {
		return nil, nil, ErrTruncatedPlan
	}
	var hdr planHeader
	if err := json.Unmarshal(body[4:4+headerLen], &hdr); err != nil {
		return nil, nil, fmt.Errorf("decoding plan header: %w", err)
	}
	if hdr.Target != planTarget {
		return nil, nil, fmt.Errorf("%w: %q", ErrPlanTarget, hdr.Target)
	}

	var prog program
	if err := gob.NewDecoder(bytes.NewReader(body[4+headerLen:])).Decode(&prog); err != nil {
		return nil, nil, fmt.Errorf("decoding plan program: %w", err)
	}
	return &hdr, &prog, nil
}
