// Package ort - ONNX Runtime backed backend. A plan embeds the exported core
// model together with the fused detection-head parameters; replay executes
// the core model through an onnxruntime session and applies the decode and
// suppression stages with the shared kernels. Requires the native
// onnxruntime shared library at runtime.
package ort

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nvr-ai/go-engine/backend"
	"github.com/nvr-ai/go-engine/postprocess"
)

// Plan container constants.
const (
	planMagic   = "NVRO"
	planVersion = 1
	planTarget  = "ort"
)

// Plan format errors.
var (
	ErrTruncatedPlan    = errors.New("plan is truncated")
	ErrInvalidPlanMagic = errors.New("invalid plan magic bytes")
	ErrPlanVersion      = errors.New("unsupported plan version")
	ErrPlanChecksum     = errors.New("plan checksum mismatch: bytes may be corrupted")
	ErrPlanTarget       = errors.New("plan was built for a different target")
)

// planHeader is the JSON header of a serialized plan. The core model bytes
// follow it verbatim.
type planHeader struct {
	Target    string                `json:"target"`
	Precision backend.Precision     `json:"precision"`
	FP16      bool                  `json:"fp16"`
	Profile   backend.Profile       `json:"profile"`
	IOTensors []ioTensorMeta        `json:"io_tensors"`
	Strides   []int                 `json:"strides"`
	Scales    []scaleStage          `json:"scales"`
	NMS       postprocess.NMSParams `json:"nms"`
	Rotated   bool                  `json:"rotated"`
}

type ioTensorMeta struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Input bool   `json:"input"`
}

// scaleStage names the core model's class and box maps for one detection
// scale and carries the decode parameters applied to them after the session
// runs.
type scaleStage struct {
	ClsName  string                   `json:"cls_name"`
	ClsShape []int                    `json:"cls_shape"`
	BoxName  string                   `json:"box_name"`
	BoxShape []int                    `json:"box_shape"`
	Decode   postprocess.DecodeParams `json:"decode"`
}

func encodePlan(hdr planHeader, model []byte) ([]byte, error) {
	headerBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("encoding plan header: %w", err)
	}

	var body bytes.Buffer
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(headerBytes)))
	body.Write(u32[:])
	body.Write(headerBytes)
	body.Write(model)

	sum := sha256.Sum256(body.Bytes())

	var out bytes.Buffer
	out.WriteString(planMagic)
	binary.LittleEndian.PutUint32(u32[:], planVersion)
	out.Write(u32[:])
	out.Write(sum[:])
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func decodePlan(data []byte) (*planHeader, []byte, error) {
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
	return &hdr, body[4+headerLen:], nil
}
