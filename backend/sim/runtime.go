package sim

import (
	"errors"
	"fmt"

	"github.com/nvr-ai/go-engine/backend"
	"gorgonia.org/tensor"
)

// Deserialize reconstructs a live execution handle from plan bytes.
func (s *Simulator) Deserialize(plan []byte) (backend.ExecHandle, error) {
	hdr, prog, err := decodePlan(plan)
	if err != nil {
		return nil, err
	}
	return &handle{hdr: hdr, prog: prog}, nil
}

// handle is a deserialized plan image.
type handle struct {
	hdr    *planHeader
	prog   *program
	closed bool
}

func (h *handle) IOTensors() []backend.IOTensor {
	out := make([]backend.IOTensor, len(h.hdr.IOTensors))
	for i, m := range h.hdr.IOTensors {
		out[i] = backend.IOTensor{Name: m.Name, Shape: append([]int(nil), m.Shape...), Input: m.Input}
	}
	return out
}

func (h *handle) MaxBatch() int { return h.hdr.Profile.Max[0] }

func (h *handle) Strides() []int { return append([]int(nil), h.hdr.Strides...) }

func (h *handle) NewContext(profile int) (backend.Context, error) {
	if h.closed {
		return nil, errors.New("handle is closed")
	}
	if profile != 0 {
		return nil, fmt.Errorf("plan has a single optimization profile, got index %d", profile)
	}
	return &execContext{h: h, bound: make([]*tensor.Dense, len(h.hdr.IOTensors))}, nil
}

func (h *handle) NewStream() (backend.Stream, error) {
	if h.closed {
		return nil, errors.New("handle is closed")
	}
	return backend.NewQueue(), nil
}

func (h *handle) Close() error {
	h.closed = true
	return nil
}

// execContext owns the I/O bindings for one inference call at a time.
// Callers must serialize access.
type execContext struct {
	h     *handle
	bound []*tensor.Dense
}

func (c *execContext) Bind(i int, buf *tensor.Dense) error {
	if i < 0 || i >= len(c.bound) {
		return fmt.Errorf("binding index %d out of range (%d I/O tensors)", i, len(c.bound))
	}
	if buf == nil {
		return fmt.Errorf("binding %d: nil buffer", i)
	}
	c.bound[i] = buf
	return nil
}

func (c *execContext) Enqueue(stream backend.Stream, batch int) error {
	st, ok := stream.(*backend.Queue)
	if !ok {
		return fmt.Errorf("stream %T was not allocated by this runtime", stream)
	}
	if !c.h.hdr.Profile.Admits(batch) {
		return fmt.Errorf("batch %d outside profile range [%d, %d]",
			batch, c.h.hdr.Profile.Min[0], c.h.hdr.Profile.Max[0])
	}
	for i, buf := range c.bound {
		if buf == nil {
			return fmt.Errorf("I/O tensor %d (%s) is unbound", i, c.h.hdr.IOTensors[i].Name)
		}
	}

	numInputs := len(c.h.prog.Inputs)
	inputs := make([]*tensor.Dense, numInputs)
	copy(inputs, c.bound[:numInputs])
	outputs := make([]*tensor.Dense, len(c.bound)-numInputs)
	copy(outputs, c.bound[numInputs:])

	exec := &executor{prog: c.h.prog}
	if c.h.hdr.Precision == backend.PrecisionINT8 {
		exec.scales = c.h.prog.Scales
	}

	st.Push(func() error {
		env, err := exec.run(inputs, batch)
		if err != nil {
			return err
		}
		for j, name := range c.h.prog.Outputs {
			src := env[name].Data().([]float32)
			dst, ok := outputs[j].Data().([]float32)
			if !ok {
				return fmt.Errorf("output %q: buffer is not float32", name)
			}
			if len(dst) < len(src) {
				return fmt.Errorf("output %q: buffer holds %d floats, needs %d", name, len(dst), len(src))
			}
			copy(dst, src)
		}
		return nil
	})
	return nil
}

func (c *execContext) Close() error {
	c.bound = nil
	return nil
}
