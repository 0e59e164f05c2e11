package engine

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// Plan is an opaque, versioned, target- and precision-specific compiled plan.
// Immutable once produced; the unit of persistence and of engine
// reconstruction. The bytes are written and read verbatim; compatibility is
// the backend's responsibility.
type Plan struct {
	data   []byte
	logger *zap.Logger
}

// NewPlan wraps raw plan bytes, e.g. received over the wire.
func NewPlan(data []byte) *Plan {
	return &Plan{data: data, logger: zap.NewNop()}
}

// Bytes returns the serialized plan. Callers must not mutate it.
func (p *Plan) Bytes() []byte { return p.data }

// Save writes the plan verbatim to path.
//
// Arguments:
//   - path: Destination file path.
//
// Returns:
//   - error: An error if the write fails.
func (p *Plan) Save(path string) error {
	p.logger.Sugar().Infof("Writing to %s...", path)
	if err := os.WriteFile(path, p.data, 0o644); err != nil {
		return fmt.Errorf("writing plan to %s: %w", path, err)
	}
	return nil
}

// WriteTo streams the plan bytes to w.
func (p *Plan) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.data)
	return int64(n), err
}

// LoadPlan reads a plan file written by Save.
//
// Arguments:
//   - path: Source file path.
//
// Returns:
//   - *Plan: The loaded plan.
//   - error: An error if the read fails or the file is empty.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan from %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("plan file %s is empty", path)
	}
	return NewPlan(data), nil
}
