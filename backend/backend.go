// Package backend - contracts between the engine and its external
// collaborators: the graph compiler/optimizer that produces opaque compiled
// plans, and the device runtime that replays them.
package backend

import (
	"fmt"

	"github.com/nvr-ai/go-engine/graph"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// Precision represents the numeric precision policy of a build.
type Precision string

// Precision constants are the supported build precisions. INT8 implies FP16
// kernels are also permitted and requires a bound calibrator.
const (
	PrecisionFP32 Precision = "FP32"
	PrecisionFP16 Precision = "FP16"
	PrecisionINT8 Precision = "INT8"
)

// Valid reports whether p is a known precision.
func (p Precision) Valid() bool {
	switch p {
	case PrecisionFP32, PrecisionFP16, PrecisionINT8:
		return true
	}
	return false
}

// Calibrator supplies representative activation batches for int8 quantization
// and owns the calibration cache identity. Its lifetime brackets exactly one
// Compile call.
type Calibrator interface {
	// BatchSize is the batch every calibration draw uses. It must equal the
	// profile's opt batch.
	BatchSize() int
	// Next draws the next batch, returning false when the stream is
	// exhausted.
	Next() (*tensor.Dense, bool, error)
	// CacheKey identifies the calibration table entry (model name).
	CacheKey() string
	// ReadCache returns a previously persisted table for CacheKey, if any.
	ReadCache() ([]byte, bool)
	// WriteCache persists the freshly computed table.
	WriteCache(table []byte) error
	// Close releases the underlying image stream.
	Close() error
}

// BuildConfig is everything a backend needs beyond the graph itself.
type BuildConfig struct {
	// Precision selects the numeric policy.
	Precision Precision
	// Profile is the dynamic-batch optimization profile. It is also the
	// calibration profile when Precision is INT8.
	Profile Profile
	// Calibrator must be non-nil iff Precision is INT8.
	Calibrator Calibrator
	// WorkspaceSize is the scratch memory budget in bytes.
	WorkspaceSize uint64
	// Logger receives the backend's progress and diagnostic lines. Required.
	Logger *zap.Logger
}

// FP16Enabled reports whether FP16 kernels may be used: true for FP16 and,
// per policy, also for INT8.
func (c BuildConfig) FP16Enabled() bool {
	return c.Precision == PrecisionFP16 || c.Precision == PrecisionINT8
}

// Validate checks the configuration before any compilation work starts.
func (c BuildConfig) Validate() error {
	if !c.Precision.Valid() {
		return fmt.Errorf("unknown precision %q", c.Precision)
	}
	if err := c.Profile.Validate(); err != nil {
		return err
	}
	if c.Precision == PrecisionINT8 {
		if c.Calibrator == nil {
			return fmt.Errorf("INT8 build requires a calibrator")
		}
		if got, want := c.Calibrator.BatchSize(), c.Profile.Opt[0]; got != want {
			return fmt.Errorf("calibration batch %d must match opt batch %d", got, want)
		}
	} else if c.Calibrator != nil {
		return fmt.Errorf("calibrator bound for %s build", c.Precision)
	}
	return nil
}

// Backend is the opaque graph compiler/optimizer. Compile consumes the
// finalized network plus configuration and returns a serialized plan; an
// empty plan (or an error) is fatal for the build. The call may take seconds
// to minutes and is not cancellable once started.
type Backend interface {
	Name() string
	Compile(net *graph.Network, cfg BuildConfig) ([]byte, error)
}

// Runtime reconstructs a live execution handle from plan bytes. Fails on
// truncated plans or plans produced for an incompatible target.
type Runtime interface {
	Name() string
	Deserialize(plan []byte) (ExecHandle, error)
}

// IOTensor describes one engine I/O binding slot, in the engine-defined
// enumeration order: inputs first in declaration order, then outputs.
type IOTensor struct {
	Name  string
	Shape []int
	Input bool
}

// ExecHandle is a deserialized plan: a live, immutable engine image from
// which execution contexts are created.
type ExecHandle interface {
	// IOTensors enumerates the binding slots, inputs first.
	IOTensors() []IOTensor
	// MaxBatch is the largest batch the baked profile admits.
	MaxBatch() int
	// Strides lists the per-scale decode strides baked into the plan.
	Strides() []int
	// NewContext creates an execution context bound to the given
	// optimization profile index.
	NewContext(profile int) (Context, error)
	// NewStream allocates an asynchronous execution stream.
	NewStream() (Stream, error)
	// Close releases the handle.
	Close() error
}

// Context owns the tensor bindings for one inference call at a time. Not
// safe for concurrent use; callers serialize access.
type Context interface {
	// Bind attaches device memory to I/O slot i.
	Bind(i int, buf *tensor.Dense) error
	// Enqueue schedules the compiled kernels on stream for the given batch.
	Enqueue(stream Stream, batch int) error
	// Close releases the context.
	Close() error
}

// Stream is an asynchronous execution queue. Synchronize blocks until all
// enqueued work has drained.
type Stream interface {
	Synchronize() error
	Close() error
}
