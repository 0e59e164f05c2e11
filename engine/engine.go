package engine

import (
	"fmt"

	"github.com/nvr-ai/go-engine/backend"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// State tracks the engine lifecycle.
type State string

// Engine lifecycle states. An engine moves Unloaded -> Loaded -> Ready, then
// bounces between Ready and Running for each inference, and terminates in
// Destroyed after Close.
const (
	StateUnloaded  State = "unloaded"
	StateLoaded    State = "loaded"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateDestroyed State = "destroyed"
)

// Engine is a live execution engine replayed from a plan: a deserialized
// handle plus one execution context and one asynchronous stream. Not safe for
// concurrent Infer calls; callers serialize access.
type Engine struct {
	handle  backend.ExecHandle
	context backend.Context
	stream  backend.Stream
	io      []backend.IOTensor
	logger  *zap.Logger
	state   State
}

// Open reconstructs an engine from a serialized plan.
//
// Deserialization, context creation and stream allocation happen in order;
// on any failure the resources already acquired are released in reverse
// order before the error is returned.
//
// Arguments:
//   - rt: The device runtime that replays plans.
//   - plan: The serialized plan to load.
//   - logger: Destination for diagnostics. A nil logger disables output.
//
// Returns:
//   - *Engine: A ready engine.
//   - error: An error if the plan is rejected or resource setup fails.
func Open(rt backend.Runtime, plan *Plan, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if plan == nil || len(plan.Bytes()) == 0 {
		return nil, fmt.Errorf("cannot open an empty plan")
	}

	handle, err := rt.Deserialize(plan.Bytes())
	if err != nil {
		return nil, fmt.Errorf("deserializing plan with %s runtime: %w", rt.Name(), err)
	}

	context, err := handle.NewContext(0)
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("creating execution context: %w", err)
	}

	stream, err := handle.NewStream()
	if err != nil {
		context.Close()
		handle.Close()
		return nil, fmt.Errorf("creating execution stream: %w", err)
	}

	logger.Debug("engine ready",
		zap.String("runtime", rt.Name()),
		zap.Int("io_tensors", len(handle.IOTensors())),
		zap.Int("max_batch", handle.MaxBatch()))

	return &Engine{
		handle:  handle,
		context: context,
		stream:  stream,
		io:      handle.IOTensors(),
		logger:  logger,
		state:   StateReady,
	}, nil
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// NumIOTensors returns the number of binding slots, inputs first.
func (e *Engine) NumIOTensors() int { return len(e.io) }

// IOTensor returns the binding slot at index i.
func (e *Engine) IOTensor(i int) backend.IOTensor { return e.io[i] }

// InputSize returns the spatial height and width of the engine's image
// input, read from binding slot 0.
func (e *Engine) InputSize() (height, width int) {
	shape := e.io[0].Shape
	return shape[2], shape[3]
}

// MaxDetections returns the per-image detection capacity, read from the
// second dimension of binding slot 1.
func (e *Engine) MaxDetections() int {
	return e.io[1].Shape[1]
}

// MaxBatchSize returns the largest batch the baked profile admits.
func (e *Engine) MaxBatchSize() int { return e.handle.MaxBatch() }

// Stride returns the coarsest decode stride baked into the plan.
func (e *Engine) Stride() int {
	stride := 1
	for _, s := range e.handle.Strides() {
		if s > stride {
			stride = s
		}
	}
	return stride
}

// Infer executes one inference over the bound buffers.
//
// Exactly one buffer per I/O tensor is required, in enumeration order
// (inputs first, then outputs). The call binds every buffer, enqueues the
// compiled kernels on the engine's stream and blocks until the stream
// drains; on return the output buffers hold the results.
//
// Arguments:
//   - buffers: One tensor per binding slot.
//   - batch: The batch size of this call. Must be admitted by the profile.
//
// Returns:
//   - error: An error on buffer-count mismatch, binding failure or
//     execution failure.
func (e *Engine) Infer(buffers []*tensor.Dense, batch int) error {
	if e.state == StateDestroyed {
		return fmt.Errorf("engine is destroyed")
	}
	if len(buffers) != len(e.io) {
		return fmt.Errorf("expected %d buffers, got %d", len(e.io), len(buffers))
	}

	for i, buf := range buffers {
		if err := e.context.Bind(i, buf); err != nil {
			return fmt.Errorf("binding %s: %w", e.io[i].Name, err)
		}
	}

	e.state = StateRunning
	defer func() { e.state = StateReady }()

	if err := e.context.Enqueue(e.stream, batch); err != nil {
		return fmt.Errorf("enqueueing batch %d: %w", batch, err)
	}
	if err := e.stream.Synchronize(); err != nil {
		return fmt.Errorf("synchronizing stream: %w", err)
	}
	return nil
}

// Close releases the stream, context and handle, in that order. Safe to call
// more than once.
func (e *Engine) Close() error {
	if e.state == StateDestroyed {
		return nil
	}
	e.state = StateDestroyed

	var firstErr error
	if err := e.stream.Close(); err != nil {
		firstErr = err
	}
	if err := e.context.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.handle.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
