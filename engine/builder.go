package engine

import (
	"errors"
	"fmt"

	"github.com/nvr-ai/go-engine/backend"
	"github.com/nvr-ai/go-engine/calibrate"
	"github.com/nvr-ai/go-engine/graph"
	"github.com/nvr-ai/go-engine/graph/parse"
	"github.com/nvr-ai/go-engine/profiler"
	"go.uber.org/zap"
)

// ErrEmptyPlan means the backend compiler returned no plan; the build is
// fatal and nothing is persisted.
var ErrEmptyPlan = errors.New("backend returned an empty plan")

// Builder assembles a build with a fluent API and a sticky error: the first
// failure short-circuits every later step, so call sites can chain without
// per-step checks.
type Builder struct {
	backend backend.Backend
	logger  *zap.Logger
	model   []byte
	cfg     Config
	cfgSet  bool
	err     error
}

// NewBuilder creates a builder that compiles through b.
//
// Arguments:
//   - b: The graph compiler backend.
//
// Returns:
//   - *Builder: The builder.
func NewBuilder(b backend.Backend) *Builder {
	if b == nil {
		return &Builder{err: errors.New("backend not configured")}
	}
	return &Builder{backend: b}
}

// WithLogger sets the logger threaded through the build. When omitted, a
// logger honoring cfg.Verbose is constructed at Build time.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if b.HasError() {
		return b
	}
	b.logger = logger
	return b
}

// WithModel sets the serialized model description to compile.
//
// Arguments:
//   - desc: The model description bytes.
//
// Returns:
//   - *Builder: The builder.
func (b *Builder) WithModel(desc []byte) *Builder {
	if b.HasError() {
		return b
	}
	if len(desc) == 0 {
		b.err = errors.New("model description is empty")
		return b
	}
	b.model = desc
	return b
}

// WithConfig sets the build parameters.
//
// Arguments:
//   - cfg: The build configuration.
//
// Returns:
//   - *Builder: The builder.
func (b *Builder) WithConfig(cfg Config) *Builder {
	if b.HasError() {
		return b
	}
	if err := cfg.Validate(); err != nil {
		b.err = err
		return b
	}
	b.cfg = cfg
	b.cfgSet = true
	return b
}

// HasError checks if the builder has already failed.
func (b *Builder) HasError() bool {
	return b.err != nil
}

// Build runs the pipeline: parse the model description, derive the
// optimization profile, bind a calibrator for int8, fuse the detection head,
// and invoke the backend compiler. Configuration errors abort before the
// compiler is invoked; the calibrator and graph are scoped to this call and
// released on every exit path.
//
// Returns:
//   - *Plan: The compiled plan.
//   - error: The first error encountered anywhere in the chain.
func (b *Builder) Build() (*Plan, error) {
	if b.HasError() {
		return nil, b.err
	}
	if !b.cfgSet {
		return nil, errors.New("build config not set")
	}
	if b.model == nil {
		return nil, errors.New("model not set")
	}

	logger := b.logger
	if logger == nil {
		logger = NewLogger(b.cfg.Verbose)
	}
	log := logger.Sugar()
	timer := profiler.NewTimer()

	log.Infof("Building %s core model...", b.cfg.Precision)
	var net *graph.Network
	if err := timer.Track("parse", func() error {
		var err error
		net, err = parse.Parse(b.model)
		return err
	}); err != nil {
		return nil, fmt.Errorf("parsing model description: %w", err)
	}
	if net.NumInputs() == 0 {
		return nil, errors.New("model description declares no input")
	}

	inputShape := net.Input(0).Shape
	profile := backend.NewProfile(inputShape, b.cfg.MinBatch, b.cfg.OptBatch, b.cfg.MaxBatch)
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("optimization profile: %w", err)
	}

	buildCfg := backend.BuildConfig{
		Precision:     b.cfg.Precision,
		Profile:       profile,
		WorkspaceSize: b.cfg.WorkspaceSize,
		Logger:        logger,
	}

	if b.cfg.Precision == backend.PrecisionINT8 {
		// Calibration is performed at the profile's opt batch; the same
		// profile serves as the calibration profile.
		stream, err := calibrate.NewImageStream(b.cfg.OptBatch, inputShape, b.cfg.CalibrationImages)
		if err != nil {
			return nil, fmt.Errorf("calibration stream: %w", err)
		}
		calib := calibrate.NewEntropyCalibrator(stream, b.cfg.ModelName, b.cfg.CalibrationTable)
		defer calib.Close()
		buildCfg.Calibrator = calib
	}

	log.Infof("Building accelerated plugins...")
	if err := timer.Track("fuse", func() error {
		return graph.Fuse(net, graph.FuseConfig{
			ScoreThreshold:     b.cfg.ScoreThreshold,
			TopN:               b.cfg.TopN,
			Anchors:            b.cfg.Anchors,
			Rotated:            b.cfg.Rotated,
			NMSThreshold:       b.cfg.NMSThreshold,
			DetectionsPerImage: b.cfg.DetectionsPerImage,
		})
	}); err != nil {
		return nil, fmt.Errorf("fusing detection head: %w", err)
	}

	log.Infof("Applying optimizations and building engine plan...")
	var data []byte
	if err := timer.Track("compile", func() error {
		var err error
		data, err = b.backend.Compile(net, buildCfg)
		return err
	}); err != nil {
		return nil, fmt.Errorf("compiling plan: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyPlan
	}
	timer.Log(logger)
	return &Plan{data: data, logger: logger}, nil
}
