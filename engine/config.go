// Package engine - builds detection networks into compiled plans and
// replays them for inference.
package engine

import (
	"fmt"

	"github.com/nvr-ai/go-engine/backend"
)

// Config is the full build parameter surface.
type Config struct {
	// MinBatch/OptBatch/MaxBatch form the dynamic-batch triple for the
	// optimization profile. Calibration draws batches at exactly OptBatch.
	MinBatch int `json:"min_batch" yaml:"min_batch"`
	OptBatch int `json:"opt_batch" yaml:"opt_batch"`
	MaxBatch int `json:"max_batch" yaml:"max_batch"`

	// Precision selects the numeric policy: FP32, FP16, or INT8.
	Precision backend.Precision `json:"precision" yaml:"precision"`

	// ScoreThreshold filters decode candidates below this score.
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold"`
	// TopN bounds candidates kept per scale per image.
	TopN int `json:"top_n" yaml:"top_n"`
	// Anchors holds one flat anchor list per detection scale; its length
	// must match the scale count discovered in the parsed network.
	Anchors [][]float32 `json:"anchors" yaml:"anchors"`
	// Rotated selects the rotated-box decode/NMS plugin variants.
	Rotated bool `json:"rotated" yaml:"rotated"`
	// NMSThreshold is the suppression IoU threshold.
	NMSThreshold float32 `json:"nms_threshold" yaml:"nms_threshold"`
	// DetectionsPerImage is the fixed size of the final detection set.
	DetectionsPerImage int `json:"detections_per_image" yaml:"detections_per_image"`

	// CalibrationImages lists image paths for int8 calibration.
	CalibrationImages []string `json:"calibration_images" yaml:"calibration_images"`
	// ModelName keys the calibration table cache.
	ModelName string `json:"model_name" yaml:"model_name"`
	// CalibrationTable is the calibration cache file path.
	CalibrationTable string `json:"calibration_table" yaml:"calibration_table"`

	// Verbose surfaces the backend's informational and verbose log lines.
	Verbose bool `json:"verbose" yaml:"verbose"`
	// WorkspaceSize is the compiler scratch-memory budget in bytes.
	WorkspaceSize uint64 `json:"workspace_size" yaml:"workspace_size"`
}

// DefaultConfig returns a production-ready configuration for a single-image
// FP32 build.
//
// Returns:
//   - Config: The default configuration.
func DefaultConfig() Config {
	return Config{
		MinBatch:           1,
		OptBatch:           1,
		MaxBatch:           1,
		Precision:          backend.PrecisionFP32,
		ScoreThreshold:     0.05,
		TopN:               1000,
		NMSThreshold:       0.5,
		DetectionsPerImage: 100,
		WorkspaceSize:      1 << 30,
	}
}

// Validate checks everything that can be checked without the parsed network.
// Anchor/scale agreement is checked during fusion.
func (c Config) Validate() error {
	if !c.Precision.Valid() {
		return fmt.Errorf("unknown precision %q", c.Precision)
	}
	if c.MinBatch <= 0 || c.MinBatch > c.OptBatch || c.OptBatch > c.MaxBatch {
		return fmt.Errorf("dynamic batch triple (%d, %d, %d) must satisfy 0 < min <= opt <= max",
			c.MinBatch, c.OptBatch, c.MaxBatch)
	}
	if c.TopN <= 0 {
		return fmt.Errorf("top_n must be positive, got %d", c.TopN)
	}
	if c.DetectionsPerImage <= 0 {
		return fmt.Errorf("detections_per_image must be positive, got %d", c.DetectionsPerImage)
	}
	if len(c.Anchors) == 0 {
		return fmt.Errorf("at least one anchor list is required")
	}
	if c.Precision == backend.PrecisionINT8 && len(c.CalibrationImages) == 0 {
		return fmt.Errorf("INT8 builds require calibration images")
	}
	return nil
}
