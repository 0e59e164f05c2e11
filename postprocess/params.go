// Package postprocess - fused detection-stage kernels: per-scale decode and
// cross-scale non-max suppression, in axis-aligned and rotated-box variants.
//
// These are the reference implementations of the two fused operators the
// engine injects into a detection graph. Their input/output tensor contract
// is fixed; accelerated backends are free to substitute their own kernels as
// long as the contract holds.
package postprocess

// DecodeParams parameterizes one per-scale decode stage.
type DecodeParams struct {
	// ScoreThreshold filters candidates below this (post-sigmoid) score.
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold"`
	// TopN bounds the candidates kept per image at this scale.
	TopN int `json:"top_n" yaml:"top_n"`
	// Anchors is the flat anchor list for this scale: 4 values per anchor
	// (x1,y1,x2,y2 in input-image pixels) for axis-aligned boxes, 5 values
	// (plus angle) for rotated boxes.
	Anchors []float32 `json:"anchors" yaml:"anchors"`
	// Stride maps feature-map coordinates back to input-image coordinates.
	Stride int `json:"stride" yaml:"stride"`
}

// NMSParams parameterizes the single cross-scale suppression stage.
type NMSParams struct {
	// IoUThreshold is the overlap above which a lower-scoring detection of
	// the same class is suppressed.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// DetectionsPerImage is the fixed size of the final ranked set.
	DetectionsPerImage int `json:"detections_per_image" yaml:"detections_per_image"`
}

// BoxValues returns the number of values per anchor/box for this parameter
// set: 4 axis-aligned, 5 rotated.
func (p DecodeParams) BoxValues(rotated bool) int {
	if rotated {
		return 5
	}
	return 4
}

// NumAnchors returns the anchor count implied by the flat anchor list.
func (p DecodeParams) NumAnchors(rotated bool) int {
	return len(p.Anchors) / p.BoxValues(rotated)
}
