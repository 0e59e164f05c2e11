package graph

import (
	"errors"
	"fmt"

	"github.com/nvr-ai/go-engine/postprocess"
)

// Fusion configuration errors. All are detected before the graph is touched.
var (
	// ErrNoScales means the network carries no detection outputs.
	ErrNoScales = errors.New("network has no detection scales")
	// ErrOddOutputCount means the outputs cannot be split into class/box halves.
	ErrOddOutputCount = errors.New("output count is not an even class/box pairing")
	// ErrAnchorMismatch means the anchor set length disagrees with the scale count.
	ErrAnchorMismatch = errors.New("anchor set length does not match scale count")
)

// FuseConfig parameterizes the detection-head rewrite.
type FuseConfig struct {
	// ScoreThreshold filters decode candidates.
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold"`
	// TopN bounds candidates kept per scale per image.
	TopN int `json:"top_n" yaml:"top_n"`
	// Anchors holds one flat anchor list per detection scale.
	Anchors [][]float32 `json:"anchors" yaml:"anchors"`
	// Rotated selects the rotated-box plugin variants.
	Rotated bool `json:"rotated" yaml:"rotated"`
	// NMSThreshold is the suppression IoU threshold.
	NMSThreshold float32 `json:"nms_threshold" yaml:"nms_threshold"`
	// DetectionsPerImage is the fixed size of the final detection set.
	DetectionsPerImage int `json:"detections_per_image" yaml:"detections_per_image"`
}

// OutputNames are the three fused detection outputs, in their fixed order.
var OutputNames = []string{"scores", "boxes", "classes"}

// Fuse rewrites a parsed detection network in place: the 2S per-scale
// class/box output maps are fed through S decode plugins and one NMS plugin,
// and the output set is replaced wholesale by the plugin's three tensors,
// named "scores", "boxes", "classes".
//
// The pre-fusion output invariant is two contiguous halves: outputs [0, S)
// are per-scale class maps and outputs [S, 2S) the paired box maps, matched
// by index. The per-scale stride is derived as inputHeight / classMapHeight.
//
// Fail-fast: any configuration mismatch (no scales, odd output count, anchor
// set length != S, degenerate map shapes) returns an error before any graph
// mutation, so the caller's network is still usable. On success the mutation
// is irreversible and pre-fusion output references must not be reused.
func Fuse(net *Network, cfg FuseConfig) error {
	nbOutputs := net.NumOutputs()
	if nbOutputs == 0 {
		return ErrNoScales
	}
	if nbOutputs%2 != 0 {
		return fmt.Errorf("%w: %d outputs", ErrOddOutputCount, nbOutputs)
	}
	scales := nbOutputs / 2
	if len(cfg.Anchors) != scales {
		return fmt.Errorf("%w: %d anchor lists for %d scales", ErrAnchorMismatch, len(cfg.Anchors), scales)
	}
	if net.NumInputs() == 0 {
		return errors.New("network has no input")
	}

	inputH := net.Input(0).Shape[2]
	strides := make([]int, scales)
	for i := 0; i < scales; i++ {
		cls := net.Output(i)
		box := net.Output(scales + i)
		if len(cls.Shape) != 4 || len(box.Shape) != 4 {
			return fmt.Errorf("scale %d: outputs %q/%q are not 4D feature maps", i, cls.Name, box.Name)
		}
		if cls.Shape[2] <= 0 {
			return fmt.Errorf("scale %d: class map %q has no spatial extent", i, cls.Name)
		}
		strides[i] = inputH / cls.Shape[2]
	}

	// Validation done; mutate from here on.
	originals := net.Outputs()
	var scores, boxes, classes []*Tensor
	for i := 0; i < scales; i++ {
		params := postprocess.DecodeParams{
			ScoreThreshold: cfg.ScoreThreshold,
			TopN:           cfg.TopN,
			Anchors:        cfg.Anchors[i],
			Stride:         strides[i],
		}
		node, err := net.AddDecode(fmt.Sprintf("decode%d", i), originals[i], originals[scales+i], params, cfg.Rotated)
		if err != nil {
			return err
		}
		scores = append(scores, node.Outputs[0])
		boxes = append(boxes, node.Outputs[1])
		classes = append(classes, node.Outputs[2])
	}

	// Concat each accumulator across scales, ascending scale order.
	catScores, err := net.AddConcat("cat_scores", 1, scores...)
	if err != nil {
		return err
	}
	catBoxes, err := net.AddConcat("cat_boxes", 1, boxes...)
	if err != nil {
		return err
	}
	catClasses, err := net.AddConcat("cat_classes", 1, classes...)
	if err != nil {
		return err
	}

	nms, err := net.AddNMS("nms", catScores, catBoxes, catClasses, postprocess.NMSParams{
		IoUThreshold:       cfg.NMSThreshold,
		DetectionsPerImage: cfg.DetectionsPerImage,
	}, cfg.Rotated)
	if err != nil {
		return err
	}

	// Commit: the old output set is dropped wholesale and the three plugin
	// outputs become the network's only outputs, under their fixed names.
	for i, out := range nms.Outputs {
		net.Rename(out, OutputNames[i])
	}
	net.ReplaceOutputs(nms.Outputs)
	return nil
}

// Strides returns the per-scale stride of every decode plugin in the
// network, in insertion (scale) order. Empty before fusion.
func Strides(net *Network) []int {
	var out []int
	for _, node := range net.Nodes() {
		if node.Op == OpDecode || node.Op == OpDecodeRotated {
			out = append(out, node.Decode.Stride)
		}
	}
	return out
}
