// Package models - detection label sets for mapping class indices to names.
package models

import "fmt"

// LabelSet maps the class indices an engine emits to human-readable names.
type LabelSet struct {
	family string
	names  []string
}

// NewLabelSet wraps an ordered name list.
func NewLabelSet(family string, names []string) *LabelSet {
	return &LabelSet{family: family, names: names}
}

// Family identifies the label set.
func (s *LabelSet) Family() string { return s.family }

// Len returns the number of known classes.
func (s *LabelSet) Len() int { return len(s.names) }

// Name returns the label for class index i, or a synthetic "class_i" name
// for indices outside the set. Suppression padding uses index -1, which maps
// to "none".
func (s *LabelSet) Name(i int) string {
	if i < 0 {
		return "none"
	}
	if i >= len(s.names) {
		return fmt.Sprintf("class_%d", i)
	}
	return s.names[i]
}

// COCO returns the standard 80-class label set.
func COCO() *LabelSet {
	return NewLabelSet("coco", []string{
		"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
		"truck", "boat", "traffic light", "fire hydrant", "stop sign",
		"parking meter", "bench", "bird", "cat", "dog", "horse", "sheep",
		"cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella",
		"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard",
		"sports ball", "kite", "baseball bat", "baseball glove", "skateboard",
		"surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork",
		"knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
		"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
		"couch", "potted plant", "bed", "dining table", "toilet", "tv",
		"laptop", "mouse", "remote", "keyboard", "cell phone", "microwave",
		"oven", "toaster", "sink", "refrigerator", "book", "clock", "vase",
		"scissors", "teddy bear", "hair drier", "toothbrush",
	})
}
