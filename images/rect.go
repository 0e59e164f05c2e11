// Package images - box geometry and preprocessing for detection pipelines.
package images

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Rect is a lightweight axis-aligned bounding box in image coordinates.
type Rect struct {
	// X2,Y2 are exclusive (like image.Rectangle).
	X1, Y1, X2, Y2 float32
}

// String formats the box coordinates for display.
func (r Rect) String() string {
	return fmt.Sprintf("(%.2f, %.2f)-(%.2f, %.2f)", r.X1, r.Y1, r.X2, r.Y2)
}

// Area returns the area of the box, zero if degenerate.
func (r Rect) Area() float32 {
	w := r.X2 - r.X1
	h := r.Y2 - r.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU (Intersection over Union) measures the extent of overlap between two
// boxes as intersection area / union area, in [0, 1]. A value of 1 means the
// boxes are identical, 0 means they do not overlap at all. Detections whose
// IoU against a higher-scoring detection exceeds the suppression threshold
// are discarded during NMS.
//
// Arguments:
//   - o: The other box.
//
// Returns:
//   - float32: The IoU score.
func (r Rect) IoU(o Rect) float32 {
	ix1 := math32.Max(r.X1, o.X1)
	iy1 := math32.Max(r.Y1, o.Y1)
	ix2 := math32.Min(r.X2, o.X2)
	iy2 := math32.Min(r.Y2, o.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
