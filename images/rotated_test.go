package images

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
)

func TestRotatedCorners(t *testing.T) {
	r := RotatedRect{CX: 10, CY: 10, W: 4, H: 2, Theta: 0}
	corners := r.Corners()
	assert.InDelta(t, 8, corners[0][0], 1e-5)
	assert.InDelta(t, 9, corners[0][1], 1e-5)
	assert.InDelta(t, 12, corners[2][0], 1e-5)
	assert.InDelta(t, 11, corners[2][1], 1e-5)

	// A half-turn maps each corner onto the opposite one.
	flipped := RotatedRect{CX: 10, CY: 10, W: 4, H: 2, Theta: math32.Pi}
	assert.InDelta(t, corners[2][0], flipped.Corners()[0][0], 1e-4)
	assert.InDelta(t, corners[2][1], flipped.Corners()[0][1], 1e-4)
}

func TestRotatedIoU(t *testing.T) {
	base := RotatedRect{CX: 0, CY: 0, W: 10, H: 10}

	assert.InDelta(t, 1, base.IoU(base), 1e-5)
	assert.InDelta(t, 0, base.IoU(RotatedRect{CX: 100, CY: 100, W: 10, H: 10}), 1e-5)

	// Rotation about the shared center leaves the octagonal overlap:
	// for a unit square at 45 degrees, intersection = 2*(sqrt(2)-1),
	// union = 2 - intersection.
	quarter := RotatedRect{CX: 0, CY: 0, W: 10, H: 10, Theta: math32.Pi / 4}
	inter := 2 * (math32.Sqrt2 - 1) * 100
	want := inter / (200 - inter)
	assert.InDelta(t, want, base.IoU(quarter), 1e-3)

	// Rotating a square by a right angle is a no-op.
	assert.InDelta(t, 1, base.IoU(RotatedRect{CX: 0, CY: 0, W: 10, H: 10, Theta: math32.Pi / 2}), 1e-4)
}

func TestRotatedIoUPartialOverlap(t *testing.T) {
	a := RotatedRect{CX: 0, CY: 0, W: 10, H: 10}
	b := RotatedRect{CX: 5, CY: 0, W: 10, H: 10}
	// Intersection 5x10 = 50, union 150.
	assert.InDelta(t, 50.0/150.0, a.IoU(b), 1e-4)
}
