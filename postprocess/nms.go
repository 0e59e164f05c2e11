package postprocess

import (
	"fmt"
	"sort"

	"github.com/nvr-ai/go-engine/images"
	"gorgonia.org/tensor"
)

// SuppressAll filters the concatenated multi-scale candidates with greedy,
// class-aware non-max suppression into a fixed-size ranked set.
//
// Input contract: scores [N, K], boxes [N, K, 4], classes [N, K] with
// candidates ranked arbitrarily; empty slots carry class -1.
// Output contract: scores [N, D], boxes [N, D, 4], classes [N, D] ranked by
// descending score, zero-padded (classes padded with -1), where D is
// p.DetectionsPerImage.
//
// Arguments:
//   - scores: Concatenated candidate scores across all scales.
//   - boxes: Concatenated candidate boxes.
//   - classes: Concatenated candidate class indices.
//   - p: The suppression parameters.
//
// Returns:
//   - *tensor.Dense: Final detection scores.
//   - *tensor.Dense: Final detection boxes.
//   - *tensor.Dense: Final detection class indices.
//   - error: An error if the input shapes violate the contract.
func SuppressAll(scores, boxes, classes *tensor.Dense, p NMSParams) (*tensor.Dense, *tensor.Dense, *tensor.Dense, error) {
	overlap := func(a, b []float32) float32 {
		ra := images.Rect{X1: a[0], Y1: a[1], X2: a[2], Y2: a[3]}
		rb := images.Rect{X1: b[0], Y1: b[1], X2: b[2], Y2: b[3]}
		return ra.IoU(rb)
	}
	return suppress(scores, boxes, classes, p, 4, overlap)
}

// SuppressRotated is the rotated-box variant of SuppressAll: boxes is
// [N, K, 5] as (cx, cy, w, h, theta) and overlap uses oriented-box IoU.
func SuppressRotated(scores, boxes, classes *tensor.Dense, p NMSParams) (*tensor.Dense, *tensor.Dense, *tensor.Dense, error) {
	overlap := func(a, b []float32) float32 {
		ra := images.RotatedRect{CX: a[0], CY: a[1], W: a[2], H: a[3], Theta: a[4]}
		rb := images.RotatedRect{CX: b[0], CY: b[1], W: b[2], H: b[3], Theta: b[4]}
		return ra.IoU(rb)
	}
	return suppress(scores, boxes, classes, p, 5, overlap)
}

func suppress(scores, boxes, classes *tensor.Dense, p NMSParams, bv int,
	overlap func(a, b []float32) float32,
) (*tensor.Dense, *tensor.Dense, *tensor.Dense, error) {
	if p.DetectionsPerImage <= 0 {
		return nil, nil, nil, fmt.Errorf("detections_per_image must be positive, got %d", p.DetectionsPerImage)
	}
	ss := scores.Shape()
	bs := boxes.Shape()
	cs := classes.Shape()
	if len(ss) != 2 || len(cs) != 2 || len(bs) != 3 {
		return nil, nil, nil, fmt.Errorf("suppress expects [N,K], [N,K,%d], [N,K], got %v %v %v", bv, ss, bs, cs)
	}
	n, k := ss[0], ss[1]
	if bs[0] != n || bs[1] != k || bs[2] != bv || cs[0] != n || cs[1] != k {
		return nil, nil, nil, fmt.Errorf("candidate tensors disagree: %v %v %v", ss, bs, cs)
	}

	scoreData := scores.Data().([]float32)
	boxData := boxes.Data().([]float32)
	classData := classes.Data().([]float32)

	d := p.DetectionsPerImage
	outScores := make([]float32, n*d)
	outBoxes := make([]float32, n*d*bv)
	outClasses := make([]float32, n*d)
	for i := range outClasses {
		outClasses[i] = -1
	}

	for img := 0; img < n; img++ {
		order := make([]int, 0, k)
		for i := 0; i < k; i++ {
			if classData[img*k+i] >= 0 && scoreData[img*k+i] > 0 {
				order = append(order, i)
			}
		}
		sort.SliceStable(order, func(a, b int) bool {
			return scoreData[img*k+order[a]] > scoreData[img*k+order[b]]
		})

		kept := 0
		used := make([]bool, len(order))
		for i := 0; i < len(order) && kept < d; i++ {
			if used[i] {
				continue
			}
			idx := order[i]
			box := boxData[(img*k+idx)*bv : (img*k+idx+1)*bv]

			outScores[img*d+kept] = scoreData[img*k+idx]
			outClasses[img*d+kept] = classData[img*k+idx]
			copy(outBoxes[(img*d+kept)*bv:], box)
			kept++

			// Suppress lower-scoring overlaps of the same class.
			for j := i + 1; j < len(order); j++ {
				if used[j] {
					continue
				}
				jdx := order[j]
				if classData[img*k+jdx] != classData[img*k+idx] {
					continue
				}
				other := boxData[(img*k+jdx)*bv : (img*k+jdx+1)*bv]
				if overlap(box, other) > p.IoUThreshold {
					used[j] = true
				}
			}
		}
	}

	return tensor.New(tensor.WithShape(n, d), tensor.WithBacking(outScores)),
		tensor.New(tensor.WithShape(n, d, bv), tensor.WithBacking(outBoxes)),
		tensor.New(tensor.WithShape(n, d), tensor.WithBacking(outClasses)),
		nil
}
