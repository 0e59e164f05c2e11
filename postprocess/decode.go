package postprocess

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// candidate is one decoded detection prior to suppression.
type candidate struct {
	score float32
	class float32
	box   []float32
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// DecodeScale turns one scale's raw classification and box-regression
// feature maps into ranked candidate detections.
//
// Input contract: scores is [N, A*C, H, W] and boxes is [N, A*4, H, W],
// where A is the anchor count implied by p.Anchors and C the class count.
// Output contract: scores [N, TopN], boxes [N, TopN, 4], classes [N, TopN],
// ranked by descending score and zero-padded (classes padded with -1).
//
// Arguments:
//   - scores: The raw per-scale classification map.
//   - boxes: The raw per-scale box-regression map.
//   - p: The decode parameters for this scale.
//
// Returns:
//   - *tensor.Dense: Candidate scores.
//   - *tensor.Dense: Candidate boxes in input-image coordinates.
//   - *tensor.Dense: Candidate class indices.
//   - error: An error if the input shapes violate the contract.
func DecodeScale(scores, boxes *tensor.Dense, p DecodeParams) (*tensor.Dense, *tensor.Dense, *tensor.Dense, error) {
	return decodeScale(scores, boxes, p, false)
}

// DecodeRotatedScale is the rotated-box variant of DecodeScale: boxes is
// [N, A*5, H, W] and the output boxes are [N, TopN, 5] as
// (cx, cy, w, h, theta).
func DecodeRotatedScale(scores, boxes *tensor.Dense, p DecodeParams) (*tensor.Dense, *tensor.Dense, *tensor.Dense, error) {
	return decodeScale(scores, boxes, p, true)
}

func decodeScale(scores, boxes *tensor.Dense, p DecodeParams, rotated bool) (*tensor.Dense, *tensor.Dense, *tensor.Dense, error) {
	bv := p.BoxValues(rotated)
	numAnchors := p.NumAnchors(rotated)
	if numAnchors == 0 || len(p.Anchors)%bv != 0 {
		return nil, nil, nil, fmt.Errorf("anchor list length %d is not a multiple of %d", len(p.Anchors), bv)
	}
	if p.TopN <= 0 {
		return nil, nil, nil, fmt.Errorf("top_n must be positive, got %d", p.TopN)
	}

	ss := scores.Shape()
	bs := boxes.Shape()
	if len(ss) != 4 || len(bs) != 4 {
		return nil, nil, nil, fmt.Errorf("decode expects 4D feature maps, got %v and %v", ss, bs)
	}
	n, sc, h, w := ss[0], ss[1], ss[2], ss[3]
	if bs[0] != n || bs[2] != h || bs[3] != w {
		return nil, nil, nil, fmt.Errorf("score map %v and box map %v disagree", ss, bs)
	}
	if sc%numAnchors != 0 {
		return nil, nil, nil, fmt.Errorf("score channels %d not divisible by %d anchors", sc, numAnchors)
	}
	if bs[1] != numAnchors*bv {
		return nil, nil, nil, fmt.Errorf("box map has %d channels, want %d", bs[1], numAnchors*bv)
	}
	numClasses := sc / numAnchors

	scoreData := scores.Data().([]float32)
	boxData := boxes.Data().([]float32)

	outScores := make([]float32, n*p.TopN)
	outBoxes := make([]float32, n*p.TopN*bv)
	outClasses := make([]float32, n*p.TopN)
	for i := range outClasses {
		outClasses[i] = -1
	}

	plane := h * w
	for img := 0; img < n; img++ {
		var cands []candidate
		for a := 0; a < numAnchors; a++ {
			for c := 0; c < numClasses; c++ {
				ch := a*numClasses + c
				base := (img*sc + ch) * plane
				for y := 0; y < h; y++ {
					for x := 0; x < w; x++ {
						prob := sigmoid(scoreData[base+y*w+x])
						if prob < p.ScoreThreshold {
							continue
						}
						box := regressBox(boxData, img, a, y, x, h, w, numAnchors, bv, p, rotated)
						cands = append(cands, candidate{score: prob, class: float32(c), box: box})
					}
				}
			}
		}

		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
		if len(cands) > p.TopN {
			cands = cands[:p.TopN]
		}
		for i, cand := range cands {
			outScores[img*p.TopN+i] = cand.score
			outClasses[img*p.TopN+i] = cand.class
			copy(outBoxes[(img*p.TopN+i)*bv:], cand.box)
		}
	}

	return tensor.New(tensor.WithShape(n, p.TopN), tensor.WithBacking(outScores)),
		tensor.New(tensor.WithShape(n, p.TopN, bv), tensor.WithBacking(outBoxes)),
		tensor.New(tensor.WithShape(n, p.TopN), tensor.WithBacking(outClasses)),
		nil
}

// regressBox applies the regression deltas at one feature-map cell to the
// anchor shifted to that cell, yielding input-image coordinates.
func regressBox(boxData []float32, img, a, y, x, h, w, numAnchors, bv int, p DecodeParams, rotated bool) []float32 {
	plane := h * w
	at := func(v int) float32 {
		ch := a*bv + v
		return boxData[(img*numAnchors*bv+ch)*plane+y*w+x]
	}

	stride := float32(p.Stride)
	ax1 := p.Anchors[a*bv+0] + float32(x)*stride
	ay1 := p.Anchors[a*bv+1] + float32(y)*stride
	ax2 := p.Anchors[a*bv+2] + float32(x)*stride
	ay2 := p.Anchors[a*bv+3] + float32(y)*stride

	aw := ax2 - ax1 + 1
	ah := ay2 - ay1 + 1
	acx := ax1 + 0.5*aw
	acy := ay1 + 0.5*ah

	cx := acx + at(0)*aw
	cy := acy + at(1)*ah
	pw := aw * math32.Exp(at(2))
	ph := ah * math32.Exp(at(3))

	if rotated {
		theta := p.Anchors[a*bv+4] + at(4)
		return []float32{cx, cy, pw, ph, theta}
	}
	return []float32{cx - 0.5*pw, cy - 0.5*ph, cx + 0.5*pw, cy + 0.5*ph}
}
