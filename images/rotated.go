package images

import "github.com/chewxy/math32"

// RotatedRect is an oriented bounding box: center, extents, and rotation
// angle Theta in radians (counter-clockwise about the center).
type RotatedRect struct {
	CX, CY, W, H, Theta float32
}

// Corners returns the four corners of the box in counter-clockwise order.
func (r RotatedRect) Corners() [4][2]float32 {
	cos := math32.Cos(r.Theta)
	sin := math32.Sin(r.Theta)
	hw := r.W / 2
	hh := r.H / 2

	var out [4][2]float32
	local := [4][2]float32{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}}
	for i, p := range local {
		out[i][0] = r.CX + p[0]*cos - p[1]*sin
		out[i][1] = r.CY + p[0]*sin + p[1]*cos
	}
	return out
}

// Area returns the area of the box.
func (r RotatedRect) Area() float32 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// IoU computes intersection-over-union between two oriented boxes by
// clipping one quadrilateral against the other (Sutherland-Hodgman) and
// integrating the resulting convex polygon with the shoelace formula.
func (r RotatedRect) IoU(o RotatedRect) float32 {
	inter := polygonIntersectionArea(r.Corners(), o.Corners())
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// polygonIntersectionArea clips subject against each edge of clip and
// returns the area of the surviving polygon. Both inputs must be convex and
// wound counter-clockwise.
func polygonIntersectionArea(subject, clip [4][2]float32) float32 {
	poly := subject[:]
	out := make([][2]float32, 0, 8)

	for e := 0; e < 4; e++ {
		a := clip[e]
		b := clip[(e+1)%4]
		out = out[:0]

		for i := 0; i < len(poly); i++ {
			cur := poly[i]
			prev := poly[(i+len(poly)-1)%len(poly)]

			curIn := cross(a, b, cur) >= 0
			prevIn := cross(a, b, prev) >= 0

			if curIn {
				if !prevIn {
					out = append(out, segmentIntersect(prev, cur, a, b))
				}
				out = append(out, cur)
			} else if prevIn {
				out = append(out, segmentIntersect(prev, cur, a, b))
			}
		}
		if len(out) == 0 {
			return 0
		}
		poly = append(poly[:0:0], out...)
	}

	return polygonArea(poly)
}

func cross(a, b, p [2]float32) float32 {
	return (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
}

func segmentIntersect(p1, p2, a, b [2]float32) [2]float32 {
	d1 := cross(a, b, p1)
	d2 := cross(a, b, p2)
	t := d1 / (d1 - d2)
	return [2]float32{p1[0] + t*(p2[0]-p1[0]), p1[1] + t*(p2[1]-p1[1])}
}

func polygonArea(poly [][2]float32) float32 {
	var area float32
	for i := 0; i < len(poly); i++ {
		j := (i + 1) % len(poly)
		area += poly[i][0]*poly[j][1] - poly[j][0]*poly[i][1]
	}
	return math32.Abs(area) / 2
}
