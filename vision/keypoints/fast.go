package keypoints

import (
	"image"

	"github.com/golang/geo/r2"
)

// fastArcLength is the number of contiguous circle pixels that must all be brighter or all be
// darker than the center.
const fastArcLength = 9

// circleOffsets is the Bresenham circle of radius 3, clockwise from the top.
var circleOffsets = [16]image.Point{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// DetectFAST finds FAST-9 corners inside rect. Pixels closer than 3 to the edge of rect are not
// tested. The response of a corner is the larger of the summed bright and dark differences
// beyond the threshold. With nonMaxSuppression only corners whose response is the maximum of their
// 3x3 neighborhood are kept.
func DetectFAST(img *image.Gray, rect image.Rectangle, threshold int, nonMaxSuppression bool) KeyPoints {
	rect = rect.Intersect(img.Bounds())
	x0, x1 := rect.Min.X+3, rect.Max.X-3
	y0, y1 := rect.Min.Y+3, rect.Max.Y-3
	if x1 <= x0 || y1 <= y0 {
		return nil
	}
	w, h := x1-x0, y1-y0

	var offsets [16]int
	for i, o := range circleOffsets {
		offsets[i] = o.Y*img.Stride + o.X
	}

	scores := make([]int, w*h)
	var candidates []image.Point
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if s := cornerScore(img.Pix, img.PixOffset(x, y), &offsets, threshold); s > 0 {
				scores[(y-y0)*w+x-x0] = s
				candidates = append(candidates, image.Point{x, y})
			}
		}
	}

	kps := make(KeyPoints, 0, len(candidates))
	for _, c := range candidates {
		cx, cy := c.X-x0, c.Y-y0
		if nonMaxSuppression && !isLocalMax(scores, w, h, cx, cy) {
			continue
		}
		kps = append(kps, KeyPoint{
			Pt:       r2.Point{X: float64(c.X), Y: float64(c.Y)},
			Response: float64(scores[cy*w+cx]),
		})
	}
	return kps
}

func cornerScore(pix []uint8, idx int, offsets *[16]int, threshold int) int {
	c := int(pix[idx])
	hi, lo := c+threshold, c-threshold

	// any arc of 9 covers at least two of the four cardinal pixels
	var nBright, nDark int
	for k := 0; k < 16; k += 4 {
		switch v := int(pix[idx+offsets[k]]); {
		case v > hi:
			nBright++
		case v < lo:
			nDark++
		}
	}
	if nBright < 2 && nDark < 2 {
		return 0
	}

	var vals [16]int
	for k := range vals {
		vals[k] = int(pix[idx+offsets[k]])
	}
	if !hasArc(&vals, hi, lo) {
		return 0
	}
	var sumBright, sumDark int
	for _, v := range vals {
		switch {
		case v > hi:
			sumBright += v - hi
		case v < lo:
			sumDark += lo - v
		}
	}
	if sumBright > sumDark {
		return sumBright
	}
	return sumDark
}

func hasArc(vals *[16]int, hi, lo int) bool {
	bright, dark := 0, 0
	for k := 0; k < 16+fastArcLength-1; k++ {
		v := vals[k%16]
		if v > hi {
			bright++
			if bright >= fastArcLength {
				return true
			}
		} else {
			bright = 0
		}
		if v < lo {
			dark++
			if dark >= fastArcLength {
				return true
			}
		} else {
			dark = 0
		}
	}
	return false
}

// isLocalMax keeps one corner per plateau by preferring the first one in scan order.
func isLocalMax(scores []int, w, h, x, y int) bool {
	s := scores[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			n := scores[ny*w+nx]
			if n > s || (n == s && (dy < 0 || (dy == 0 && dx < 0))) {
				return false
			}
		}
	}
	return true
}
