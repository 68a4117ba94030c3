// Package keypoints contains ORB features for a gray image:
// - FAST corners with an intensity-centroid orientation
// - steered BRIEF descriptors computed over an image pyramid
// - Hamming distance matching
package keypoints

import (
	"image"
	"math"

	"github.com/golang/geo/r2"

	rutils "go.viam.com/posegraph/utils"
)

// halfPatchSize is the radius of the circular patch used for orientation and descriptors.
const halfPatchSize = 15

// umax[v] is the half width of the circular patch at row offset v.
var umax = [halfPatchSize + 1]int{15, 15, 15, 15, 14, 14, 14, 13, 13, 12, 11, 10, 9, 8, 6, 3}

// KeyPoint is a detected corner. Pt is in level-0 pixel coordinates; Octave is the pyramid level
// it was found on and Angle its orientation in radians.
type KeyPoint struct {
	Pt       r2.Point
	Octave   int
	Angle    float64
	Response float64
}

// KeyPoints is a set of keypoints.
type KeyPoints []KeyPoint

// Points returns the pixel locations of the keypoints.
func (kps KeyPoints) Points() []r2.Point {
	out := make([]r2.Point, len(kps))
	for i, kp := range kps {
		out[i] = kp.Pt
	}
	return out
}

// computeOrientation returns the direction from (x, y) to the intensity centroid of the circular
// patch around it.
func computeOrientation(img *image.Gray, x, y int) float64 {
	b := img.Bounds()
	if x-halfPatchSize < b.Min.X || y-halfPatchSize < b.Min.Y ||
		x+halfPatchSize >= b.Max.X || y+halfPatchSize >= b.Max.Y {
		return computeOrientationClamped(img, x, y)
	}
	var m01, m10 int
	center := img.PixOffset(x, y)
	step := img.Stride
	for u := -halfPatchSize; u <= halfPatchSize; u++ {
		m10 += u * int(img.Pix[center+u])
	}
	for v := 1; v <= halfPatchSize; v++ {
		vSum := 0
		d := umax[v]
		for u := -d; u <= d; u++ {
			plus := int(img.Pix[center+u+v*step])
			minus := int(img.Pix[center+u-v*step])
			vSum += plus - minus
			m10 += u * (plus + minus)
		}
		m01 += v * vSum
	}
	return math.Atan2(float64(m01), float64(m10))
}

// computeOrientationClamped treats pixels outside the image as black.
func computeOrientationClamped(img *image.Gray, x, y int) float64 {
	var m01, m10 int
	for v := -halfPatchSize; v <= halfPatchSize; v++ {
		d := umax[rutils.AbsInt(v)]
		for u := -d; u <= d; u++ {
			val := int(img.GrayAt(x+u, y+v).Y)
			m10 += u * val
			m01 += v * val
		}
	}
	return math.Atan2(float64(m01), float64(m10))
}
