package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// PoseToTangent returns the minimal coordinates of p: its translation followed by its rotation vector.
func PoseToTangent(p Pose) [6]float64 {
	t := p.Point()
	r := QuatToR3AA(p.Orientation().Quaternion())
	return [6]float64{t.X, t.Y, t.Z, r.X, r.Y, r.Z}
}

// PoseFromTangent is the inverse of PoseToTangent.
func PoseFromTangent(v [6]float64) Pose {
	return NewPose(r3.Vector{X: v[0], Y: v[1], Z: v[2]}, R3ToR4(r3.Vector{X: v[3], Y: v[4], Z: v[5]}))
}

// PoseToVectorQuat returns the translation of p followed by the imaginary part of its unit
// quaternion, with the sign chosen so the real part is non-negative.
func PoseToVectorQuat(p Pose) [6]float64 {
	t := p.Point()
	q := Normalize(p.Orientation().Quaternion())
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return [6]float64{t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag}
}
