package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose represents a rigid transform in 3D space: a rotation followed by a translation.
// A camera pose Tcw maps world points into the camera frame; its inverse Twc places the
// camera in the world.
type Pose interface {
	Point() r3.Vector
	Orientation() Orientation
}

type pose struct {
	point       r3.Vector
	orientation quat.Number
}

// NewZeroPose returns a pose at (0,0,0) with no rotation.
func NewZeroPose() Pose {
	return &pose{orientation: quat.Number{Real: 1}}
}

// NewPose returns a pose at the given point with the given orientation.
func NewPose(p r3.Vector, o Orientation) Pose {
	if o == nil {
		return NewPoseFromPoint(p)
	}
	return &pose{point: p, orientation: Normalize(o.Quaternion())}
}

// NewPoseFromPoint returns a pose at the given point with no rotation.
func NewPoseFromPoint(p r3.Vector) Pose {
	return &pose{point: p, orientation: quat.Number{Real: 1}}
}

// NewPoseFromOrientation returns a pose at the origin with the given orientation.
func NewPoseFromOrientation(o Orientation) Pose {
	return NewPose(r3.Vector{}, o)
}

func (p *pose) Point() r3.Vector {
	return p.point
}

func (p *pose) Orientation() Orientation {
	q := Quaternion(p.orientation)
	return &q
}

func (p *pose) String() string {
	return fmt.Sprintf("{X:%.4f Y:%.4f Z:%.4f QW:%.4f QX:%.4f QY:%.4f QZ:%.4f}",
		p.point.X, p.point.Y, p.point.Z,
		p.orientation.Real, p.orientation.Imag, p.orientation.Jmag, p.orientation.Kmag)
}

// Compose returns a·b, the transform applying b first and then a.
func Compose(a, b Pose) Pose {
	qa := a.Orientation().Quaternion()
	return &pose{
		point:       a.Point().Add(RotateVector(qa, b.Point())),
		orientation: Normalize(quat.Mul(qa, b.Orientation().Quaternion())),
	}
}

// PoseInverse returns the inverse of p.
func PoseInverse(p Pose) Pose {
	qInv := quat.Conj(Normalize(p.Orientation().Quaternion()))
	return &pose{
		point:       RotateVector(qInv, p.Point()).Mul(-1),
		orientation: qInv,
	}
}

// PoseBetween returns a⁻¹·b, the transform taking a to b.
func PoseBetween(a, b Pose) Pose {
	return Compose(PoseInverse(a), b)
}

// TransformPoint maps v through p.
func TransformPoint(p Pose, v r3.Vector) r3.Vector {
	return p.Point().Add(RotateVector(p.Orientation().Quaternion(), v))
}

// RotateVector rotates v by the unit quaternion q.
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	u := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	t := u.Cross(v).Mul(2)
	return v.Add(t.Mul(q.Real)).Add(u.Cross(t))
}

// PoseAlmostEqual will return a bool describing whether 2 poses are approximately the same.
func PoseAlmostEqual(a, b Pose) bool {
	return PoseAlmostEqualEps(a, b, 1e-6)
}

// PoseAlmostEqualEps compares translations component-wise and orientations by quaternion within eps.
func PoseAlmostEqualEps(a, b Pose, eps float64) bool {
	pa, pb := a.Point(), b.Point()
	if math.Abs(pa.X-pb.X) > eps || math.Abs(pa.Y-pb.Y) > eps || math.Abs(pa.Z-pb.Z) > eps {
		return false
	}
	return QuaternionAlmostEqual(a.Orientation().Quaternion(), b.Orientation().Quaternion(), eps)
}
