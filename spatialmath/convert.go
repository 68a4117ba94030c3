package spatialmath

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ErrBadShape is returned when a matrix does not have the dimensions a conversion needs.
var ErrBadShape = errors.New("matrix has the wrong shape")

// PoseToDense returns the 4x4 homogeneous matrix of p.
func PoseToDense(p Pose) *mat.Dense {
	rm := p.Orientation().RotationMatrix()
	t := p.Point()
	return mat.NewDense(4, 4, []float64{
		rm.At(0, 0), rm.At(0, 1), rm.At(0, 2), t.X,
		rm.At(1, 0), rm.At(1, 1), rm.At(1, 2), t.Y,
		rm.At(2, 0), rm.At(2, 1), rm.At(2, 2), t.Z,
		0, 0, 0, 1,
	})
}

// RotationToDense returns the 3x3 rotation matrix of o.
func RotationToDense(o Orientation) *mat.Dense {
	return mat.NewDense(3, 3, o.RotationMatrix().Data())
}

// VectorToDense returns v as a 3x1 column.
func VectorToDense(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 1, []float64{v.X, v.Y, v.Z})
}

// NewSE3Dense assembles a 4x4 homogeneous matrix from a 3x3 rotation and a 3x1 translation.
func NewSE3Dense(rot, t mat.Matrix) (*mat.Dense, error) {
	if r, c := rot.Dims(); r != 3 || c != 3 {
		return nil, errors.Wrapf(ErrBadShape, "rotation is %dx%d, need 3x3", r, c)
	}
	tv, err := VectorFromDense(t)
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, rot.At(i, j))
		}
	}
	out.Set(0, 3, tv.X)
	out.Set(1, 3, tv.Y)
	out.Set(2, 3, tv.Z)
	out.Set(3, 3, 1)
	return out, nil
}

// VectorFromDense reads a 3x1 or 1x3 matrix as a vector.
func VectorFromDense(m mat.Matrix) (r3.Vector, error) {
	switch r, c := m.Dims(); {
	case r == 3 && c == 1:
		return r3.Vector{X: m.At(0, 0), Y: m.At(1, 0), Z: m.At(2, 0)}, nil
	case r == 1 && c == 3:
		return r3.Vector{X: m.At(0, 0), Y: m.At(0, 1), Z: m.At(0, 2)}, nil
	default:
		return r3.Vector{}, errors.Wrapf(ErrBadShape, "vector is %dx%d, need 3x1 or 1x3", r, c)
	}
}

// RotationMatrixFromDense reads the top-left 3x3 block of m. The block is assumed to be a rotation.
func RotationMatrixFromDense(m mat.Matrix) (*RotationMatrix, error) {
	if r, c := m.Dims(); r < 3 || c < 3 {
		return nil, errors.Wrapf(ErrBadShape, "matrix is %dx%d, need at least 3x3", r, c)
	}
	var rm RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rm.mat[i*3+j] = m.At(i, j)
		}
	}
	return &rm, nil
}

// QuaternionFromDense returns the rotation in the top-left 3x3 block of m as a quaternion.
func QuaternionFromDense(m mat.Matrix) (quat.Number, error) {
	rm, err := RotationMatrixFromDense(m)
	if err != nil {
		return quat.Number{}, err
	}
	return rm.Quaternion(), nil
}

// PoseFromDense reads a 3x4 or 4x4 homogeneous matrix as a pose.
func PoseFromDense(m mat.Matrix) (Pose, error) {
	r, c := m.Dims()
	if (r != 3 && r != 4) || c != 4 {
		return nil, errors.Wrapf(ErrBadShape, "pose is %dx%d, need 3x4 or 4x4", r, c)
	}
	rm, err := RotationMatrixFromDense(m)
	if err != nil {
		return nil, err
	}
	return NewPose(r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}, rm), nil
}

// PoseToMat4 returns p as a column-major mathgl matrix.
func PoseToMat4(p Pose) mgl64.Mat4 {
	rm := p.Orientation().RotationMatrix()
	t := p.Point()
	m := mgl64.Ident4()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			m[col*4+row] = rm.At(row, col)
		}
	}
	m[12], m[13], m[14] = t.X, t.Y, t.Z
	return m
}

// PoseFromMat4 reads a homogeneous mathgl matrix as a pose.
func PoseFromMat4(m mgl64.Mat4) Pose {
	q := mgl64.Mat4ToQuat(m)
	o := Quaternion(quat.Number{Real: q.W, Imag: q.V[0], Jmag: q.V[1], Kmag: q.V[2]})
	return NewPose(r3.Vector{X: m[12], Y: m[13], Z: m[14]}, &o)
}
