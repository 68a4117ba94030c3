// Package posegraph implements a pose-graph optimizer over SE(3): camera poses are vertices,
// relative pose measurements are edges, and the estimates are adjusted to minimize the
// information-weighted, robustified measurement errors.
package posegraph

import (
	"github.com/pkg/errors"

	"go.viam.com/posegraph/spatialmath"
)

var (
	// ErrDuplicateVertex is returned when a vertex id is added twice.
	ErrDuplicateVertex = errors.New("vertex already exists")
	// ErrUnknownVertex is returned when an edge refers to a vertex that was never added.
	ErrUnknownVertex = errors.New("unknown vertex")
	// ErrNotInitialized is returned when optimizing before InitializeOptimization.
	ErrNotInitialized = errors.New("optimization not initialized")
)

// VertexSE3 is a pose to estimate. Fixed vertices anchor the graph and are never updated.
type VertexSE3 struct {
	ID       int
	Estimate spatialmath.Pose
	Fixed    bool
}

// Information is the 6x6 inverse covariance of an edge, ordered translation then rotation.
type Information [6][6]float64

// DiagonalInformation returns an information matrix with the given weights on its diagonal.
func DiagonalInformation(translation, rotation float64) Information {
	var info Information
	for i := 0; i < 3; i++ {
		info[i][i] = translation
		info[i+3][i+3] = rotation
	}
	return info
}

// IdentityInformation is DiagonalInformation(1, 1).
func IdentityInformation() Information {
	return DiagonalInformation(1, 1)
}

// EdgeSE3 measures the pose of vertex To in the frame of vertex From.
type EdgeSE3 struct {
	ID          int
	From        int
	To          int
	Measurement spatialmath.Pose
	Information Information
	// Kernel down-weights large errors. A nil kernel is plain least squares.
	Kernel RobustKernel
}

// ErrorAt returns Z⁻¹·(Xfrom⁻¹·Xto) as a translation and the vector part of its quaternion,
// the g2o EDGE_SE3:QUAT residual. Information matrices read from g2o files weight it unchanged.
func (e *EdgeSE3) ErrorAt(from, to spatialmath.Pose) [6]float64 {
	return spatialmath.PoseToVectorQuat(spatialmath.PoseBetween(e.Measurement, spatialmath.PoseBetween(from, to)))
}

// Chi2At returns eᵀΩe for the given vertex estimates.
func (e *EdgeSE3) Chi2At(from, to spatialmath.Pose) float64 {
	err := e.ErrorAt(from, to)
	return quadraticForm(&e.Information, &err)
}

// robustify returns the robust cost and the weight to apply to the information matrix.
func (e *EdgeSE3) robustify(chi2 float64) (float64, float64) {
	if e.Kernel == nil {
		return chi2, 1
	}
	return e.Kernel.Robustify(chi2)
}

func quadraticForm(m *Information, v *[6]float64) float64 {
	var sum float64
	for r := 0; r < 6; r++ {
		var row float64
		for c := 0; c < 6; c++ {
			row += m[r][c] * v[c]
		}
		sum += v[r] * row
	}
	return sum
}
