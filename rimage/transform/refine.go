package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/posegraph/spatialmath"
)

// behindCameraError is the squared reprojection error charged to a point that projects behind the camera.
const behindCameraError = 1e4

// RefinePose minimizes the Huber-weighted reprojection error of the correspondences starting from
// initial. The returned pose is never worse than initial under that cost.
func RefinePose(
	obj []r3.Vector,
	img []r2.Point,
	intr *PinholeCameraIntrinsics,
	initial spatialmath.Pose,
	delta float64,
) (spatialmath.Pose, error) {
	if len(obj) != len(img) {
		return nil, errors.Errorf("have %d object points but %d image points", len(obj), len(img))
	}
	if len(obj) < 3 {
		return nil, errors.Wrapf(ErrNotEnoughCorrespondences, "have %d, need 3", len(obj))
	}
	delta2 := delta * delta

	cost := func(x []float64) float64 {
		var v [6]float64
		copy(v[:], x)
		pose := spatialmath.PoseFromTangent(v)
		rm := pose.Orientation().RotationMatrix()
		t := pose.Point()
		var sum float64
		for i, p := range obj {
			px, ok := intr.PointToPixel(rm.Mul(p).Add(t))
			if !ok {
				sum += HuberLoss(behindCameraError, delta2)
				continue
			}
			dx, dy := px.X-img[i].X, px.Y-img[i].Y
			sum += HuberLoss(dx*dx+dy*dy, delta2)
		}
		return sum
	}

	x0 := spatialmath.PoseToTangent(initial)
	f0 := cost(x0[:])
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: 1e-9,
		MajorIterations:   200,
		Converger:         &optimize.FunctionConverge{Absolute: 1e-10, Relative: 1e-10, Iterations: 10},
	}
	result, err := optimize.Minimize(problem, x0[:], settings, &optimize.BFGS{})
	if result == nil {
		return nil, errors.Wrap(err, "pose refinement failed")
	}
	if math.IsNaN(result.F) || result.F > f0 {
		return initial, nil
	}
	var v [6]float64
	copy(v[:], result.X)
	return spatialmath.PoseFromTangent(v), nil
}

// HuberLoss returns the Huber cost of a squared error e2 with threshold delta2 = δ².
func HuberLoss(e2, delta2 float64) float64 {
	if e2 <= delta2 {
		return e2
	}
	return 2*math.Sqrt(e2*delta2) - delta2
}
