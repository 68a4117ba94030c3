package transform

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/posegraph/spatialmath"
)

var testIntrinsics = &PinholeCameraIntrinsics{
	Width: 640, Height: 480,
	Fx: 500, Fy: 500,
	Ppx: 320, Ppy: 240,
}

// makeScene returns random non-planar points in front of a camera at pose together with their projections.
func makeScene(t *testing.T, rng *rand.Rand, pose spatialmath.Pose, n int) ([]r3.Vector, []r2.Point) {
	t.Helper()
	obj := make([]r3.Vector, 0, n)
	img := make([]r2.Point, 0, n)
	inv := spatialmath.PoseInverse(pose)
	for len(obj) < n {
		// sample in the camera frame so every point is visible
		pc := r3.Vector{X: rng.Float64()*6 - 3, Y: rng.Float64()*4 - 2, Z: 4 + rng.Float64()*8}
		px, ok := testIntrinsics.PointToPixel(pc)
		if !ok || !testIntrinsics.InImage(px) {
			continue
		}
		obj = append(obj, spatialmath.TransformPoint(inv, pc))
		img = append(img, px)
	}
	return obj, img
}

func TestIntrinsics(t *testing.T) {
	test.That(t, testIntrinsics.CheckValid(), test.ShouldBeNil)
	var nilIntrinsics *PinholeCameraIntrinsics
	test.That(t, errors.Is(nilIntrinsics.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)
	test.That(t, (&PinholeCameraIntrinsics{Width: 1, Height: 1, Fx: -1}).CheckValid(), test.ShouldNotBeNil)

	p := testIntrinsics.PixelToPoint(420, 140, 5)
	test.That(t, p.X, test.ShouldAlmostEqual, 1)
	test.That(t, p.Y, test.ShouldAlmostEqual, -1)
	px, ok := testIntrinsics.PointToPixel(p)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, px.X, test.ShouldAlmostEqual, 420)
	test.That(t, px.Y, test.ShouldAlmostEqual, 140)

	_, ok = testIntrinsics.PointToPixel(r3.Vector{X: 1, Y: 1, Z: -1})
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, testIntrinsics.InImage(r2.Point{X: 640, Y: 10}), test.ShouldBeFalse)

	k := testIntrinsics.K()
	test.That(t, k.At(0, 2), test.ShouldEqual, 320.)
	test.That(t, k.At(2, 2), test.ShouldEqual, 1.)

	stereo := &StereoCamera{PinholeCameraIntrinsics: *testIntrinsics, Bf: 50}
	test.That(t, stereo.Baseline(), test.ShouldAlmostEqual, 0.1)
	test.That(t, stereo.DepthFromDisparity(10), test.ShouldAlmostEqual, 5)
	test.That(t, stereo.DepthFromDisparity(0), test.ShouldEqual, -1.)
	test.That(t, stereo.RightU(100, 5), test.ShouldAlmostEqual, 90)
}

func TestDLTExact(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	truth := spatialmath.NewPose(r3.Vector{X: 0.3, Y: -0.1, Z: 0.8}, &spatialmath.R4AA{Theta: 0.2, RX: 0.1, RY: 1, RZ: 0})
	obj, img := makeScene(t, rng, truth, 6)
	model := newPnPModel(obj, img, testIntrinsics, 1)
	pose, ok := model.fit([]int{0, 1, 2, 3, 4, 5})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.PoseAlmostEqualEps(pose, truth, 1e-6), test.ShouldBeTrue)
	test.That(t, len(model.inliers(pose)), test.ShouldEqual, 6)
}

func TestSolvePnPRansac(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	truth := spatialmath.NewPose(r3.Vector{X: -0.5, Y: 0.05, Z: 1.2}, &spatialmath.R4AA{Theta: 0.15, RX: 0, RY: 1, RZ: 0.1})
	obj, img := makeScene(t, rng, truth, 120)

	// corrupt the last 30 correspondences and add pixel noise to the rest
	const numGood = 90
	for i := range img {
		if i >= numGood {
			img[i] = r2.Point{X: rng.Float64() * 640, Y: rng.Float64() * 480}
			continue
		}
		img[i] = img[i].Add(r2.Point{X: rng.NormFloat64() * 0.3, Y: rng.NormFloat64() * 0.3})
	}

	res, err := SolvePnPRansac(obj, img, testIntrinsics, DefaultPnPConfig(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqualEps(res.Pose, truth, 2e-2), test.ShouldBeTrue)
	test.That(t, len(res.Inliers), test.ShouldBeGreaterThanOrEqualTo, numGood-3)
	test.That(t, len(res.Inliers), test.ShouldBeLessThanOrEqualTo, len(obj))
	test.That(t, res.Tvec.Sub(truth.Point()).Norm(), test.ShouldBeLessThan, 0.05)
	test.That(t, res.Rvec.Norm(), test.ShouldAlmostEqual, 0.15, 1e-2)

	// inliers are sorted and unique
	for i := 1; i < len(res.Inliers); i++ {
		test.That(t, res.Inliers[i], test.ShouldBeGreaterThan, res.Inliers[i-1])
	}
}

func TestSolvePnPRansacPrior(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	truth := spatialmath.NewPoseFromPoint(r3.Vector{X: 0, Y: 0, Z: 0.5})
	obj, img := makeScene(t, rng, truth, 40)

	cfg := DefaultPnPConfig()
	cfg.Iterations = 1
	res, err := SolvePnPRansac(obj, img, testIntrinsics, cfg, truth)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Inliers), test.ShouldEqual, 40)
	test.That(t, spatialmath.PoseAlmostEqualEps(res.Pose, truth, 1e-4), test.ShouldBeTrue)
}

func TestSolvePnPRansacErrors(t *testing.T) {
	_, err := SolvePnPRansac(make([]r3.Vector, 5), make([]r2.Point, 5), testIntrinsics, DefaultPnPConfig(), nil)
	test.That(t, errors.Is(err, ErrNotEnoughCorrespondences), test.ShouldBeTrue)

	_, err = SolvePnPRansac(make([]r3.Vector, 7), make([]r2.Point, 6), testIntrinsics, DefaultPnPConfig(), nil)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = SolvePnPRansac(make([]r3.Vector, 6), make([]r2.Point, 6), nil, DefaultPnPConfig(), nil)
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)

	// every point at the same location gives no usable hypothesis
	obj := make([]r3.Vector, 10)
	img := make([]r2.Point, 10)
	for i := range obj {
		obj[i] = r3.Vector{X: 0, Y: 0, Z: 5}
		img[i] = r2.Point{X: 320, Y: 240}
	}
	_, err = SolvePnPRansac(obj, img, testIntrinsics, DefaultPnPConfig(), nil)
	test.That(t, errors.Is(err, ErrNoConsensus), test.ShouldBeTrue)
}

func TestRefinePose(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	truth := spatialmath.NewPose(r3.Vector{X: 0.2, Y: 0.1, Z: -0.3}, &spatialmath.R4AA{Theta: 0.05, RX: 1})
	obj, img := makeScene(t, rng, truth, 50)

	start := spatialmath.Compose(truth, spatialmath.NewPose(r3.Vector{X: 0.05, Y: -0.04, Z: 0.1}, &spatialmath.R4AA{Theta: 0.02, RY: 1}))
	refined, err := RefinePose(obj, img, testIntrinsics, start, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, refined.Point().Sub(truth.Point()).Norm(), test.ShouldBeLessThan, 1e-3)

	_, err = RefinePose(obj[:2], img[:2], testIntrinsics, start, 2)
	test.That(t, errors.Is(err, ErrNotEnoughCorrespondences), test.ShouldBeTrue)
}

func TestNormOfTransform(t *testing.T) {
	test.That(t, NormOfTransform(r3.Vector{}, r3.Vector{}), test.ShouldEqual, 0.)
	test.That(t, NormOfTransform(r3.Vector{X: 0, Y: 0, Z: 0.5}, r3.Vector{X: 3, Y: 4, Z: 0}), test.ShouldAlmostEqual, 5.5)
	// an angle close to 2π is a small rotation
	test.That(t, NormOfTransform(r3.Vector{X: 2*math.Pi - 0.1, Y: 0, Z: 0}, r3.Vector{}), test.ShouldAlmostEqual, 0.1)
}

func TestHuberLoss(t *testing.T) {
	test.That(t, HuberLoss(1, 4), test.ShouldEqual, 1.)
	test.That(t, HuberLoss(16, 4), test.ShouldAlmostEqual, 12)
}

func TestUpdateNumIters(t *testing.T) {
	test.That(t, updateNumIters(0.99, 0, 6, 200), test.ShouldEqual, 0)
	test.That(t, updateNumIters(0.99, 0.5, 6, 200), test.ShouldEqual, 200)
	n := updateNumIters(0.99, 0.2, 6, 200)
	test.That(t, n, test.ShouldBeGreaterThan, 0)
	test.That(t, n, test.ShouldBeLessThan, 200)
}

func TestPnPConfigValidate(t *testing.T) {
	cfg := DefaultPnPConfig()
	test.That(t, cfg.Validate("path"), test.ShouldBeNil)
	cfg.Iterations = 0
	test.That(t, cfg.Validate("path"), test.ShouldNotBeNil)
	cfg = DefaultPnPConfig()
	cfg.ReprojectionError = 0
	test.That(t, cfg.Validate("path"), test.ShouldNotBeNil)
}
