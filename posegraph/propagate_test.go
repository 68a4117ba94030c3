package posegraph

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/spatialmath"
)

// newChainGraph starts every vertex but the first at the origin. Odd edges are stored backwards.
func newChainGraph(t *testing.T, truth []spatialmath.Pose) *Optimizer {
	t.Helper()
	opt, err := NewOptimizer(DefaultOptimizerConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	for i, p := range truth {
		est := spatialmath.NewZeroPose()
		if i == 0 {
			est = p
		}
		test.That(t, opt.AddVertex(&VertexSE3{ID: i, Estimate: est, Fixed: i == 0}), test.ShouldBeNil)
	}
	for i := 0; i+1 < len(truth); i++ {
		from, to := i, i+1
		if i%2 == 1 {
			from, to = to, from
		}
		test.That(t, opt.AddEdge(&EdgeSE3{
			ID: i, From: from, To: to,
			Measurement: spatialmath.PoseBetween(truth[from], truth[to]),
			Information: IdentityInformation(),
		}), test.ShouldBeNil)
	}
	return opt
}

func TestComputeInitialGuess(t *testing.T) {
	truth := ringPoses(9)
	for _, cost := range []string{GuessChi2, GuessOdometry} {
		t.Run(cost, func(t *testing.T) {
			opt := newChainGraph(t, truth)
			test.That(t, opt.AddEdge(&EdgeSE3{
				ID: 50, From: 8, To: 0,
				Measurement: spatialmath.PoseBetween(truth[8], truth[0]),
				Information: IdentityInformation(),
			}), test.ShouldBeNil)
			test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
			test.That(t, opt.ComputeInitialGuess(cost), test.ShouldBeNil)
			for i, p := range truth {
				v, _ := opt.Vertex(i)
				test.That(t, spatialmath.PoseAlmostEqualEps(v.Estimate, p, 1e-6), test.ShouldBeTrue)
			}
			test.That(t, opt.ActiveChi2(), test.ShouldBeLessThan, 1e-10)
		})
	}
}

func TestComputeInitialGuessPrefersCheapEdges(t *testing.T) {
	truth := ringPoses(6)
	opt := newChainGraph(t, truth)
	// the odometry cost ignores a wrong shortcut to the last vertex
	wrong := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.01})
	test.That(t, opt.AddEdge(&EdgeSE3{
		ID: 50, From: 0, To: 5, Measurement: wrong, Information: IdentityInformation(),
	}), test.ShouldBeNil)
	test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
	test.That(t, opt.ComputeInitialGuess(GuessOdometry), test.ShouldBeNil)
	v, _ := opt.Vertex(5)
	test.That(t, spatialmath.PoseAlmostEqualEps(v.Estimate, truth[5], 1e-6), test.ShouldBeTrue)
}

func TestComputeInitialGuessUnreachable(t *testing.T) {
	truth := ringPoses(4)
	opt := newChainGraph(t, truth)
	island := spatialmath.NewPoseFromPoint(r3.Vector{X: 1, Y: 2, Z: 3})
	test.That(t, opt.AddVertex(&VertexSE3{ID: 10, Estimate: island}), test.ShouldBeNil)
	test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
	test.That(t, opt.ComputeInitialGuess(GuessChi2), test.ShouldBeNil)
	v, _ := opt.Vertex(10)
	test.That(t, v.Estimate, test.ShouldEqual, island)
	v, _ = opt.Vertex(3)
	test.That(t, spatialmath.PoseAlmostEqualEps(v.Estimate, truth[3], 1e-6), test.ShouldBeTrue)
}

func TestComputeInitialGuessErrors(t *testing.T) {
	opt := newChainGraph(t, ringPoses(3))
	test.That(t, opt.ComputeInitialGuess(GuessChi2), test.ShouldEqual, ErrNotInitialized)
	test.That(t, opt.ComputeInitialGuess(GuessNone), test.ShouldBeNil)
	test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
	test.That(t, opt.ComputeInitialGuess("bfs"), test.ShouldNotBeNil)
}
