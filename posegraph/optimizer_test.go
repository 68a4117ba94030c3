package posegraph

import (
	"context"
	"fmt"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/spatialmath"
)

func TestOptimizeRecoversExactGraph(t *testing.T) {
	truth := ringPoses(12)
	for _, algorithm := range []string{AlgorithmLevenberg, AlgorithmGaussNewton} {
		for _, solver := range []string{SolverDense, SolverPCG, SolverAuto} {
			t.Run(fmt.Sprintf("%s/%s", algorithm, solver), func(t *testing.T) {
				cfg := DefaultOptimizerConfig()
				cfg.Algorithm = algorithm
				cfg.LinearSolver = solver
				cfg.Verbose = false
				opt := newRingGraph(t, cfg, truth, 3)
				test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
				before := opt.ActiveChi2()
				test.That(t, before, test.ShouldBeGreaterThan, 1e-3)

				n, err := opt.Optimize(context.Background(), 50)
				test.That(t, err, test.ShouldBeNil)
				test.That(t, n, test.ShouldBeGreaterThan, 0)
				test.That(t, n, test.ShouldBeLessThanOrEqualTo, 50)
				test.That(t, opt.ActiveChi2(), test.ShouldBeLessThan, 1e-8)
				for i, p := range truth {
					v, ok := opt.Vertex(i)
					test.That(t, ok, test.ShouldBeTrue)
					test.That(t, spatialmath.PoseAlmostEqualEps(v.Estimate, p, 1e-4), test.ShouldBeTrue)
				}
			})
		}
	}
}

func TestOptimizeKeepsFixedVertices(t *testing.T) {
	truth := ringPoses(8)
	cfg := DefaultOptimizerConfig()
	opt := newRingGraph(t, cfg, truth, 5)
	v0, _ := opt.Vertex(0)
	anchor := v0.Estimate
	v4, _ := opt.Vertex(4)
	v4.Fixed = true
	pinned := v4.Estimate

	test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
	_, err := opt.Optimize(context.Background(), 20)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v0.Estimate, test.ShouldEqual, anchor)
	test.That(t, v4.Estimate, test.ShouldEqual, pinned)
}

func TestOptimizeRobustKernelLimitsOutlier(t *testing.T) {
	truth := ringPoses(10)
	run := func(kernel string) float64 {
		cfg := DefaultOptimizerConfig()
		cfg.RobustKernel = kernel
		cfg.Verbose = false
		opt := newRingGraph(t, cfg, truth, 7)
		for _, e := range opt.Edges() {
			e.Information = DiagonalInformation(100, 100)
		}
		bogus := spatialmath.Compose(
			spatialmath.PoseBetween(truth[3], truth[7]),
			spatialmath.NewPoseFromPoint(r3.Vector{X: 4, Y: -3}),
		)
		test.That(t, opt.AddEdge(&EdgeSE3{
			ID: 100, From: 3, To: 7, Measurement: bogus,
			Information: IdentityInformation(), Kernel: cfg.Kernel(),
		}), test.ShouldBeNil)
		test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
		_, err := opt.Optimize(context.Background(), 100)
		test.That(t, err, test.ShouldBeNil)
		return trajectoryError(opt, truth)
	}
	plain := run("none")
	robust := run("Huber")
	test.That(t, robust, test.ShouldBeLessThan, plain)
}

func TestInitializeOptimizationFixesLowestID(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	opt, err := NewOptimizer(DefaultOptimizerConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	for _, id := range []int{7, 3, 5} {
		test.That(t, opt.AddVertex(&VertexSE3{ID: id}), test.ShouldBeNil)
	}
	test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
	v, _ := opt.Vertex(3)
	test.That(t, v.Fixed, test.ShouldBeTrue)
	v, _ = opt.Vertex(5)
	test.That(t, v.Fixed, test.ShouldBeFalse)
	test.That(t, logs.FilterMessageSnippet("no fixed vertex").Len(), test.ShouldEqual, 1)

	verts := opt.Vertices()
	test.That(t, len(verts), test.ShouldEqual, 3)
	test.That(t, verts[0].ID, test.ShouldEqual, 3)
	test.That(t, verts[2].ID, test.ShouldEqual, 7)
	test.That(t, spatialmath.PoseAlmostEqual(verts[1].Estimate, spatialmath.NewZeroPose()), test.ShouldBeTrue)
}

func TestOptimizerErrors(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.Algorithm = "simplex"
	_, err := NewOptimizer(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	opt, err := NewOptimizer(DefaultOptimizerConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opt.InitializeOptimization(), test.ShouldNotBeNil)
	test.That(t, opt.AddVertex(nil), test.ShouldNotBeNil)

	test.That(t, opt.AddVertex(&VertexSE3{ID: 0}), test.ShouldBeNil)
	err = opt.AddVertex(&VertexSE3{ID: 0})
	test.That(t, errors.Is(err, ErrDuplicateVertex), test.ShouldBeTrue)
	test.That(t, opt.AddVertex(&VertexSE3{ID: 1}), test.ShouldBeNil)

	err = opt.AddEdge(&EdgeSE3{From: 0, To: 2, Measurement: spatialmath.NewZeroPose()})
	test.That(t, errors.Is(err, ErrUnknownVertex), test.ShouldBeTrue)
	test.That(t, opt.AddEdge(&EdgeSE3{From: 0, To: 1}), test.ShouldNotBeNil)
	test.That(t, opt.AddEdge(&EdgeSE3{From: 1, To: 1, Measurement: spatialmath.NewZeroPose()}), test.ShouldNotBeNil)
	test.That(t, opt.AddEdge(nil), test.ShouldNotBeNil)
	test.That(t, len(opt.Edges()), test.ShouldEqual, 0)

	_, err = opt.Optimize(context.Background(), 10)
	test.That(t, errors.Is(err, ErrNotInitialized), test.ShouldBeTrue)
}

func TestOptimizeEmptyAndCancelled(t *testing.T) {
	opt, err := NewOptimizer(DefaultOptimizerConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opt.AddVertex(&VertexSE3{ID: 0, Fixed: true}), test.ShouldBeNil)
	test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
	n, err := opt.Optimize(context.Background(), 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)

	opt = newRingGraph(t, DefaultOptimizerConfig(), ringPoses(6), 1)
	test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err = opt.Optimize(ctx, 10)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, n, test.ShouldEqual, 0)
}

func TestLinearSolversAgree(t *testing.T) {
	opt := newRingGraph(t, DefaultOptimizerConfig(), ringPoses(10), 11)
	test.That(t, opt.InitializeOptimization(), test.ShouldBeNil)
	sys, err := opt.buildSystem(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sys.n, test.ShouldEqual, 9)
	test.That(t, sys.maxDiagonal(), test.ShouldBeGreaterThan, 0)

	dense, err := solveDense(sys, 1e-3)
	test.That(t, err, test.ShouldBeNil)
	pcg, err := solvePCG(sys, 1e-3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(pcg), test.ShouldEqual, len(dense))
	for i := range dense {
		test.That(t, pcg[i], test.ShouldAlmostEqual, dense[i], 1e-4)
	}

	// the dense solution satisfies (H + λI)x = b
	check := make([]float64, len(dense))
	sys.mulVec(check, dense, 1e-3)
	for i := range check {
		test.That(t, check[i], test.ShouldAlmostEqual, sys.b[i], 1e-6)
	}
}

func TestSolveDenseSingular(t *testing.T) {
	sys := newLinearSystem(1)
	sys.b[0] = 1
	_, err := solveDense(sys, 0)
	test.That(t, errors.Is(err, ErrSingularSystem), test.ShouldBeTrue)

	x, err := solvePCG(newLinearSystem(2), 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, x, test.ShouldResemble, make([]float64, 12))
}
