package posegraph

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/spatialmath"
)

// ringPoses places n camera poses on a rising circle, each turned to face along the path.
func ringPoses(n int) []spatialmath.Pose {
	poses := make([]spatialmath.Pose, n)
	for i := range poses {
		theta := 2 * math.Pi * float64(i) / float64(n)
		poses[i] = spatialmath.NewPose(
			r3.Vector{X: 5 * math.Cos(theta), Y: 0.1 * float64(i), Z: 5 * math.Sin(theta)},
			&spatialmath.R4AA{Theta: -theta, RY: 1},
		)
	}
	return poses
}

func perturb(rng *rand.Rand, p spatialmath.Pose, translation, rotation float64) spatialmath.Pose {
	var d [6]float64
	for k := 0; k < 3; k++ {
		d[k] = translation * (2*rng.Float64() - 1)
		d[k+3] = rotation * (2*rng.Float64() - 1)
	}
	return spatialmath.Compose(p, spatialmath.PoseFromTangent(d))
}

// newRingGraph builds a graph over truth with exact odometry edges plus two loop closures. Every
// vertex but the first starts from a perturbed estimate.
func newRingGraph(t *testing.T, cfg OptimizerConfig, truth []spatialmath.Pose, seed int64) *Optimizer {
	t.Helper()
	opt, err := NewOptimizer(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	rng := rand.New(rand.NewSource(seed))
	for i, p := range truth {
		est := p
		if i > 0 {
			est = perturb(rng, p, 0.2, 0.05)
		}
		test.That(t, opt.AddVertex(&VertexSE3{ID: i, Estimate: est, Fixed: i == 0}), test.ShouldBeNil)
	}
	n := len(truth)
	pairs := [][2]int{}
	for i := 0; i+1 < n; i++ {
		pairs = append(pairs, [2]int{i, i + 1})
	}
	pairs = append(pairs, [2]int{n - 1, 0}, [2]int{2, n - 3})
	for k, pair := range pairs {
		test.That(t, opt.AddEdge(&EdgeSE3{
			ID:          k,
			From:        pair[0],
			To:          pair[1],
			Measurement: spatialmath.PoseBetween(truth[pair[0]], truth[pair[1]]),
			Information: IdentityInformation(),
			Kernel:      cfg.Kernel(),
		}), test.ShouldBeNil)
	}
	return opt
}

func trajectoryError(opt *Optimizer, truth []spatialmath.Pose) float64 {
	var sum float64
	for i, p := range truth {
		v, _ := opt.Vertex(i)
		sum += v.Estimate.Point().Sub(p.Point()).Norm()
	}
	return sum
}
