package transform

import (
	"math"
	"math/rand"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/posegraph/spatialmath"
)

// pnpSampleSize is the number of correspondences a linear pose hypothesis needs.
const pnpSampleSize = 6

var (
	// ErrNotEnoughCorrespondences is returned when fewer 3D-2D pairs are given than a pose needs.
	ErrNotEnoughCorrespondences = errors.New("not enough 3D-2D correspondences")
	// ErrNoConsensus is returned when no pose hypothesis explains a minimal set of correspondences.
	ErrNoConsensus = errors.New("no pose hypothesis reached consensus")
)

// PnPConfig controls the RANSAC loop of SolvePnPRansac.
type PnPConfig struct {
	Iterations        int     `mapstructure:"PnP.iterations" json:"iterations"`
	ReprojectionError float64 `mapstructure:"PnP.reprojectionError" json:"reprojection_error"`
	Confidence        float64 `mapstructure:"PnP.confidence" json:"confidence"`
}

// DefaultPnPConfig returns 200 iterations, a 2 pixel inlier threshold and 0.99 confidence.
func DefaultPnPConfig() PnPConfig {
	return PnPConfig{Iterations: 200, ReprojectionError: 2.0, Confidence: 0.99}
}

// Validate ensures all parts of the config are valid.
func (c *PnPConfig) Validate(path string) error {
	if c.Iterations < 1 {
		return utils.NewConfigValidationError(path, errors.New("PnP.iterations must be >= 1"))
	}
	if c.ReprojectionError <= 0 {
		return utils.NewConfigValidationError(path, errors.New("PnP.reprojectionError must be > 0"))
	}
	if c.Confidence <= 0 || c.Confidence >= 1 {
		return utils.NewConfigValidationError(path, errors.New("PnP.confidence must be in (0, 1)"))
	}
	return nil
}

// PnPResult is the pose that maps object points into the camera frame, in both pose and
// rotation-vector/translation form, with the indices of the correspondences it explains.
type PnPResult struct {
	Pose    spatialmath.Pose
	Rvec    r3.Vector
	Tvec    r3.Vector
	Inliers []int
}

func newPnPResult(pose spatialmath.Pose, inliers []int) *PnPResult {
	sort.Ints(inliers)
	return &PnPResult{
		Pose:    pose,
		Rvec:    spatialmath.QuatToR3AA(pose.Orientation().Quaternion()),
		Tvec:    pose.Point(),
		Inliers: inliers,
	}
}

// SolvePnPRansac estimates the pose of a calibrated camera from object points and their
// projections. Hypotheses come from a linear solve on random minimal samples; the best one is
// re-estimated on its consensus set and refined with a robust reprojection cost. A non-nil
// prior is scored as an extra hypothesis.
func SolvePnPRansac(
	obj []r3.Vector,
	img []r2.Point,
	intr *PinholeCameraIntrinsics,
	cfg PnPConfig,
	prior spatialmath.Pose,
) (*PnPResult, error) {
	if len(obj) != len(img) {
		return nil, errors.Errorf("have %d object points but %d image points", len(obj), len(img))
	}
	if len(obj) < pnpSampleSize {
		return nil, errors.Wrapf(ErrNotEnoughCorrespondences, "have %d, need %d", len(obj), pnpSampleSize)
	}
	if intr == nil || intr.Fx <= 0 || intr.Fy <= 0 {
		return nil, NewNoIntrinsicsError("cannot solve PnP without focal lengths")
	}

	model := newPnPModel(obj, img, intr, cfg.ReprojectionError)
	//nolint:gosec
	rng := rand.New(rand.NewSource(int64(len(obj))))

	var best spatialmath.Pose
	var bestInliers []int
	if prior != nil {
		best, bestInliers = prior, model.inliers(prior)
	}

	maxIters := cfg.Iterations
	sample := make([]int, pnpSampleSize)
	for it := 0; it < maxIters; it++ {
		sampleUnique(rng, len(obj), sample)
		pose, ok := model.fit(sample)
		if !ok {
			continue
		}
		inliers := model.inliers(pose)
		if len(inliers) > len(bestInliers) {
			best, bestInliers = pose, inliers
			outlierRatio := 1 - float64(len(inliers))/float64(len(obj))
			maxIters = min(maxIters, updateNumIters(cfg.Confidence, outlierRatio, pnpSampleSize, cfg.Iterations))
		}
	}
	if best == nil || len(bestInliers) < pnpSampleSize {
		return nil, errors.Wrapf(ErrNoConsensus, "best hypothesis has %d of %d inliers", len(bestInliers), len(obj))
	}

	if pose, ok := model.fit(bestInliers); ok {
		if inliers := model.inliers(pose); len(inliers) >= len(bestInliers) {
			best, bestInliers = pose, inliers
		}
	}

	inObj := make([]r3.Vector, len(bestInliers))
	inImg := make([]r2.Point, len(bestInliers))
	for i, idx := range bestInliers {
		inObj[i], inImg[i] = obj[idx], img[idx]
	}
	if refined, err := RefinePose(inObj, inImg, intr, best, cfg.ReprojectionError); err == nil {
		if inliers := model.inliers(refined); len(inliers) >= len(bestInliers) {
			best, bestInliers = refined, inliers
		}
	}
	return newPnPResult(best, bestInliers), nil
}

// NormOfTransform measures the size of a relative motion as the rotation angle, folded into
// [0, π], plus the translation length.
func NormOfTransform(rvec, tvec r3.Vector) float64 {
	angle := rvec.Norm()
	return math.Abs(math.Min(angle, 2*math.Pi-angle)) + tvec.Norm()
}

type pnpModel struct {
	obj        []r3.Vector
	img        []r2.Point
	norm       []r2.Point
	intr       *PinholeCameraIntrinsics
	threshold2 float64
}

func newPnPModel(obj []r3.Vector, img []r2.Point, intr *PinholeCameraIntrinsics, threshold float64) *pnpModel {
	norm := make([]r2.Point, len(img))
	for i, p := range img {
		norm[i] = intr.Normalize(p)
	}
	return &pnpModel{obj: obj, img: img, norm: norm, intr: intr, threshold2: threshold * threshold}
}

// fit returns the linear pose hypothesis for the given correspondences. Hypotheses that place any
// of them behind the camera are rejected.
func (m *pnpModel) fit(ids []int) (spatialmath.Pose, bool) {
	obj := make([]r3.Vector, len(ids))
	norm := make([]r2.Point, len(ids))
	for i, idx := range ids {
		obj[i], norm[i] = m.obj[idx], m.norm[idx]
	}
	pose, ok := dltPose(obj, norm)
	if !ok {
		return nil, false
	}
	rm := pose.Orientation().RotationMatrix()
	t := pose.Point()
	for _, p := range obj {
		if rm.Mul(p).Add(t).Z <= 0 {
			return nil, false
		}
	}
	return pose, true
}

func (m *pnpModel) inliers(pose spatialmath.Pose) []int {
	rm := pose.Orientation().RotationMatrix()
	t := pose.Point()
	var out []int
	for i, p := range m.obj {
		px, ok := m.intr.PointToPixel(rm.Mul(p).Add(t))
		if !ok {
			continue
		}
		dx, dy := px.X-m.img[i].X, px.Y-m.img[i].Y
		if dx*dx+dy*dy <= m.threshold2 {
			out = append(out, i)
		}
	}
	return out
}

// dltPose solves the 3x4 projection matrix [R|t] from at least six correspondences with normalized
// image coordinates, then projects its left block onto the nearest rotation.
func dltPose(obj []r3.Vector, norm []r2.Point) (spatialmath.Pose, bool) {
	n := len(obj)
	if n < pnpSampleSize {
		return nil, false
	}
	var centroid r3.Vector
	for _, p := range obj {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(n))
	var meanDist float64
	for _, p := range obj {
		meanDist += p.Sub(centroid).Norm()
	}
	meanDist /= float64(n)
	if meanDist < 1e-12 {
		return nil, false
	}
	s := math.Sqrt(3) / meanDist

	a := mat.NewDense(2*n, 12, nil)
	for i, p := range obj {
		q := p.Sub(centroid).Mul(s)
		x, y := norm[i].X, norm[i].Y
		a.SetRow(2*i, []float64{q.X, q.Y, q.Z, 1, 0, 0, 0, 0, -x * q.X, -x * q.Y, -x * q.Z, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, q.X, q.Y, q.Z, 1, -y * q.X, -y * q.Y, -y * q.Z, -y})
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	p := mat.Col(nil, 11, &v)

	// undo the point normalization: P = P' * [sI, -s*c; 0, 1]
	left := mat.NewDense(3, 3, []float64{
		s * p[0], s * p[1], s * p[2],
		s * p[4], s * p[5], s * p[6],
		s * p[8], s * p[9], s * p[10],
	})
	c := []float64{centroid.X, centroid.Y, centroid.Z}
	var tcol [3]float64
	for r := 0; r < 3; r++ {
		tcol[r] = p[r*4+3] - (left.At(r, 0)*c[0] + left.At(r, 1)*c[1] + left.At(r, 2)*c[2])
	}

	var rsvd mat.SVD
	if !rsvd.Factorize(left, mat.SVDFull) {
		return nil, false
	}
	var u, vr mat.Dense
	rsvd.UTo(&u)
	rsvd.VTo(&vr)
	sv := rsvd.Values(nil)
	if sv[0] <= 0 {
		return nil, false
	}
	var rot mat.Dense
	rot.Mul(&u, vr.T())
	scale := (sv[0] + sv[1] + sv[2]) / 3
	if mat.Det(&rot) < 0 {
		rot.Scale(-1, &rot)
		scale = -scale
	}
	t := r3.Vector{X: tcol[0] / scale, Y: tcol[1] / scale, Z: tcol[2] / scale}
	se3, err := spatialmath.NewSE3Dense(&rot, spatialmath.VectorToDense(t))
	if err != nil {
		return nil, false
	}
	pose, err := spatialmath.PoseFromDense(se3)
	if err != nil {
		return nil, false
	}
	return pose, true
}

// updateNumIters returns how many iterations are needed to draw an outlier free sample with the
// given confidence.
func updateNumIters(confidence, outlierRatio float64, sampleSize, maxIters int) int {
	outlierRatio = math.Max(outlierRatio, 0)
	num := math.Max(1-confidence, math.SmallestNonzeroFloat64)
	denom := 1 - math.Pow(1-outlierRatio, float64(sampleSize))
	if denom < math.SmallestNonzeroFloat64 {
		return 0
	}
	num = math.Log(num)
	denom = math.Log(denom)
	if denom >= 0 || -num >= float64(maxIters)*(-denom) {
		return maxIters
	}
	return int(math.Round(num / denom))
}

// sampleUnique fills out with distinct indices in [0, n).
func sampleUnique(rng *rand.Rand, n int, out []int) {
	for i := range out {
	draw:
		for {
			idx := rng.Intn(n)
			for _, prev := range out[:i] {
				if prev == idx {
					continue draw
				}
			}
			out[i] = idx
			break
		}
	}
}
