package slam

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/posegraph/rimage/transform"
	"go.viam.com/posegraph/spatialmath"
)

// MotionResult is the relative motion between two frames found by PnP.
type MotionResult struct {
	// Pose maps points from the first frame's camera into the second's.
	Pose spatialmath.Pose
	Rvec r3.Vector
	Tvec r3.Vector
	// Inliers is the number of correspondences consistent with Pose, or -1 when there were
	// no correspondences to try.
	Inliers int
	// Matches keeps only the inlier correspondences.
	Matches Matches
}

// Norm returns the size of the motion as used to gate edges.
func (r *MotionResult) Norm() float64 {
	return transform.NormOfTransform(r.Rvec, r.Tvec)
}

// EstimateMotion finds the motion from f1 to f2 with PnP RANSAC. Object points are the stereo
// points of f1 in its camera frame and image points the matched keypoints of f2; matches maps f2
// indices to f1 indices. Too few correspondences or no consensus give zero inliers rather than
// an error.
func EstimateMotion(f1, f2 *Frame, matches Matches, cfg transform.PnPConfig) (*MotionResult, error) {
	var (
		obj  []r3.Vector
		img  []r2.Point
		keys []int
	)
	for _, cur := range matches.CurrentIndices() {
		prev := matches[cur]
		if !f1.HasStereo(prev) {
			continue
		}
		p := f1.Keys[prev].Pt
		obj = append(obj, f1.PixelToCamera(p.X, p.Y, f1.Depth[prev]))
		img = append(img, f2.Keys[cur].Pt)
		keys = append(keys, cur)
	}
	if len(obj) == 0 {
		return &MotionResult{Inliers: -1, Matches: Matches{}}, nil
	}

	res, err := transform.SolvePnPRansac(obj, img, &f2.Camera.PinholeCameraIntrinsics, cfg, nil)
	if err != nil {
		if errors.Is(err, transform.ErrNotEnoughCorrespondences) || errors.Is(err, transform.ErrNoConsensus) {
			return &MotionResult{Matches: Matches{}}, nil
		}
		return nil, err
	}
	inlierMatches := make(Matches, len(res.Inliers))
	for _, idx := range res.Inliers {
		cur := keys[idx]
		inlierMatches[cur] = matches[cur]
	}
	return &MotionResult{
		Pose:    res.Pose,
		Rvec:    res.Rvec,
		Tvec:    res.Tvec,
		Inliers: len(res.Inliers),
		Matches: inlierMatches,
	}, nil
}
