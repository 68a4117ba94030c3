package slam

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/posegraph/config"
	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/rimage/transform"
	"go.viam.com/posegraph/spatialmath"
	"go.viam.com/posegraph/vision/keypoints"
)

const (
	// chi2Mono is the 95% chi-squared threshold with two degrees of freedom.
	chi2Mono = 5.991
	// poseOptimizationRounds is how many times outliers are re-classified while refining a pose.
	poseOptimizationRounds = 4
	minTrackMatches        = 20
	minTrackInliers        = 10
	// minTrackedPoints is how many stereo points of the last frame are projected even when
	// they are far.
	minTrackedPoints = 100
)

// Tracker estimates the pose of every incoming stereo pair relative to the previous one with a
// constant velocity model, falling back to descriptor matching and PnP.
type Tracker struct {
	cam      *transform.StereoCamera
	thDepth  float64
	leftORB  *keypoints.ORBExtractor
	rightORB *keypoints.ORBExtractor
	matcher  *Matcher
	pnp      transform.PnPConfig
	radius   float64
	logger   logging.Logger

	nextID   int
	last     *Frame
	velocity spatialmath.Pose
	lost     int
}

// NewTracker returns a tracker for the camera and features described by cfg.
func NewTracker(cfg *config.Config, logger logging.Logger) (*Tracker, error) {
	leftORB, err := keypoints.NewORBExtractor(cfg.ORB)
	if err != nil {
		return nil, err
	}
	rightORB, err := keypoints.NewORBExtractor(cfg.ORB)
	if err != nil {
		return nil, err
	}
	matcher, err := NewMatcher(cfg.Matcher, logger.Sublogger("matcher"))
	if err != nil {
		return nil, err
	}
	return &Tracker{
		cam:      cfg.Camera.Stereo(),
		thDepth:  cfg.Camera.ThDepth,
		leftORB:  leftORB,
		rightORB: rightORB,
		matcher:  matcher,
		pnp:      cfg.PnP,
		radius:   cfg.Matcher.TrackingRadius,
		logger:   logger,
	}, nil
}

// Matcher returns the matcher the tracker was built with.
func (t *Tracker) Matcher() *Matcher {
	return t.matcher
}

// Lost returns how many frames could not be tracked.
func (t *Tracker) Lost() int {
	return t.lost
}

// Track extracts features from a rectified stereo pair, builds its frame and estimates its pose.
// The first frame defines the world origin. When tracking fails the predicted pose is kept.
func (t *Tracker) Track(ctx context.Context, left, right *image.Gray, timestamp float64) (*Frame, error) {
	if left == nil || right == nil {
		return nil, errors.New("stereo pair is missing an image")
	}
	if t.cam.Width == 0 || t.cam.Height == 0 {
		t.cam.Width, t.cam.Height = left.Bounds().Dx(), left.Bounds().Dy()
	}

	var leftFeatures, rightFeatures Features
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		keys, descs, err := t.leftORB.Extract(gctx, left)
		leftFeatures = Features{Keys: keys, Descs: descs}
		return err
	})
	g.Go(func() error {
		keys, descs, err := t.rightORB.Extract(gctx, right)
		rightFeatures = Features{Keys: keys, Descs: descs}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "extracting features")
	}

	frame := NewFrame(
		t.nextID, timestamp, leftFeatures, rightFeatures, t.cam,
		t.leftORB.ScaleFactors(), t.leftORB.InvLevelSigma2(), t.thDepth,
	)
	t.nextID++

	if t.last == nil {
		frame.SetPose(spatialmath.NewZeroPose())
		t.logger.Infow("initialized tracking", "keypoints", len(frame.Keys), "stereo", frame.NumStereo())
		t.last = frame
		return frame, nil
	}

	ok := false
	if t.velocity != nil {
		ok = t.trackWithMotionModel(frame)
	}
	if !ok {
		ok = t.trackLastFrame(frame)
	}
	if !ok {
		t.lost++
		t.logger.Warnw("tracking lost, keeping the predicted pose", "frame", frame.ID)
		frame.SetPose(t.predict())
	}
	t.velocity = spatialmath.Compose(frame.Tcw(), t.last.Twc())
	t.last = frame
	return frame, nil
}

func (t *Tracker) predict() spatialmath.Pose {
	if t.velocity == nil {
		return t.last.Tcw()
	}
	return spatialmath.Compose(t.velocity, t.last.Tcw())
}

func (t *Tracker) trackWithMotionModel(frame *Frame) bool {
	frame.SetPose(t.predict())
	use := trackedPoints(t.last)
	matches := t.matcher.searchByProjection(frame, t.last, t.radius, use)
	if len(matches) < minTrackMatches {
		matches = t.matcher.searchByProjection(frame, t.last, 2*t.radius, use)
	}
	if len(matches) < minTrackMatches {
		t.logger.Debugw("not enough projection matches", "frame", frame.ID, "matches", len(matches))
		return false
	}
	return optimizePose(frame, t.last, matches) >= minTrackInliers
}

func (t *Tracker) trackLastFrame(frame *Frame) bool {
	matches := fromDescriptorMatches(keypoints.MatchBF(frame.Descs, t.last.Descs))
	var (
		obj  []r3.Vector
		img  []r2.Point
		keys []int
	)
	for _, cur := range matches.CurrentIndices() {
		xw, ok := t.last.UnprojectStereo(matches[cur])
		if !ok {
			continue
		}
		obj = append(obj, xw)
		img = append(img, frame.Keys[cur].Pt)
		keys = append(keys, cur)
	}
	res, err := transform.SolvePnPRansac(obj, img, &t.cam.PinholeCameraIntrinsics, t.pnp, t.predict())
	if err != nil {
		t.logger.Debugw("pnp tracking failed", "frame", frame.ID, "error", err)
		return false
	}
	if len(res.Inliers) < minTrackInliers {
		return false
	}
	inliers := make(Matches, len(res.Inliers))
	for _, idx := range res.Inliers {
		inliers[keys[idx]] = matches[keys[idx]]
	}
	frame.SetPose(res.Pose)
	return optimizePose(frame, t.last, inliers) >= minTrackInliers
}

// trackedPoints selects the stereo points of f closer than its depth threshold, topped up with
// the nearest far ones until minTrackedPoints are used.
func trackedPoints(f *Frame) func(i int) bool {
	var stereo []int
	for i := range f.Keys {
		if f.HasStereo(i) {
			stereo = append(stereo, i)
		}
	}
	sort.Slice(stereo, func(a, b int) bool { return f.Depth[stereo[a]] < f.Depth[stereo[b]] })
	selected := make([]bool, len(f.Keys))
	for n, i := range stereo {
		if !f.IsClose(i) && n >= minTrackedPoints {
			break
		}
		selected[i] = true
	}
	return func(i int) bool { return selected[i] }
}

// optimizePose refines the pose of frame against the world points of ref's matched stereo
// keypoints, re-classifying outliers after each round, and returns the number of inliers.
func optimizePose(frame, ref *Frame, matches Matches) int {
	var (
		obj  []r3.Vector
		img  []r2.Point
		keys []int
	)
	for _, cur := range matches.CurrentIndices() {
		xw, ok := ref.UnprojectStereo(matches[cur])
		if !ok {
			continue
		}
		obj = append(obj, xw)
		img = append(img, frame.Keys[cur].Pt)
		keys = append(keys, cur)
	}
	if len(obj) < 3 {
		return 0
	}

	intr := &frame.Camera.PinholeCameraIntrinsics
	pose := frame.Tcw()
	inlier := make([]bool, len(obj))
	for k := range inlier {
		inlier[k] = true
	}
	nInliers := len(obj)
	for round := 0; round < poseOptimizationRounds; round++ {
		var subObj []r3.Vector
		var subImg []r2.Point
		for k := range obj {
			if inlier[k] {
				subObj = append(subObj, obj[k])
				subImg = append(subImg, img[k])
			}
		}
		if len(subObj) < 3 {
			break
		}
		if refined, err := transform.RefinePose(subObj, subImg, intr, pose, math.Sqrt(chi2Mono)); err == nil {
			pose = refined
		}
		nInliers = 0
		for k := range obj {
			chi2, ok := reprojectionChi2(pose, intr, obj[k], img[k], frame.InvSigma2, frame.Keys[keys[k]].Octave)
			inlier[k] = ok && chi2 <= chi2Mono
			if inlier[k] {
				nInliers++
			}
		}
	}
	frame.SetPose(pose)
	for k, cur := range keys {
		frame.Outliers[cur] = !inlier[k]
	}
	return nInliers
}

func reprojectionChi2(
	tcw spatialmath.Pose,
	intr *transform.PinholeCameraIntrinsics,
	xw r3.Vector,
	obs r2.Point,
	invSigma2 []float64,
	octave int,
) (float64, bool) {
	xc := spatialmath.TransformPoint(tcw, xw)
	px, ok := intr.PointToPixel(xc)
	if !ok {
		return 0, false
	}
	w := 1.0
	if octave >= 0 && octave < len(invSigma2) {
		w = invSigma2[octave]
	}
	d := px.Sub(obs)
	return (d.X*d.X + d.Y*d.Y) * w, true
}
