package slam

import (
	"context"
	"image"
	"testing"

	"go.viam.com/test"

	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/spatialmath"
)

func TestTrackerRenderedSequence(t *testing.T) {
	cfg := renderConfig()
	tracker, err := NewTracker(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	near, far := newTexture(1), newTexture(2)
	ctx := context.Background()

	const numFrames = 5
	var frames []*Frame
	for k := 0; k < numFrames; k++ {
		left, right := renderStereo(near, far, k)
		f, err := tracker.Track(ctx, left, right, float64(k)*0.1)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.ID, test.ShouldEqual, k)
		test.That(t, f.HasPose(), test.ShouldBeTrue)
		test.That(t, f.NumStereo(), test.ShouldBeGreaterThan, 30)
		frames = append(frames, f)
	}
	test.That(t, spatialmath.PoseAlmostEqual(frames[0].Twc(), spatialmath.NewZeroPose()), test.ShouldBeTrue)
	test.That(t, frames[0].Camera.Width, test.ShouldEqual, renderWidth)
	test.That(t, tracker.Lost(), test.ShouldEqual, 0)

	for k, f := range frames {
		c := f.CameraCenter()
		test.That(t, c.X, test.ShouldAlmostEqual, float64(k)*renderStep, 0.05)
		test.That(t, c.Y, test.ShouldAlmostEqual, 0, 0.05)
		test.That(t, c.Z, test.ShouldAlmostEqual, 0, 0.05)
	}
}

func TestTrackerStereoDepths(t *testing.T) {
	cfg := renderConfig()
	tracker, err := NewTracker(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	left, right := renderStereo(newTexture(3), newTexture(4), 0)
	f, err := tracker.Track(context.Background(), left, right, 0)
	test.That(t, err, test.ShouldBeNil)

	// level 0 corners land on whole pixels, so their disparity is exact away from the occlusion edge
	exact := 0
	for i, kp := range f.Keys {
		if kp.Octave != 0 || !f.HasStereo(i) {
			continue
		}
		if f.Depth[i] == renderNearZ || f.Depth[i] == renderFarZ {
			exact++
		}
	}
	test.That(t, exact, test.ShouldBeGreaterThan, 30)
}

func TestTrackerMissingImage(t *testing.T) {
	tracker, err := NewTracker(renderConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	_, err = tracker.Track(context.Background(), image.NewGray(image.Rect(0, 0, 10, 10)), nil, 0)
	test.That(t, err, test.ShouldNotBeNil)
}
