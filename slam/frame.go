// Package slam turns a rectified stereo sequence into a pose graph: it tracks every frame against
// the previous one, picks earlier frames worth comparing, estimates relative motions and hands
// vertices and edges to the posegraph optimizer.
package slam

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/posegraph/rimage/transform"
	"go.viam.com/posegraph/spatialmath"
	"go.viam.com/posegraph/vision/keypoints"
)

const (
	gridCols = 64
	gridRows = 48
)

// Features are the keypoints and descriptors extracted from one image.
type Features struct {
	Keys  keypoints.KeyPoints
	Descs keypoints.Descriptors
}

// Frame is one stereo pair reduced to its left keypoints, their stereo depths and a camera pose.
type Frame struct {
	ID        int
	Timestamp float64

	Keys  keypoints.KeyPoints
	Descs keypoints.Descriptors
	// URight is the matched right-image column of each left keypoint, -1 when unmatched.
	URight []float64
	// Depth is the stereo depth of each left keypoint, -1 when unmatched.
	Depth []float64
	// Outliers flags keypoints rejected while tracking.
	Outliers []bool

	Camera       *transform.StereoCamera
	ScaleFactors []float64
	InvSigma2    []float64
	// ThDepth is the depth in metres beyond which a stereo point counts as far.
	ThDepth float64

	grid       [gridCols][gridRows][]int
	gridScaleX float64
	gridScaleY float64

	tcw spatialmath.Pose
	twc spatialmath.Pose
}

// NewFrame builds a frame from the features of a rectified stereo pair and matches the left
// keypoints into the right image. scaleFactors and invSigma2 describe the pyramid the features
// were extracted on.
func NewFrame(
	id int,
	timestamp float64,
	left, right Features,
	cam *transform.StereoCamera,
	scaleFactors, invSigma2 []float64,
	thDepth float64,
) *Frame {
	f := &Frame{
		ID:           id,
		Timestamp:    timestamp,
		Keys:         left.Keys,
		Descs:        left.Descs,
		Outliers:     make([]bool, len(left.Keys)),
		Camera:       cam,
		ScaleFactors: scaleFactors,
		InvSigma2:    invSigma2,
		ThDepth:      cam.Bf * thDepth / cam.Fx,
	}
	f.URight, f.Depth = computeStereoMatches(left, right, cam, scaleFactors)
	f.assignFeaturesToGrid()
	return f
}

func (f *Frame) assignFeaturesToGrid() {
	w, h := float64(f.Camera.Width), float64(f.Camera.Height)
	if w <= 0 || h <= 0 {
		for _, kp := range f.Keys {
			w = math.Max(w, kp.Pt.X+1)
			h = math.Max(h, kp.Pt.Y+1)
		}
	}
	f.gridScaleX = gridCols / math.Max(w, 1)
	f.gridScaleY = gridRows / math.Max(h, 1)
	for i, kp := range f.Keys {
		if cx, cy, ok := f.gridCell(kp.Pt.X, kp.Pt.Y); ok {
			f.grid[cx][cy] = append(f.grid[cx][cy], i)
		}
	}
}

func (f *Frame) gridCell(x, y float64) (int, int, bool) {
	cx := int(math.Floor(x * f.gridScaleX))
	cy := int(math.Floor(y * f.gridScaleY))
	if cx < 0 || cx >= gridCols || cy < 0 || cy >= gridRows {
		return 0, 0, false
	}
	return cx, cy, true
}

// SetPose sets the world to camera transform of the frame.
func (f *Frame) SetPose(tcw spatialmath.Pose) {
	f.tcw = tcw
	f.twc = spatialmath.PoseInverse(tcw)
}

// HasPose reports whether the frame has been given a pose.
func (f *Frame) HasPose() bool {
	return f.tcw != nil
}

// Tcw returns the world to camera transform, the identity before SetPose.
func (f *Frame) Tcw() spatialmath.Pose {
	if f.tcw == nil {
		return spatialmath.NewZeroPose()
	}
	return f.tcw
}

// Twc returns the camera to world transform, the identity before SetPose.
func (f *Frame) Twc() spatialmath.Pose {
	if f.twc == nil {
		return spatialmath.NewZeroPose()
	}
	return f.twc
}

// CameraCenter returns the position of the camera in the world.
func (f *Frame) CameraCenter() r3.Vector {
	return f.Twc().Point()
}

// IsInSearchRange reports whether center lies within radius of this frame's camera center.
func (f *Frame) IsInSearchRange(center r3.Vector, radius float64) bool {
	return f.CameraCenter().Sub(center).Norm() < radius
}

// PixelToCamera back-projects a pixel at the given depth into the camera frame.
func (f *Frame) PixelToCamera(u, v, depth float64) r3.Vector {
	return f.Camera.PixelToPoint(u, v, depth)
}

// HasStereo reports whether keypoint i was matched in the right image.
func (f *Frame) HasStereo(i int) bool {
	return f.Depth[i] > 0
}

// IsClose reports whether keypoint i has a stereo depth closer than ThDepth.
func (f *Frame) IsClose(i int) bool {
	return f.Depth[i] > 0 && f.Depth[i] < f.ThDepth
}

// UnprojectStereo returns the world position of keypoint i, or false without a stereo depth.
func (f *Frame) UnprojectStereo(i int) (r3.Vector, bool) {
	if !f.HasStereo(i) {
		return r3.Vector{}, false
	}
	kp := f.Keys[i].Pt
	return spatialmath.TransformPoint(f.Twc(), f.PixelToCamera(kp.X, kp.Y, f.Depth[i])), true
}

// FeaturesInArea returns the keypoints within r pixels of (x, y) whose octave lies in
// [minLevel, maxLevel]. A negative bound disables that side of the check.
func (f *Frame) FeaturesInArea(x, y, r float64, minLevel, maxLevel int) []int {
	minCellX := max(0, int(math.Floor((x-r)*f.gridScaleX)))
	maxCellX := min(gridCols-1, int(math.Ceil((x+r)*f.gridScaleX)))
	minCellY := max(0, int(math.Floor((y-r)*f.gridScaleY)))
	maxCellY := min(gridRows-1, int(math.Ceil((y+r)*f.gridScaleY)))
	if minCellX > maxCellX || minCellY > maxCellY {
		return nil
	}
	var out []int
	for cx := minCellX; cx <= maxCellX; cx++ {
		for cy := minCellY; cy <= maxCellY; cy++ {
			for _, i := range f.grid[cx][cy] {
				kp := f.Keys[i]
				if minLevel >= 0 && kp.Octave < minLevel {
					continue
				}
				if maxLevel >= 0 && kp.Octave > maxLevel {
					continue
				}
				if math.Abs(kp.Pt.X-x) < r && math.Abs(kp.Pt.Y-y) < r {
					out = append(out, i)
				}
			}
		}
	}
	return out
}

// NumStereo returns how many keypoints have a stereo depth.
func (f *Frame) NumStereo() int {
	n := 0
	for _, d := range f.Depth {
		if d > 0 {
			n++
		}
	}
	return n
}
