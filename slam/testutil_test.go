package slam

import (
	"image"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/posegraph/config"
	"go.viam.com/posegraph/rimage/transform"
	"go.viam.com/posegraph/spatialmath"
	"go.viam.com/posegraph/vision/keypoints"
)

var testScaleFactors = []float64{1, 1.2, 1.44, 1.728}

var testInvSigma2 = []float64{1, 1 / 1.44, 1 / (1.44 * 1.44), 1 / (1.728 * 1.728)}

func newTestCamera() *transform.StereoCamera {
	return &transform.StereoCamera{
		PinholeCameraIntrinsics: transform.PinholeCameraIntrinsics{
			Width: 640, Height: 480,
			Fx: 500, Fy: 500,
			Ppx: 320, Ppy: 240,
		},
		Bf: 250,
	}
}

// landmark is a world point with the descriptor every frame observes it with.
type landmark struct {
	pos  r3.Vector
	desc keypoints.Descriptor
}

func randomDescriptor(rng *rand.Rand) keypoints.Descriptor {
	d := make(keypoints.Descriptor, keypoints.DescriptorBits/64)
	for i := range d {
		d[i] = rng.Uint64()
	}
	return d
}

// newWorld scatters n landmarks in front of the origin, between 8 and 20 metres away.
func newWorld(seed int64, n int) []landmark {
	rng := rand.New(rand.NewSource(seed))
	world := make([]landmark, n)
	for i := range world {
		world[i] = landmark{
			pos: r3.Vector{
				X: rng.Float64()*12 - 6,
				Y: rng.Float64()*8 - 4,
				Z: 8 + rng.Float64()*12,
			},
			desc: randomDescriptor(rng),
		}
	}
	return world
}

// observe builds the frame seen by a camera at twc: every visible landmark becomes a level 0
// keypoint in the left image and, where it projects inside, one in the right image. It also
// returns the landmark index of every left keypoint.
func observe(t *testing.T, id int, cam *transform.StereoCamera, twc spatialmath.Pose, world []landmark) (*Frame, []int) {
	t.Helper()
	tcw := spatialmath.PoseInverse(twc)
	var left, right Features
	var ids []int
	for i, lm := range world {
		xc := spatialmath.TransformPoint(tcw, lm.pos)
		px, ok := cam.PointToPixel(xc)
		if !ok || !cam.InImage(px) {
			continue
		}
		left.Keys = append(left.Keys, keypoints.KeyPoint{Pt: px})
		left.Descs = append(left.Descs, lm.desc)
		ids = append(ids, i)
		if ur := cam.RightU(px.X, xc.Z); ur >= 0 {
			right.Keys = append(right.Keys, keypoints.KeyPoint{Pt: r2.Point{X: ur, Y: px.Y}})
			right.Descs = append(right.Descs, lm.desc)
		}
	}
	f := NewFrame(id, float64(id), left, right, cam, testScaleFactors, testInvSigma2, 35)
	f.SetPose(tcw)
	return f, ids
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SequenceDir = "unused"
	cfg.Camera = config.CameraConfig{Fx: 500, Fy: 500, Cx: 320, Cy: 240, Bf: 250, ThDepth: 35}
	return cfg
}

// Rendered scenes: a half plane (x < 0) 10 m in front of the origin occluding a background plane
// at 20 m, both covered in block noise. The camera moves along x by renderStep per frame so that
// both planes shift by a whole number of pixels between frames and between the two eyes.
const (
	renderWidth  = 320
	renderHeight = 240
	renderFocal  = 300
	renderBf     = 200
	renderStep   = 0.2
	renderNearZ  = 10
	renderFarZ   = 20
	renderBlock  = 4
	texturePad   = 400
)

type texture struct {
	w, h int
	vals []uint8
}

func newTexture(seed int64) *texture {
	rng := rand.New(rand.NewSource(seed))
	tex := &texture{w: 1400 / renderBlock, h: 800 / renderBlock}
	tex.vals = make([]uint8, tex.w*tex.h)
	for i := range tex.vals {
		tex.vals[i] = uint8(rng.Intn(256))
	}
	return tex
}

func (tex *texture) at(u, v int) uint8 {
	u = (u + texturePad) / renderBlock
	v = (v + texturePad) / renderBlock
	return tex.vals[v*tex.w+u]
}

// renderView renders the scene for a camera at x = camX.
func renderView(near, far *texture, camX float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, renderWidth, renderHeight))
	nearShift := int(math.Round(camX * renderFocal / renderNearZ))
	farShift := int(math.Round(camX * renderFocal / renderFarZ))
	for y := 0; y < renderHeight; y++ {
		v := y - renderHeight/2
		for x := 0; x < renderWidth; x++ {
			u := x - renderWidth/2
			if un := u + nearShift; un < 0 {
				img.Pix[y*img.Stride+x] = near.at(un, v)
			} else {
				img.Pix[y*img.Stride+x] = far.at(u+farShift, v)
			}
		}
	}
	return img
}

// renderStereo renders the left and right images of frame k.
func renderStereo(near, far *texture, k int) (*image.Gray, *image.Gray) {
	camX := float64(k) * renderStep
	return renderView(near, far, camX), renderView(near, far, camX+float64(renderBf)/renderFocal)
}

func renderConfig() *config.Config {
	cfg := config.Default()
	cfg.SequenceDir = "unused"
	cfg.Camera = config.CameraConfig{
		Fx: renderFocal, Fy: renderFocal,
		Cx: renderWidth / 2, Cy: renderHeight / 2,
		Bf: renderBf, ThDepth: 35,
	}
	cfg.ORB.NFeatures = 1000
	return cfg
}
