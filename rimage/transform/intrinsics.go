// Package transform contains the pinhole stereo camera model and camera pose estimation
// from 3D-2D correspondences.
package transform

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width == 0 || params.Height == 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// K returns the 3x3 camera matrix.
func (params *PinholeCameraIntrinsics) K() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		params.Fx, 0, params.Ppx,
		0, params.Fy, params.Ppy,
		0, 0, 1,
	})
}

// PixelToPoint back-projects pixel (u, v) at the given depth into the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(u, v, depth float64) r3.Vector {
	return r3.Vector{
		X: (u - params.Ppx) / params.Fx * depth,
		Y: (v - params.Ppy) / params.Fy * depth,
		Z: depth,
	}
}

// PointToPixel projects a point in the camera frame onto the image plane. The second return is
// false for points at or behind the camera.
func (params *PinholeCameraIntrinsics) PointToPixel(p r3.Vector) (r2.Point, bool) {
	if p.Z <= 0 {
		return r2.Point{X: -1, Y: -1}, false
	}
	return r2.Point{X: p.X/p.Z*params.Fx + params.Ppx, Y: p.Y/p.Z*params.Fy + params.Ppy}, true
}

// Normalize returns the normalized image coordinates of pixel (u, v).
func (params *PinholeCameraIntrinsics) Normalize(pt r2.Point) r2.Point {
	return r2.Point{X: (pt.X - params.Ppx) / params.Fx, Y: (pt.Y - params.Ppy) / params.Fy}
}

// InImage reports whether the pixel lies inside the image bounds. Zero-sized intrinsics accept everything.
func (params *PinholeCameraIntrinsics) InImage(pt r2.Point) bool {
	if params.Width == 0 || params.Height == 0 {
		return true
	}
	return pt.X >= 0 && pt.Y >= 0 && pt.X < float64(params.Width) && pt.Y < float64(params.Height)
}

// StereoCamera is a rectified stereo pair. Bf is the baseline times the horizontal focal length.
type StereoCamera struct {
	PinholeCameraIntrinsics
	Bf float64 `json:"bf"`
}

// Baseline returns the distance between the two optical centers.
func (s *StereoCamera) Baseline() float64 {
	return s.Bf / s.Fx
}

// DepthFromDisparity converts a disparity in pixels into a depth. Non-positive disparities give -1.
func (s *StereoCamera) DepthFromDisparity(disparity float64) float64 {
	if disparity <= 0 {
		return -1
	}
	return s.Bf / disparity
}

// RightU returns where a left-image column at the given depth appears in the right image.
func (s *StereoCamera) RightU(u, depth float64) float64 {
	return u - s.Bf/depth
}
