package slam

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/posegraph/spatialmath"
)

func TestFormatTrajectoryLine(t *testing.T) {
	line := FormatTrajectoryLine(spatialmath.NewPoseFromPoint(r3.Vector{X: 1.5, Y: -2, Z: 0.25}))
	test.That(t, line, test.ShouldEqual,
		"1.000000e+00 0.000000e+00 0.000000e+00 1.500000e+00 "+
			"0.000000e+00 1.000000e+00 0.000000e+00 -2.000000e+00 "+
			"0.000000e+00 0.000000e+00 1.000000e+00 2.500000e-01")
}

func TestTrajectoryRoundTrip(t *testing.T) {
	poses := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPose(r3.Vector{X: 0.1, Y: 0.2, Z: 3}, &spatialmath.R4AA{Theta: 0.3, RY: 1}),
		spatialmath.NewPose(r3.Vector{X: -4, Y: 0, Z: 12.5}, &spatialmath.R4AA{Theta: 1.2, RX: 0.2, RY: 1, RZ: -0.1}),
	}
	var buf bytes.Buffer
	test.That(t, WriteTrajectory(&buf, poses), test.ShouldBeNil)
	test.That(t, strings.Count(buf.String(), "\n"), test.ShouldEqual, len(poses))

	read, err := ReadTrajectory(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read, test.ShouldHaveLength, len(poses))
	for i := range poses {
		test.That(t, spatialmath.PoseAlmostEqualEps(read[i], poses[i], 1e-5), test.ShouldBeTrue)
	}
}

func TestTrajectoryFiles(t *testing.T) {
	dir := t.TempDir()
	poses := []spatialmath.Pose{
		spatialmath.NewPoseFromPoint(r3.Vector{Z: 1}),
		spatialmath.NewPoseFromPoint(r3.Vector{Z: 2}),
	}

	path := filepath.Join(dir, "nested", "poses.txt")
	test.That(t, WriteTrajectoryFile(path, poses), test.ShouldBeNil)
	read, err := ReadTrajectoryFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read, test.ShouldHaveLength, 2)
	test.That(t, read[1].Point().Z, test.ShouldAlmostEqual, 2)

	streamed := filepath.Join(dir, "streamed.txt")
	w, err := NewTrajectoryWriter(streamed)
	test.That(t, err, test.ShouldBeNil)
	for _, p := range poses {
		test.That(t, w.Write(p), test.ShouldBeNil)
	}
	test.That(t, w.Close(), test.ShouldBeNil)
	a, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	b, err := os.ReadFile(streamed)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(b), test.ShouldEqual, string(a))

	_, err = ReadTrajectoryFile(filepath.Join(dir, "missing.txt"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadTrajectoryErrors(t *testing.T) {
	_, err := ReadTrajectory(strings.NewReader("1 0 0 0 0 1 0 0 0 0 1\n"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "line 1")

	_, err = ReadTrajectory(strings.NewReader("\n1 0 0 0 0 1 0 0 0 0 1 x\n"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "line 2")

	poses, err := ReadTrajectory(strings.NewReader(""))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses, test.ShouldBeEmpty)
}
