package slam

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/posegraph/spatialmath"
)

// FormatTrajectoryLine renders a camera to world pose as the 12 space separated values of its
// 3x4 matrix in row-major order, the KITTI odometry pose format.
func FormatTrajectoryLine(twc spatialmath.Pose) string {
	m := spatialmath.PoseToMat4(twc)
	parts := make([]string, 0, 12)
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			parts = append(parts, strconv.FormatFloat(m.At(r, c), 'e', 6, 64))
		}
	}
	return strings.Join(parts, " ")
}

// WriteTrajectory writes one line per pose.
func WriteTrajectory(w io.Writer, poses []spatialmath.Pose) error {
	bw := bufio.NewWriter(w)
	for _, p := range poses {
		if _, err := bw.WriteString(FormatTrajectoryLine(p) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteTrajectoryFile writes poses to path, creating its directory if needed.
func WriteTrajectoryFile(path string, poses []spatialmath.Pose) (err error) {
	f, err := createFile(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return WriteTrajectory(f, poses)
}

// ReadTrajectory parses poses written by WriteTrajectory or any KITTI pose file.
func ReadTrajectory(r io.Reader) ([]spatialmath.Pose, error) {
	var poses []spatialmath.Pose
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 12 {
			return nil, errors.Errorf("line %d: expected 12 values, got %d", lineNum, len(fields))
		}
		var rows [3]mgl64.Vec4
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNum)
			}
			rows[i/4][i%4] = v
		}
		m := mgl64.Mat4FromRows(rows[0], rows[1], rows[2], mgl64.Vec4{0, 0, 0, 1})
		poses = append(poses, spatialmath.PoseFromMat4(m))
	}
	return poses, scanner.Err()
}

// ReadTrajectoryFile reads the poses stored at path.
func ReadTrajectoryFile(path string) (poses []spatialmath.Pose, err error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return ReadTrajectory(f)
}

// TrajectoryWriter appends poses to an open trajectory file as they are produced.
type TrajectoryWriter struct {
	f  *os.File
	bw *bufio.Writer
}

// NewTrajectoryWriter creates path and returns a writer appending to it.
func NewTrajectoryWriter(path string) (*TrajectoryWriter, error) {
	f, err := createFile(path)
	if err != nil {
		return nil, err
	}
	return &TrajectoryWriter{f: f, bw: bufio.NewWriter(f)}, nil
}

// Write appends one pose.
func (w *TrajectoryWriter) Write(twc spatialmath.Pose) error {
	_, err := w.bw.WriteString(FormatTrajectoryLine(twc) + "\n")
	return err
}

// Close flushes and closes the file.
func (w *TrajectoryWriter) Close() error {
	return multierr.Combine(w.bw.Flush(), w.f.Close())
}

func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	//nolint:gosec
	return os.Create(path)
}
