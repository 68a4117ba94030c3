package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"
)

const kittiSettings = `%YAML:1.0

sequence_dir: "/data/kitti/00"

Camera.fx: 718.856
Camera.fy: 718.856
Camera.cx: 607.1928
Camera.cy: 185.2157
Camera.width: 1241
Camera.height: 376
Camera.fps: 10.0
Camera.bf: 386.1448

ThDepth: 35

ORBextractor.nFeatures: 1500
ORBextractor.scaleFactor: 1.2
ORBextractor.nLevels: 8
ORBextractor.iniThFAST: 20
ORBextractor.minThFAST: 7

Matcher.method: bf
Optimizer.iterations: 50
Optimizer.robustKernel: Cauchy
Output.dir: out

Viewer.KeyFrameSize: 0.6
LEFT.K: !!opencv-matrix
   rows: 3
   cols: 3
   dt: d
   data: [1, 0, 0, 0, 1, 0, 0, 0, 1]
`

func TestFromReader(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(kittiSettings), "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.SequenceDir, test.ShouldEqual, "/data/kitti/00")
	test.That(t, cfg.Camera.Fx, test.ShouldAlmostEqual, 718.856)
	test.That(t, cfg.Camera.Cy, test.ShouldAlmostEqual, 185.2157)
	test.That(t, cfg.Camera.Bf, test.ShouldAlmostEqual, 386.1448)
	test.That(t, cfg.Camera.Width, test.ShouldEqual, 1241)
	test.That(t, cfg.Camera.ThDepth, test.ShouldAlmostEqual, 35)
	test.That(t, cfg.ORB.NFeatures, test.ShouldEqual, 1500)
	test.That(t, cfg.ORB.NLevels, test.ShouldEqual, 8)
	test.That(t, cfg.Matcher.Method, test.ShouldEqual, MatchBruteForce)
	test.That(t, cfg.Optimizer.Iterations, test.ShouldEqual, 50)
	test.That(t, cfg.Optimizer.RobustKernel, test.ShouldEqual, "Cauchy")
	test.That(t, cfg.Output.Dir, test.ShouldEqual, "out")

	// untouched keys keep their defaults
	test.That(t, cfg.Candidates.LoopMinGap, test.ShouldEqual, 100)
	test.That(t, cfg.Motion.MinMatches, test.ShouldEqual, 180)
	test.That(t, cfg.PnP.Iterations, test.ShouldEqual, 200)
	test.That(t, cfg.Output.GraphAfter, test.ShouldEqual, "g2o/result_after.g2o")
}

func TestFromReaderDirectiveAfterPreamble(t *testing.T) {
	for _, preamble := range []string{"\n", "   \n\n", "# KITTI 00-02\n", "\n# stereo\n\n"} {
		cfg, err := FromReader(strings.NewReader(preamble+kittiSettings), "")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.Camera.Fx, test.ShouldAlmostEqual, 718.856)
		test.That(t, cfg.ORB.NFeatures, test.ShouldEqual, 1500)
	}
}

func TestStripYAMLDirective(t *testing.T) {
	test.That(t, string(stripYAMLDirective([]byte("\n%YAML:1.0\na: 1\n"))), test.ShouldEqual, "\n\na: 1\n")
	test.That(t, string(stripYAMLDirective([]byte("%YAML:1.0"))), test.ShouldEqual, "\n")
	test.That(t, string(stripYAMLDirective([]byte("a: 1\n%YAML:1.0\n"))), test.ShouldEqual, "a: 1\n%YAML:1.0\n")
	test.That(t, string(stripYAMLDirective([]byte("a: 1\n"))), test.ShouldEqual, "a: 1\n")
}

func TestRead(t *testing.T) {
	dir := t.TempDir()
	seq := filepath.Join(dir, "seq")
	test.That(t, os.MkdirAll(seq, 0o750), test.ShouldBeNil)

	settings := strings.Replace(kittiSettings, "/data/kitti/00", "seq", 1)
	path := filepath.Join(dir, "KITTI00-02.yaml")
	test.That(t, os.WriteFile(path, []byte(settings), 0o600), test.ShouldBeNil)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.ConfigFilePath, test.ShouldEqual, path)
	test.That(t, cfg.SequenceDir, test.ShouldEqual, seq)

	_, err = Read(filepath.Join(dir, "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.SequenceDir = "seq"
		cfg.Camera = CameraConfig{Fx: 500, Fy: 500, Cx: 320, Cy: 240, Bf: 50, ThDepth: 35}
		return cfg
	}
	test.That(t, valid().Validate("path"), test.ShouldBeNil)

	cfg := valid()
	cfg.SequenceDir = ""
	err := cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "sequence_dir")

	cfg = valid()
	cfg.Camera.Bf = 0
	err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "Camera.bf")

	cfg = valid()
	cfg.Matcher.Method = "flann"
	err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "flann")

	cfg = valid()
	cfg.Candidates.LoopMinGap = 3
	test.That(t, cfg.Validate("path"), test.ShouldNotBeNil)

	cfg = valid()
	cfg.Optimizer.Algorithm = "dogleg"
	test.That(t, cfg.Validate("path"), test.ShouldNotBeNil)

	cfg = valid()
	cfg.ORB.ScaleFactor = 1
	test.That(t, cfg.Validate("path"), test.ShouldNotBeNil)

	cfg = valid()
	cfg.PnP.Confidence = 1.5
	test.That(t, cfg.Validate("path"), test.ShouldNotBeNil)
}

func TestFromReaderMissingCamera(t *testing.T) {
	_, err := FromReader(strings.NewReader("sequence_dir: /tmp\n"), "cfg.yaml")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "Camera.fx")
}

func TestStereo(t *testing.T) {
	cam := CameraConfig{Fx: 500, Fy: 510, Cx: 320, Cy: 240, Bf: 50, Width: 640, Height: 480}
	st := cam.Stereo()
	test.That(t, st.Fx, test.ShouldEqual, 500.)
	test.That(t, st.Ppy, test.ShouldEqual, 240.)
	test.That(t, st.Bf, test.ShouldEqual, 50.)
	test.That(t, st.Baseline(), test.ShouldAlmostEqual, 0.1)
}
