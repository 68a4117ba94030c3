package posegraph

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/spatialmath"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	truth := ringPoses(7)
	opt := newRingGraph(t, DefaultOptimizerConfig(), truth, 2)
	opt.Edges()[3].Information[0][4] = 0.25
	opt.Edges()[3].Information[4][0] = 0.25

	var buf bytes.Buffer
	test.That(t, opt.Save(&buf), test.ShouldBeNil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, len(lines), test.ShouldEqual, 7+1+len(opt.Edges()))
	test.That(t, lines[0], test.ShouldStartWith, "VERTEX_SE3:QUAT 0 ")
	test.That(t, lines[1], test.ShouldEqual, "FIX 0")
	test.That(t, lines[8], test.ShouldStartWith, "EDGE_SE3:QUAT 0 1 ")
	test.That(t, len(strings.Fields(lines[8])), test.ShouldEqual, 31)

	loaded, err := NewOptimizer(DefaultOptimizerConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Load(&buf), test.ShouldBeNil)

	test.That(t, len(loaded.Vertices()), test.ShouldEqual, len(opt.Vertices()))
	for _, v := range opt.Vertices() {
		other, ok := loaded.Vertex(v.ID)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, other.Fixed, test.ShouldEqual, v.Fixed)
		test.That(t, spatialmath.PoseAlmostEqualEps(other.Estimate, v.Estimate, 1e-12), test.ShouldBeTrue)
	}
	edges, loadedEdges := opt.Edges(), loaded.Edges()
	test.That(t, len(loadedEdges), test.ShouldEqual, len(edges))
	for i, e := range edges {
		test.That(t, loadedEdges[i].From, test.ShouldEqual, e.From)
		test.That(t, loadedEdges[i].To, test.ShouldEqual, e.To)
		test.That(t, loadedEdges[i].Information, test.ShouldResemble, e.Information)
		test.That(t, loadedEdges[i].Kernel, test.ShouldResemble, Huber{Delta: 1})
		test.That(t, spatialmath.PoseAlmostEqualEps(loadedEdges[i].Measurement, e.Measurement, 1e-12), test.ShouldBeTrue)
	}
}

func TestSaveWritesPositiveScalar(t *testing.T) {
	opt, err := NewOptimizer(DefaultOptimizerConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	flipped := spatialmath.Quaternion{Real: -1}
	test.That(t, opt.AddVertex(&VertexSE3{
		ID:       4,
		Estimate: spatialmath.NewPose(r3.Vector{X: 1.5}, &flipped),
	}), test.ShouldBeNil)
	var buf bytes.Buffer
	test.That(t, opt.Save(&buf), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldEqual, "VERTEX_SE3:QUAT 4 1.5 0 0 0 0 0 1\n")
}

func TestSaveLoadFile(t *testing.T) {
	opt := newRingGraph(t, DefaultOptimizerConfig(), ringPoses(5), 4)
	path := filepath.Join(t.TempDir(), "g2o", "graph.g2o")
	test.That(t, opt.SaveFile(path), test.ShouldBeNil)

	loaded, err := NewOptimizer(DefaultOptimizerConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.LoadFile(path), test.ShouldBeNil)
	test.That(t, len(loaded.Edges()), test.ShouldEqual, len(opt.Edges()))

	test.That(t, loaded.LoadFile(filepath.Join(t.TempDir(), "missing.g2o")), test.ShouldNotBeNil)
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
		check func(error) bool
	}{
		{"short vertex", "VERTEX_SE3:QUAT 0 1 2 3\n", nil},
		{"bad number", "VERTEX_SE3:QUAT 0 a 0 0 0 0 0 1\n", nil},
		{"zero quaternion", "VERTEX_SE3:QUAT 0 0 0 0 0 0 0 0\n", nil},
		{"fix unknown", "FIX 3\n", func(err error) bool { return errors.Is(err, ErrUnknownVertex) }},
		{
			"edge unknown vertex",
			"VERTEX_SE3:QUAT 0 0 0 0 0 0 0 1\nEDGE_SE3:QUAT 0 1 0 0 0 0 0 0 1" + strings.Repeat(" 1", 21) + "\n",
			func(err error) bool { return errors.Is(err, ErrUnknownVertex) },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opt, err := NewOptimizer(DefaultOptimizerConfig(), logging.NewTestLogger(t))
			test.That(t, err, test.ShouldBeNil)
			err = opt.Load(strings.NewReader(tc.input))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, "line ")
			if tc.check != nil {
				test.That(t, tc.check(err), test.ShouldBeTrue)
			}
		})
	}
}

func TestLoadSkipsUnknownTags(t *testing.T) {
	opt, err := NewOptimizer(DefaultOptimizerConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	input := "# comment\n\nVERTEX_SE2 0 0 0 0\nVERTEX_SE3:QUAT 2 0 0 0 0 0 0 1\nFIX 2\n"
	test.That(t, opt.Load(strings.NewReader(input)), test.ShouldBeNil)
	v, ok := opt.Vertex(2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.Fixed, test.ShouldBeTrue)
	test.That(t, len(opt.Vertices()), test.ShouldEqual, 1)
}
