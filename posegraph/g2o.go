package posegraph

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/posegraph/spatialmath"
)

const (
	tagVertex = "VERTEX_SE3:QUAT"
	tagEdge   = "EDGE_SE3:QUAT"
	tagFix    = "FIX"
)

// Save writes the graph in the g2o text format. Vertices are written in id order, each fixed one
// followed by a FIX line, then the edges in insertion order.
func (o *Optimizer) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, v := range o.Vertices() {
		if _, err := bw.WriteString(tagVertex + " " + strconv.Itoa(v.ID) + " " + formatPose(v.Estimate) + "\n"); err != nil {
			return err
		}
		if v.Fixed {
			if _, err := bw.WriteString(tagFix + " " + strconv.Itoa(v.ID) + "\n"); err != nil {
				return err
			}
		}
	}
	for _, e := range o.edges {
		var sb strings.Builder
		sb.WriteString(tagEdge)
		sb.WriteString(" " + strconv.Itoa(e.From) + " " + strconv.Itoa(e.To) + " " + formatPose(e.Measurement))
		for r := 0; r < 6; r++ {
			for c := r; c < 6; c++ {
				sb.WriteString(" " + formatFloat(e.Information[r][c]))
			}
		}
		sb.WriteString("\n")
		if _, err := bw.WriteString(sb.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SaveFile writes the graph to path, creating its directory if needed.
func (o *Optimizer) SaveFile(path string) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return o.Save(f)
}

// Load reads a g2o text graph into o. Edges get the configured robust kernel. Lines with unknown
// tags are skipped.
func (o *Optimizer) Load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		var err error
		switch fields[0] {
		case tagVertex:
			err = o.loadVertex(fields[1:])
		case tagEdge:
			err = o.loadEdge(fields[1:])
		case tagFix:
			err = o.loadFix(fields[1:])
		default:
			o.logger.Debugw("skipping unknown g2o tag", "tag", fields[0], "line", lineNum)
		}
		if err != nil {
			return errors.Wrapf(err, "line %d", lineNum)
		}
	}
	return scanner.Err()
}

// LoadFile reads the g2o graph stored at path.
func (o *Optimizer) LoadFile(path string) (err error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return o.Load(f)
}

func (o *Optimizer) loadVertex(fields []string) error {
	if len(fields) != 8 {
		return errors.Errorf("%s expects 8 values, got %d", tagVertex, len(fields))
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return err
	}
	p, err := parsePose(fields[1:8])
	if err != nil {
		return err
	}
	return o.AddVertex(&VertexSE3{ID: id, Estimate: p})
}

func (o *Optimizer) loadFix(fields []string) error {
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return err
		}
		v, ok := o.vertices[id]
		if !ok {
			return errors.Wrapf(ErrUnknownVertex, "cannot fix vertex %d", id)
		}
		v.Fixed = true
	}
	o.initialized = false
	return nil
}

func (o *Optimizer) loadEdge(fields []string) error {
	if len(fields) != 2+7+21 {
		return errors.Errorf("%s expects 30 values, got %d", tagEdge, len(fields))
	}
	from, err := strconv.Atoi(fields[0])
	if err != nil {
		return err
	}
	to, err := strconv.Atoi(fields[1])
	if err != nil {
		return err
	}
	meas, err := parsePose(fields[2:9])
	if err != nil {
		return err
	}
	var info Information
	k := 9
	for r := 0; r < 6; r++ {
		for c := r; c < 6; c++ {
			v, err := strconv.ParseFloat(fields[k], 64)
			if err != nil {
				return err
			}
			info[r][c] = v
			info[c][r] = v
			k++
		}
	}
	return o.AddEdge(&EdgeSE3{
		ID:          len(o.edges),
		From:        from,
		To:          to,
		Measurement: meas,
		Information: info,
		Kernel:      o.cfg.Kernel(),
	})
}

// formatPose writes "x y z qx qy qz qw" with a non-negative qw.
func formatPose(p spatialmath.Pose) string {
	t := p.Point()
	q := spatialmath.Normalize(p.Orientation().Quaternion())
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	vals := []float64{t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, " ")
}

func formatFloat(v float64) string {
	if v == 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parsePose(fields []string) (spatialmath.Pose, error) {
	var vals [7]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	q := quat.Number{Real: vals[6], Imag: vals[3], Jmag: vals[4], Kmag: vals[5]}
	if quat.Abs(q) == 0 {
		return nil, errors.New("zero quaternion")
	}
	ori := spatialmath.Quaternion(spatialmath.Normalize(q))
	return spatialmath.NewPose(r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}, &ori), nil
}
