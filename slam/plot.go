package slam

import (
	"image/color"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.viam.com/posegraph/spatialmath"
)

// TrajectorySeries is a named camera path, each pose mapping camera to world.
type TrajectorySeries struct {
	Name  string
	Poses []spatialmath.Pose
}

var seriesColors = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 148, G: 103, B: 189, A: 255},
}

// PlotTrajectories draws a top-down view (x against z) of every series and saves it to path.
// The image format follows the file extension.
func PlotTrajectories(path string, series ...TrajectorySeries) error {
	p := plot.New()
	p.Title.Text = "Camera trajectory"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "z (m)"
	p.Add(plotter.NewGrid())

	drawn := 0
	for i, s := range series {
		if len(s.Poses) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(s.Poses))
		for k, pose := range s.Poses {
			c := pose.Point()
			pts[k] = plotter.XY{X: c.X, Y: c.Z}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return errors.Wrapf(err, "plotting %s", s.Name)
		}
		line.Color = seriesColors[i%len(seriesColors)]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.Name, line)
		drawn++
	}
	if drawn == 0 {
		return errors.New("no trajectory to plot")
	}
	p.Legend.Top = true

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 8*vg.Inch, path)
}
