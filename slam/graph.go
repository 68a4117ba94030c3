package slam

import (
	"github.com/pkg/errors"

	"go.viam.com/posegraph/config"
	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/posegraph"
	"go.viam.com/posegraph/spatialmath"
)

// Kinds of edges added to the graph.
const (
	EdgeOdometry = "odometry"
	EdgeLoop     = "loop"
)

// EdgeReport describes one edge added by the builder.
type EdgeReport struct {
	From    int
	To      int
	Kind    string
	Matches int
	// Inliers and Norm are only set for loop edges.
	Inliers int
	Norm    float64
}

// GraphBuilder adds a vertex per frame and an edge per accepted frame pair to an optimizer.
type GraphBuilder struct {
	optimizer   *posegraph.Optimizer
	matcher     *Matcher
	cfg         *config.Config
	information posegraph.Information
	logger      logging.Logger
	nextEdgeID  int
}

// NewGraphBuilder returns a builder filling optimizer.
func NewGraphBuilder(
	cfg *config.Config,
	optimizer *posegraph.Optimizer,
	matcher *Matcher,
	logger logging.Logger,
) *GraphBuilder {
	return &GraphBuilder{
		optimizer:   optimizer,
		matcher:     matcher,
		cfg:         cfg,
		information: posegraph.DiagonalInformation(cfg.Edge.InformationTranslation, cfg.Edge.InformationRotation),
		logger:      logger,
	}
}

// Optimizer returns the optimizer being filled.
func (b *GraphBuilder) Optimizer() *posegraph.Optimizer {
	return b.optimizer
}

// AddFrame adds the vertex of f with an identity estimate. Frame 0 is fixed.
func (b *GraphBuilder) AddFrame(f *Frame) error {
	return b.optimizer.AddVertex(&posegraph.VertexSE3{
		ID:       f.ID,
		Estimate: spatialmath.NewZeroPose(),
		Fixed:    f.ID == 0,
	})
}

// CheckForPoseGraph checks cur against every candidate and returns the edges added.
func (b *GraphBuilder) CheckForPoseGraph(candidates []*Frame, cur *Frame) ([]EdgeReport, error) {
	var reports []EdgeReport
	for _, f := range candidates {
		report, err := b.CheckFrame(f, cur)
		if err != nil {
			return reports, errors.Wrapf(err, "checking frame %d against %d", cur.ID, f.ID)
		}
		if report != nil {
			reports = append(reports, *report)
		}
	}
	return reports, nil
}

// CheckFrame matches f2 against the earlier frame f1 and adds an edge when warranted. Consecutive
// frames always get an odometry edge from their tracked poses. Other pairs need more than
// Motion.minMatches matches, then PnP with more than Motion.minInliers inliers and a motion
// smaller than Motion.maxNorm. It returns nil when no edge was added.
func (b *GraphBuilder) CheckFrame(f1, f2 *Frame) (*EdgeReport, error) {
	matches, err := b.matcher.Match(f2, f1)
	if err != nil {
		return nil, err
	}
	b.logger.Debugw("matched frames", "from", f1.ID, "to", f2.ID, "matches", len(matches))

	if f2.ID-f1.ID == 1 {
		if err := b.addEdge(f1.ID, f2.ID, spatialmath.Compose(f1.Tcw(), f2.Twc())); err != nil {
			return nil, err
		}
		return &EdgeReport{From: f1.ID, To: f2.ID, Kind: EdgeOdometry, Matches: len(matches)}, nil
	}
	if len(matches) <= b.cfg.Motion.MinMatches {
		return nil, nil
	}

	res, err := EstimateMotion(f1, f2, matches, b.cfg.PnP)
	if err != nil {
		return nil, err
	}
	norm := res.Norm()
	if res.Inliers <= b.cfg.Motion.MinInliers || norm >= b.cfg.Motion.MaxNorm {
		b.logger.Debugw("rejected motion", "from", f1.ID, "to", f2.ID, "inliers", res.Inliers, "norm", norm)
		return nil, nil
	}
	if err := b.addEdge(f1.ID, f2.ID, spatialmath.PoseInverse(res.Pose)); err != nil {
		return nil, err
	}
	b.logger.Infow("added loop edge", "from", f1.ID, "to", f2.ID, "inliers", res.Inliers, "norm", norm)
	return &EdgeReport{
		From:    f1.ID,
		To:      f2.ID,
		Kind:    EdgeLoop,
		Matches: len(matches),
		Inliers: res.Inliers,
		Norm:    norm,
	}, nil
}

func (b *GraphBuilder) addEdge(from, to int, measurement spatialmath.Pose) error {
	e := &posegraph.EdgeSE3{
		ID:          b.nextEdgeID,
		From:        from,
		To:          to,
		Measurement: measurement,
		Information: b.information,
		Kernel:      b.cfg.Optimizer.Kernel(),
	}
	if err := b.optimizer.AddEdge(e); err != nil {
		return err
	}
	b.nextEdgeID++
	return nil
}
