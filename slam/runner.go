package slam

import (
	"context"
	"io"
	"path/filepath"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/posegraph/config"
	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/posegraph"
	"go.viam.com/posegraph/runstore"
	"go.viam.com/posegraph/spatialmath"
)

// RunResult summarizes a run.
type RunResult struct {
	RunID      string
	Frames     int
	Edges      int
	LoopEdges  int
	Lost       int
	Iterations int
	Chi2Before float64
	Chi2After  float64
	// Tracked and Optimized are the camera to world poses before and after optimization.
	Tracked   []spatialmath.Pose
	Optimized []spatialmath.Pose
}

// Runner drives a whole sequence: tracking, graph construction, optimization and output.
type Runner struct {
	cfg    *config.Config
	logger logging.Logger
}

// NewRunner returns a runner for cfg.
func NewRunner(cfg *config.Config, logger logging.Logger) (*Runner, error) {
	if err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

func (r *Runner) outputPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.cfg.Output.Dir, name)
}

// Run processes the sequence frame by frame, then optimizes the graph. Every frame gets a vertex
// and, from the second one on, edges to the candidates that pass the motion checks. The tracked
// trajectory is written as frames arrive and the graph is saved before and after optimization.
func (r *Runner) Run(ctx context.Context) (res *RunResult, err error) {
	cfg := r.cfg
	reader, err := NewSequenceReader(ctx, cfg.SequenceDir, cfg.SequenceStart, cfg.SequenceLength, r.logger.Sublogger("reader"))
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, reader.Close())
	}()

	tracker, err := NewTracker(cfg, r.logger.Sublogger("tracker"))
	if err != nil {
		return nil, err
	}
	optimizer, err := posegraph.NewOptimizer(cfg.Optimizer, r.logger.Sublogger("optimizer"))
	if err != nil {
		return nil, err
	}
	builder := NewGraphBuilder(cfg, optimizer, tracker.Matcher(), r.logger.Sublogger("graph"))

	var store *runstore.Store
	res = &RunResult{}
	if cfg.Output.Database != "" {
		store, err = runstore.Open(ctx, r.outputPath(cfg.Output.Database), r.logger.Sublogger("runstore"))
		if err != nil {
			return nil, err
		}
		defer func() {
			err = multierr.Combine(err, store.Close())
		}()
		if res.RunID, err = store.CreateRun(ctx, cfg.ConfigFilePath, cfg.SequenceDir); err != nil {
			return nil, err
		}
	}

	trajectory, err := NewTrajectoryWriter(r.outputPath(cfg.Output.Poses))
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, trajectory.Close())
	}()

	r.logger.Infow("processing sequence", "dir", cfg.SequenceDir, "frames", reader.Len())
	var frames []*Frame
	var edgeMatches stats.Float64Data
	for {
		pair, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		frame, err := tracker.Track(ctx, pair.Left, pair.Right, pair.Timestamp)
		if err != nil {
			return nil, errors.Wrapf(err, "tracking image %d", pair.Index)
		}
		r.logger.Debugw("process", "frame", frame.ID, "image", pair.Index)
		if err := builder.AddFrame(frame); err != nil {
			return nil, err
		}

		var reports []EdgeReport
		if frame.ID > 0 {
			candidates := SelectCandidates(frames, frame, cfg.Candidates, r.logger)
			if reports, err = builder.CheckForPoseGraph(candidates, frame); err != nil {
				return nil, err
			}
		}
		frames = append(frames, frame)
		res.Tracked = append(res.Tracked, frame.Twc())
		if err := trajectory.Write(frame.Twc()); err != nil {
			return nil, err
		}

		for _, rep := range reports {
			res.Edges++
			edgeMatches = append(edgeMatches, float64(rep.Matches))
			if rep.Kind == EdgeLoop {
				res.LoopEdges++
			}
		}
		if store != nil {
			if err := recordFrame(ctx, store, res.RunID, frame, reports); err != nil {
				return nil, err
			}
		}
	}
	res.Frames = len(frames)
	res.Lost = tracker.Lost()
	if median, err := edgeMatches.Median(); err == nil {
		r.logger.Infow("built pose graph", "vertices", res.Frames, "edges", res.Edges,
			"loops", res.LoopEdges, "median edge matches", median, "lost", res.Lost)
	}

	if err := r.optimize(ctx, optimizer, res); err != nil {
		return nil, err
	}
	if err := WriteTrajectoryFile(r.outputPath(cfg.Output.OptimizedPoses), res.Optimized); err != nil {
		return nil, err
	}
	if cfg.Output.Plot != "" {
		if err := PlotTrajectories(r.outputPath(cfg.Output.Plot),
			TrajectorySeries{Name: "tracked", Poses: res.Tracked},
			TrajectorySeries{Name: "optimized", Poses: res.Optimized},
		); err != nil {
			return nil, err
		}
	}
	if store != nil {
		if err := store.FinishRun(ctx, res.RunID, runstore.Summary{
			Iterations: res.Iterations,
			LoopEdges:  res.LoopEdges,
			Chi2Before: res.Chi2Before,
			Chi2After:  res.Chi2After,
		}); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r *Runner) optimize(ctx context.Context, optimizer *posegraph.Optimizer, res *RunResult) error {
	cfg := r.cfg
	r.logger.Infow("optimizing pose graph", "vertices", len(optimizer.Vertices()), "edges", len(optimizer.Edges()))
	if err := optimizer.SaveFile(r.outputPath(cfg.Output.GraphBefore)); err != nil {
		return err
	}
	if err := optimizer.InitializeOptimization(); err != nil {
		return err
	}
	if err := optimizer.ComputeInitialGuess(cfg.Optimizer.InitialGuess); err != nil {
		return err
	}
	res.Chi2Before = optimizer.ActiveChi2()
	n, err := optimizer.Optimize(ctx, cfg.Optimizer.Iterations)
	res.Iterations = n
	if err != nil {
		return err
	}
	res.Chi2After = optimizer.ActiveChi2()
	if err := optimizer.SaveFile(r.outputPath(cfg.Output.GraphAfter)); err != nil {
		return err
	}
	res.Optimized = lo.Map(optimizer.Vertices(), func(v *posegraph.VertexSE3, _ int) spatialmath.Pose {
		return v.Estimate
	})
	r.logger.Infow("optimization done", "iterations", n, "chi2 before", res.Chi2Before, "chi2 after", res.Chi2After)
	return nil
}

func recordFrame(ctx context.Context, store *runstore.Store, runID string, f *Frame, reports []EdgeReport) error {
	if err := store.RecordFrame(ctx, runID, runstore.FrameRecord{
		FrameID:   f.ID,
		Timestamp: f.Timestamp,
		Keypoints: len(f.Keys),
		Stereo:    f.NumStereo(),
		Pose:      f.Twc(),
	}); err != nil {
		return err
	}
	for _, rep := range reports {
		if err := store.RecordEdge(ctx, runID, runstore.EdgeRecord{
			From:    rep.From,
			To:      rep.To,
			Kind:    rep.Kind,
			Matches: rep.Matches,
			Inliers: rep.Inliers,
			Norm:    rep.Norm,
		}); err != nil {
			return err
		}
	}
	return nil
}
