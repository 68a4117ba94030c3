// Package main is the pose-graph command line tool: it builds and optimizes the pose graph of a
// stereo sequence, or re-optimizes a saved graph.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/posegraph/config"
	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/posegraph"
	"go.viam.com/posegraph/slam"
)

const (
	// Flags.
	flagConfig       = "config"
	flagSequenceDir  = "sequence-dir"
	flagLength       = "length"
	flagOutput       = "output"
	flagDatabase     = "db"
	flagPlot         = "plot"
	flagDebug        = "debug"
	flagLogFile      = "log-file"
	flagInput        = "input"
	flagIterations   = "iterations"
	flagRobustKernel = "robust-kernel"
	flagInitialGuess = "initial-guess"
	flagLinearSolver = "linear-solver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().RunContext(ctx, os.Args)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}

var loggingFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:  flagDebug,
		Usage: "enable debug logging",
	},
	&cli.StringFlag{
		Name:      flagLogFile,
		Usage:     "also write logs to `FILE`, rotated as it grows",
		TakesFile: true,
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "posegraph",
		Usage: "build and optimize pose graphs of stereo sequences",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "track a stereo sequence, build its pose graph and optimize it",
				UsageText: "posegraph run --config FILE [other options]",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:      flagConfig,
						Aliases:   []string{"c"},
						Usage:     "load settings from `FILE`",
						Required:  true,
						TakesFile: true,
					},
					&cli.StringFlag{
						Name:  flagSequenceDir,
						Usage: "read the sequence from `DIR` instead of the configured one",
					},
					&cli.IntFlag{
						Name:  flagLength,
						Usage: "number of frames to process, 0 for all",
					},
					&cli.StringFlag{
						Name:  flagOutput,
						Usage: "write results under `DIR`",
					},
					&cli.StringFlag{
						Name:  flagDatabase,
						Usage: "record the run in the sqlite database `FILE`",
					},
					&cli.StringFlag{
						Name:  flagPlot,
						Usage: "plot the trajectories to `FILE`",
					},
				}, loggingFlags...),
				Action: runAction,
			},
			{
				Name:      "optimize",
				Usage:     "optimize a saved g2o graph",
				UsageText: "posegraph optimize --input G2O --output G2O [other options]",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:      flagInput,
						Aliases:   []string{"i"},
						Usage:     "read the graph from `G2O`",
						Required:  true,
						TakesFile: true,
					},
					&cli.StringFlag{
						Name:     flagOutput,
						Aliases:  []string{"o"},
						Usage:    "write the optimized graph to `G2O`",
						Required: true,
					},
					&cli.IntFlag{
						Name:  flagIterations,
						Usage: "maximum number of iterations",
						Value: posegraph.DefaultOptimizerConfig().Iterations,
					},
					&cli.StringFlag{
						Name:  flagRobustKernel,
						Usage: "robust kernel of every edge: Huber, Cauchy or none",
						Value: posegraph.DefaultOptimizerConfig().RobustKernel,
					},
					&cli.StringFlag{
						Name:  flagInitialGuess,
						Usage: "initial guess: chi2, odometry or none",
						Value: posegraph.DefaultOptimizerConfig().InitialGuess,
					},
					&cli.StringFlag{
						Name:  flagLinearSolver,
						Usage: "linear solver: auto, dense or pcg",
						Value: posegraph.DefaultOptimizerConfig().LinearSolver,
					},
				}, loggingFlags...),
				Action: optimizeAction,
			},
		},
	}
}

func newLogger(c *cli.Context) logging.Logger {
	level := logging.INFO
	if c.Bool(flagDebug) {
		level = logging.DEBUG
	}
	var logger logging.Logger
	if path := c.String(flagLogFile); path != "" {
		logger = logging.NewFileLogger("posegraph", path, level)
	} else {
		logger = logging.NewLogger("posegraph")
		logger.SetLevel(level)
	}
	logging.ReplaceGlobal(logger)
	return logger
}

func runAction(c *cli.Context) error {
	logger := newLogger(c)
	cfg, err := config.Read(c.String(flagConfig))
	if err != nil {
		return err
	}
	if c.IsSet(flagSequenceDir) {
		cfg.SequenceDir = c.String(flagSequenceDir)
	}
	if c.IsSet(flagLength) {
		cfg.SequenceLength = c.Int(flagLength)
	}
	if c.IsSet(flagOutput) {
		cfg.Output.Dir = c.String(flagOutput)
	}
	if c.IsSet(flagDatabase) {
		cfg.Output.Database = c.String(flagDatabase)
	}
	if c.IsSet(flagPlot) {
		cfg.Output.Plot = c.String(flagPlot)
	}

	runner, err := slam.NewRunner(cfg, logger)
	if err != nil {
		return err
	}
	res, err := runner.Run(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "processed %d frames: %d edges, %d loop edges, %d lost\n",
		res.Frames, res.Edges, res.LoopEdges, res.Lost)
	fmt.Fprintf(c.App.Writer, "chi2 %g -> %g after %d iterations\n", res.Chi2Before, res.Chi2After, res.Iterations)
	if res.RunID != "" {
		fmt.Fprintf(c.App.Writer, "recorded run %s\n", res.RunID)
	}
	return nil
}

func optimizeAction(c *cli.Context) error {
	logger := newLogger(c)
	cfg := posegraph.DefaultOptimizerConfig()
	cfg.Iterations = c.Int(flagIterations)
	cfg.RobustKernel = c.String(flagRobustKernel)
	cfg.InitialGuess = c.String(flagInitialGuess)
	cfg.LinearSolver = c.String(flagLinearSolver)

	optimizer, err := posegraph.NewOptimizer(cfg, logger.Sublogger("optimizer"))
	if err != nil {
		return err
	}
	if err := optimizer.LoadFile(c.String(flagInput)); err != nil {
		return errors.Wrapf(err, "loading %q", c.String(flagInput))
	}
	if err := optimizer.InitializeOptimization(); err != nil {
		return err
	}
	if err := optimizer.ComputeInitialGuess(cfg.InitialGuess); err != nil {
		return err
	}
	before := optimizer.ActiveChi2()
	n, err := optimizer.Optimize(c.Context, cfg.Iterations)
	if err != nil {
		return err
	}
	if err := optimizer.SaveFile(c.String(flagOutput)); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "optimized %d vertices and %d edges: chi2 %g -> %g after %d iterations\n",
		len(optimizer.Vertices()), len(optimizer.Edges()), before, optimizer.ActiveChi2(), n)
	return nil
}
