package posegraph

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Optimization algorithms.
const (
	AlgorithmLevenberg   = "levenberg"
	AlgorithmGaussNewton = "gauss_newton"
)

// Linear solvers for the normal equations.
const (
	SolverAuto  = "auto"
	SolverDense = "dense"
	SolverPCG   = "pcg"
)

// Initial guess strategies.
const (
	GuessChi2     = "chi2"
	GuessOdometry = "odometry"
	GuessNone     = "none"
)

// autoDenseLimit is the largest number of free vertices the auto solver handles densely.
const autoDenseLimit = 200

// OptimizerConfig selects the optimization algorithm and its parameters.
type OptimizerConfig struct {
	Algorithm         string  `mapstructure:"Optimizer.algorithm" json:"algorithm"`
	LinearSolver      string  `mapstructure:"Optimizer.linearSolver" json:"linear_solver"`
	Iterations        int     `mapstructure:"Optimizer.iterations" json:"iterations"`
	RobustKernel      string  `mapstructure:"Optimizer.robustKernel" json:"robust_kernel"`
	RobustKernelDelta float64 `mapstructure:"Optimizer.robustKernelDelta" json:"robust_kernel_delta"`
	InitialGuess      string  `mapstructure:"Optimizer.initialGuess" json:"initial_guess"`
	Verbose           bool    `mapstructure:"Optimizer.verbose" json:"verbose"`
}

// DefaultOptimizerConfig returns Levenberg-Marquardt for 1000 iterations with Huber edges and a
// chi2-weighted initial guess.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Algorithm:         AlgorithmLevenberg,
		LinearSolver:      SolverAuto,
		Iterations:        1000,
		RobustKernel:      "Huber",
		RobustKernelDelta: 1,
		InitialGuess:      GuessChi2,
		Verbose:           true,
	}
}

// Validate ensures all parts of the config are valid.
func (c *OptimizerConfig) Validate(path string) error {
	switch c.Algorithm {
	case AlgorithmLevenberg, AlgorithmGaussNewton:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown Optimizer.algorithm %q", c.Algorithm))
	}
	switch c.LinearSolver {
	case SolverAuto, SolverDense, SolverPCG:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown Optimizer.linearSolver %q", c.LinearSolver))
	}
	switch c.InitialGuess {
	case GuessChi2, GuessOdometry, GuessNone:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown Optimizer.initialGuess %q", c.InitialGuess))
	}
	if c.Iterations < 0 {
		return utils.NewConfigValidationError(path, errors.New("Optimizer.iterations must be >= 0"))
	}
	if _, err := KernelByName(c.RobustKernel, c.RobustKernelDelta); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

// Kernel returns a fresh robust kernel as configured, or nil for plain least squares.
func (c *OptimizerConfig) Kernel() RobustKernel {
	k, err := KernelByName(c.RobustKernel, c.RobustKernelDelta)
	if err != nil {
		return nil
	}
	return k
}
