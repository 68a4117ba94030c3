package posegraph

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/spatialmath"
	"go.viam.com/posegraph/utils"
)

const (
	// lambdaTau scales the largest Hessian diagonal entry into the initial damping.
	lambdaTau = 1e-5
	// maxLambdaTrials bounds the damping increases tried within one iteration.
	maxLambdaTrials = 10
	// convergenceEpsilon is the relative chi2 change below which optimization stops.
	convergenceEpsilon = 1e-9
	// jacobianStep is the central difference step of the numeric edge Jacobians.
	jacobianStep = 1e-6
)

// Optimizer holds a pose graph and minimizes its robust chi2. It is not safe for concurrent use.
type Optimizer struct {
	cfg      OptimizerConfig
	logger   logging.Logger
	vertices map[int]*VertexSE3
	edges    []*EdgeSE3

	active      []*VertexSE3
	index       map[int]int
	initialized bool
}

// NewOptimizer returns an empty graph optimized according to cfg.
func NewOptimizer(cfg OptimizerConfig, logger logging.Logger) (*Optimizer, error) {
	if err := cfg.Validate("Optimizer"); err != nil {
		return nil, err
	}
	return &Optimizer{
		cfg:      cfg,
		logger:   logger,
		vertices: map[int]*VertexSE3{},
	}, nil
}

// Config returns the optimizer configuration.
func (o *Optimizer) Config() OptimizerConfig {
	return o.cfg
}

// AddVertex adds v to the graph. A nil estimate is treated as the identity.
func (o *Optimizer) AddVertex(v *VertexSE3) error {
	if v == nil {
		return errors.New("cannot add a nil vertex")
	}
	if _, ok := o.vertices[v.ID]; ok {
		return errors.Wrapf(ErrDuplicateVertex, "id %d", v.ID)
	}
	if v.Estimate == nil {
		v.Estimate = spatialmath.NewZeroPose()
	}
	o.vertices[v.ID] = v
	o.initialized = false
	return nil
}

// AddEdge adds e to the graph. Both of its vertices must already exist.
func (o *Optimizer) AddEdge(e *EdgeSE3) error {
	if e == nil {
		return errors.New("cannot add a nil edge")
	}
	if _, ok := o.vertices[e.From]; !ok {
		return errors.Wrapf(ErrUnknownVertex, "edge %d refers to vertex %d", e.ID, e.From)
	}
	if _, ok := o.vertices[e.To]; !ok {
		return errors.Wrapf(ErrUnknownVertex, "edge %d refers to vertex %d", e.ID, e.To)
	}
	if e.From == e.To {
		return errors.Errorf("edge %d connects vertex %d to itself", e.ID, e.From)
	}
	if e.Measurement == nil {
		return errors.Errorf("edge %d has no measurement", e.ID)
	}
	o.edges = append(o.edges, e)
	o.initialized = false
	return nil
}

// Vertex returns the vertex with the given id.
func (o *Optimizer) Vertex(id int) (*VertexSE3, bool) {
	v, ok := o.vertices[id]
	return v, ok
}

// Vertices returns every vertex ordered by id.
func (o *Optimizer) Vertices() []*VertexSE3 {
	verts := lo.Values(o.vertices)
	sort.Slice(verts, func(i, j int) bool { return verts[i].ID < verts[j].ID })
	return verts
}

// Edges returns every edge in insertion order.
func (o *Optimizer) Edges() []*EdgeSE3 {
	out := make([]*EdgeSE3, len(o.edges))
	copy(out, o.edges)
	return out
}

// InitializeOptimization indexes the free vertices. A graph without a fixed vertex has its lowest
// id fixed so the problem is well posed.
func (o *Optimizer) InitializeOptimization() error {
	if len(o.vertices) == 0 {
		return errors.New("cannot optimize a graph without vertices")
	}
	verts := o.Vertices()
	if !lo.SomeBy(verts, func(v *VertexSE3) bool { return v.Fixed }) {
		o.logger.Warnw("graph has no fixed vertex, fixing the lowest id", "id", verts[0].ID)
		verts[0].Fixed = true
	}
	o.active = lo.Filter(verts, func(v *VertexSE3, _ int) bool { return !v.Fixed })
	o.index = make(map[int]int, len(o.active))
	for i, v := range o.active {
		o.index[v.ID] = i
	}
	o.initialized = true
	o.logger.Debugw("initialized optimization", "vertices", len(verts), "free", len(o.active), "edges", len(o.edges))
	return nil
}

// ActiveChi2 returns the sum of eᵀΩe over all edges.
func (o *Optimizer) ActiveChi2() float64 {
	var sum float64
	for _, e := range o.edges {
		sum += e.Chi2At(o.vertices[e.From].Estimate, o.vertices[e.To].Estimate)
	}
	return sum
}

// ActiveRobustChi2 returns the sum of the robustified edge costs, which is what Optimize minimizes.
func (o *Optimizer) ActiveRobustChi2() float64 {
	var sum float64
	for _, e := range o.edges {
		rho, _ := e.robustify(e.Chi2At(o.vertices[e.From].Estimate, o.vertices[e.To].Estimate))
		sum += rho
	}
	return sum
}

// Optimize runs up to iterations steps of the configured algorithm and returns how many ran.
// It stops early once the relative cost change falls below 1e-9 or no damping yields a decrease.
func (o *Optimizer) Optimize(ctx context.Context, iterations int) (int, error) {
	if !o.initialized {
		return 0, ErrNotInitialized
	}
	if len(o.active) == 0 || len(o.edges) == 0 {
		return 0, nil
	}
	solve := o.linearSolver()
	chi := o.ActiveRobustChi2()
	lambda, nu := 0.0, 2.0
	for it := 0; it < iterations; it++ {
		if err := ctx.Err(); err != nil {
			return it, err
		}
		start := time.Now()
		sys, err := o.buildSystem(ctx)
		if err != nil {
			return it, err
		}

		var newChi float64
		if o.cfg.Algorithm == AlgorithmGaussNewton {
			dx, err := solve(sys, 0)
			if err != nil {
				return it, errors.Wrapf(err, "iteration %d", it)
			}
			o.applyUpdate(dx)
			newChi = o.ActiveRobustChi2()
		} else {
			if it == 0 {
				lambda = lambdaTau * sys.maxDiagonal()
			}
			accepted := false
			for trial := 0; trial < maxLambdaTrials && !accepted; trial++ {
				dx, err := solve(sys, lambda)
				if err != nil {
					lambda *= nu
					nu *= 2
					continue
				}
				backup := o.backup()
				o.applyUpdate(dx)
				newChi = o.ActiveRobustChi2()
				scale := sys.predictedDecrease(dx, lambda) + 1e-3
				rho := (chi - newChi) / scale
				if rho > 0 && !math.IsInf(newChi, 0) && !math.IsNaN(newChi) {
					lambda *= math.Max(1.0/3, 1-math.Pow(2*rho-1, 3))
					nu = 2
					accepted = true
					continue
				}
				o.restore(backup)
				lambda *= nu
				nu *= 2
			}
			if !accepted {
				o.logIteration(it, chi, lambda, start)
				o.logger.Debugw("no damping decreased the cost, stopping", "iteration", it)
				return it + 1, nil
			}
		}
		o.logIteration(it, newChi, lambda, start)

		decrease := chi - newChi
		chi = newChi
		if chi == 0 || math.Abs(decrease) < convergenceEpsilon*math.Max(chi, convergenceEpsilon) {
			return it + 1, nil
		}
	}
	return iterations, nil
}

func (o *Optimizer) logIteration(it int, chi, lambda float64, start time.Time) {
	if o.cfg.Verbose {
		o.logger.Infof("iteration= %d\t chi2= %f\t time= %s\t lambda= %g", it, chi, time.Since(start), lambda)
		return
	}
	o.logger.Debugf("iteration= %d\t chi2= %f\t time= %s\t lambda= %g", it, chi, time.Since(start), lambda)
}

func (o *Optimizer) linearSolver() func(*linearSystem, float64) ([]float64, error) {
	switch o.cfg.LinearSolver {
	case SolverDense:
		return solveDense
	case SolverPCG:
		return solvePCG
	default:
		if len(o.active) <= autoDenseLimit {
			return solveDense
		}
		return solvePCG
	}
}

func (o *Optimizer) blockIndex(v *VertexSE3) int {
	if v.Fixed {
		return -1
	}
	idx, ok := o.index[v.ID]
	if !ok {
		return -1
	}
	return idx
}

type edgeLinearization struct {
	i, j   int
	err    [6]float64
	ji, jj [6][6]float64
	omega  Information
}

func (o *Optimizer) linearize(e *EdgeSE3) edgeLinearization {
	vi, vj := o.vertices[e.From], o.vertices[e.To]
	l := edgeLinearization{i: o.blockIndex(vi), j: o.blockIndex(vj)}
	if l.i < 0 && l.j < 0 {
		return l
	}
	xi, xj := vi.Estimate, vj.Estimate
	l.err = e.ErrorAt(xi, xj)
	_, w := e.robustify(quadraticForm(&e.Information, &l.err))
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			l.omega[r][c] = w * e.Information[r][c]
		}
	}
	if l.i >= 0 {
		l.ji = numericJacobian(func(d [6]float64) [6]float64 {
			return e.ErrorAt(spatialmath.Compose(xi, spatialmath.PoseFromTangent(d)), xj)
		})
	}
	if l.j >= 0 {
		l.jj = numericJacobian(func(d [6]float64) [6]float64 {
			return e.ErrorAt(xi, spatialmath.Compose(xj, spatialmath.PoseFromTangent(d)))
		})
	}
	return l
}

func numericJacobian(f func([6]float64) [6]float64) [6][6]float64 {
	var jac [6][6]float64
	for k := 0; k < 6; k++ {
		var d [6]float64
		d[k] = jacobianStep
		plus := f(d)
		d[k] = -jacobianStep
		minus := f(d)
		for r := 0; r < 6; r++ {
			jac[r][k] = (plus[r] - minus[r]) / (2 * jacobianStep)
		}
	}
	return jac
}

// buildSystem linearizes every edge in parallel and accumulates the normal equations H·dx = b.
func (o *Optimizer) buildSystem(ctx context.Context) (*linearSystem, error) {
	lin := make([]edgeLinearization, len(o.edges))
	err := utils.GroupWorkParallel(ctx, len(o.edges), nil, func(_, _, _, _ int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
		return func(_, k int) { lin[k] = o.linearize(o.edges[k]) }, nil
	})
	if err != nil {
		return nil, err
	}
	sys := newLinearSystem(len(o.active))
	for k := range lin {
		l := &lin[k]
		if l.i >= 0 {
			addJtOmegaJ(&sys.diag[l.i], &l.ji, &l.omega, &l.ji)
			subJtOmegaE(sys.b[6*l.i:6*l.i+6], &l.ji, &l.omega, &l.err)
		}
		if l.j >= 0 {
			addJtOmegaJ(&sys.diag[l.j], &l.jj, &l.omega, &l.jj)
			subJtOmegaE(sys.b[6*l.j:6*l.j+6], &l.jj, &l.omega, &l.err)
		}
		if l.i >= 0 && l.j >= 0 {
			if l.i < l.j {
				addJtOmegaJ(sys.offDiagonal(l.i, l.j), &l.ji, &l.omega, &l.jj)
			} else {
				addJtOmegaJ(sys.offDiagonal(l.j, l.i), &l.jj, &l.omega, &l.ji)
			}
		}
	}
	return sys, nil
}

func (o *Optimizer) applyUpdate(dx []float64) {
	for i, v := range o.active {
		var d [6]float64
		copy(d[:], dx[6*i:6*i+6])
		v.Estimate = spatialmath.Compose(v.Estimate, spatialmath.PoseFromTangent(d))
	}
}

func (o *Optimizer) backup() []spatialmath.Pose {
	out := make([]spatialmath.Pose, len(o.active))
	for i, v := range o.active {
		out[i] = v.Estimate
	}
	return out
}

func (o *Optimizer) restore(estimates []spatialmath.Pose) {
	for i, v := range o.active {
		v.Estimate = estimates[i]
	}
}
