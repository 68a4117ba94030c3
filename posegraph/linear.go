package posegraph

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrSingularSystem is returned when the damped normal equations are not positive definite.
var ErrSingularSystem = errors.New("linear system is not positive definite")

const pcgTolerance = 1e-9

type block [6][6]float64

type blockKey struct{ row, col int }

// linearSystem holds the block-sparse normal equations of the free vertices. Only the upper
// off-diagonal blocks (row < col) are stored.
type linearSystem struct {
	n    int
	diag []block
	off  map[blockKey]*block
	b    []float64
}

func newLinearSystem(n int) *linearSystem {
	return &linearSystem{
		n:    n,
		diag: make([]block, n),
		off:  map[blockKey]*block{},
		b:    make([]float64, 6*n),
	}
}

func (s *linearSystem) offDiagonal(row, col int) *block {
	key := blockKey{row, col}
	blk, ok := s.off[key]
	if !ok {
		blk = &block{}
		s.off[key] = blk
	}
	return blk
}

func (s *linearSystem) maxDiagonal() float64 {
	var m float64
	for i := range s.diag {
		for k := 0; k < 6; k++ {
			m = math.Max(m, math.Abs(s.diag[i][k][k]))
		}
	}
	return m
}

// mulVec sets dst = (H + λI)·x.
func (s *linearSystem) mulVec(dst, x []float64, lambda float64) {
	for i := range dst {
		dst[i] = lambda * x[i]
	}
	for i := range s.diag {
		mulBlockAdd(dst[6*i:6*i+6], &s.diag[i], x[6*i:6*i+6], false)
	}
	for key, blk := range s.off {
		mulBlockAdd(dst[6*key.row:6*key.row+6], blk, x[6*key.col:6*key.col+6], false)
		mulBlockAdd(dst[6*key.col:6*key.col+6], blk, x[6*key.row:6*key.row+6], true)
	}
}

// predictedDecrease returns dxᵀ(λ·dx + b), the cost decrease the linear model predicts.
func (s *linearSystem) predictedDecrease(dx []float64, lambda float64) float64 {
	var sum float64
	for i, v := range dx {
		sum += v * (lambda*v + s.b[i])
	}
	return sum
}

func mulBlockAdd(dst []float64, blk *block, x []float64, transpose bool) {
	for r := 0; r < 6; r++ {
		var sum float64
		for c := 0; c < 6; c++ {
			if transpose {
				sum += blk[c][r] * x[c]
			} else {
				sum += blk[r][c] * x[c]
			}
		}
		dst[r] += sum
	}
}

// addJtOmegaJ accumulates aᵀ·Ω·b into dst.
func addJtOmegaJ(dst *block, a *[6][6]float64, omega *Information, b *[6][6]float64) {
	var ob [6][6]float64
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			var sum float64
			for k := 0; k < 6; k++ {
				sum += omega[r][k] * b[k][c]
			}
			ob[r][c] = sum
		}
	}
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			var sum float64
			for k := 0; k < 6; k++ {
				sum += a[k][r] * ob[k][c]
			}
			dst[r][c] += sum
		}
	}
}

// subJtOmegaE subtracts jᵀ·Ω·e from dst.
func subJtOmegaE(dst []float64, j *[6][6]float64, omega *Information, e *[6]float64) {
	var oe [6]float64
	for r := 0; r < 6; r++ {
		for k := 0; k < 6; k++ {
			oe[r] += omega[r][k] * e[k]
		}
	}
	for r := 0; r < 6; r++ {
		var sum float64
		for k := 0; k < 6; k++ {
			sum += j[k][r] * oe[k]
		}
		dst[r] -= sum
	}
}

// solveDense assembles H + λI densely and solves it with a Cholesky factorization.
func solveDense(s *linearSystem, lambda float64) ([]float64, error) {
	dim := 6 * s.n
	h := mat.NewSymDense(dim, nil)
	for i := range s.diag {
		for r := 0; r < 6; r++ {
			for c := r; c < 6; c++ {
				v := s.diag[i][r][c]
				if r == c {
					v += lambda
				}
				h.SetSym(6*i+r, 6*i+c, v)
			}
		}
	}
	for key, blk := range s.off {
		for r := 0; r < 6; r++ {
			for c := 0; c < 6; c++ {
				h.SetSym(6*key.row+r, 6*key.col+c, blk[r][c])
			}
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(h); !ok {
		return nil, ErrSingularSystem
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(dim, s.b)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}
	out := make([]float64, dim)
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out, nil
}

// solvePCG solves H + λI with conjugate gradients preconditioned by the inverted diagonal blocks.
func solvePCG(s *linearSystem, lambda float64) ([]float64, error) {
	dim := 6 * s.n
	x := make([]float64, dim)
	bNorm := floats.Norm(s.b, 2)
	if bNorm == 0 {
		return x, nil
	}
	precond := make([]block, s.n)
	for i := range s.diag {
		precond[i] = invertBlock(&s.diag[i], lambda)
	}
	applyPrecond := func(dst, src []float64) {
		for i := range precond {
			seg := dst[6*i : 6*i+6]
			for k := range seg {
				seg[k] = 0
			}
			mulBlockAdd(seg, &precond[i], src[6*i:6*i+6], false)
		}
	}

	r := make([]float64, dim)
	copy(r, s.b)
	z := make([]float64, dim)
	applyPrecond(z, r)
	p := make([]float64, dim)
	copy(p, z)
	ap := make([]float64, dim)
	rz := floats.Dot(r, z)

	for it := 0; it < dim; it++ {
		s.mulVec(ap, p, lambda)
		pap := floats.Dot(p, ap)
		if pap <= 0 {
			if it == 0 {
				return nil, ErrSingularSystem
			}
			break
		}
		alpha := rz / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		if floats.Norm(r, 2) <= pcgTolerance*bNorm {
			break
		}
		applyPrecond(z, r)
		rzNext := floats.Dot(r, z)
		beta := rzNext / rz
		rz = rzNext
		floats.AddScaledTo(p, z, beta, p)
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrSingularSystem
		}
	}
	return x, nil
}

// invertBlock returns (blk + λI)⁻¹, falling back to the inverted diagonal when it is singular.
func invertBlock(blk *block, lambda float64) block {
	m := mat.NewDense(6, 6, nil)
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			v := blk[r][c]
			if r == c {
				v += lambda
			}
			m.Set(r, c, v)
		}
	}
	var out block
	var inv mat.Dense
	var cond mat.Condition
	if err := inv.Inverse(m); err == nil || (errors.As(err, &cond) && !math.IsInf(float64(cond), 1)) {
		for r := 0; r < 6; r++ {
			for c := 0; c < 6; c++ {
				out[r][c] = inv.At(r, c)
			}
		}
		return out
	}
	for k := 0; k < 6; k++ {
		if d := m.At(k, k); d > 0 {
			out[k][k] = 1 / d
		} else {
			out[k][k] = 1
		}
	}
	return out
}
