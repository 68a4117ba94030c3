package posegraph

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// RobustKernel reshapes the squared error of an edge so outliers have bounded influence.
type RobustKernel interface {
	// Robustify returns rho(e2) and the weight rho'(e2) used to scale the edge information.
	Robustify(e2 float64) (rho, weight float64)
	Name() string
}

// Huber is quadratic up to Delta and linear beyond it.
type Huber struct {
	Delta float64
}

// Robustify implements RobustKernel.
func (h Huber) Robustify(e2 float64) (float64, float64) {
	d2 := h.Delta * h.Delta
	if e2 <= d2 {
		return e2, 1
	}
	e := math.Sqrt(e2)
	return 2*e*h.Delta - d2, h.Delta / e
}

// Name implements RobustKernel.
func (h Huber) Name() string { return "Huber" }

// Cauchy grows logarithmically, suppressing gross outliers more strongly than Huber.
type Cauchy struct {
	Delta float64
}

// Robustify implements RobustKernel.
func (c Cauchy) Robustify(e2 float64) (float64, float64) {
	d2 := c.Delta * c.Delta
	aux := 1 + e2/d2
	return d2 * math.Log(aux), 1 / aux
}

// Name implements RobustKernel.
func (c Cauchy) Name() string { return "Cauchy" }

// KernelByName returns the kernel called name. "none" and the empty string return a nil kernel.
func KernelByName(name string, delta float64) (RobustKernel, error) {
	lower := strings.ToLower(name)
	if lower == "none" || lower == "" {
		return nil, nil
	}
	if delta <= 0 {
		return nil, errors.Errorf("robust kernel delta must be > 0, got %v", delta)
	}
	switch lower {
	case "huber":
		return Huber{Delta: delta}, nil
	case "cauchy":
		return Cauchy{Delta: delta}, nil
	default:
		return nil, errors.Errorf("unknown robust kernel %q", name)
	}
}
