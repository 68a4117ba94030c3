package posegraph

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"go.viam.com/posegraph/spatialmath"
)

type vertexPair struct{ a, b int }

func newVertexPair(a, b int) vertexPair {
	if a > b {
		a, b = b, a
	}
	return vertexPair{a, b}
}

// ComputeInitialGuess overwrites the estimate of every free vertex reachable from a fixed vertex by
// chaining edge measurements along the cheapest path. The cost is either the current edge chi2
// (GuessChi2) or a hop count restricted to consecutive ids (GuessOdometry). GuessNone leaves the
// estimates untouched.
func (o *Optimizer) ComputeInitialGuess(cost string) error {
	var weight func(e *EdgeSE3) (float64, bool)
	switch cost {
	case GuessNone:
		return nil
	case GuessChi2:
		weight = func(e *EdgeSE3) (float64, bool) {
			return e.Chi2At(o.vertices[e.From].Estimate, o.vertices[e.To].Estimate), true
		}
	case GuessOdometry:
		weight = func(e *EdgeSE3) (float64, bool) {
			if e.To-e.From == 1 || e.From-e.To == 1 {
				return 1, true
			}
			return 0, false
		}
	default:
		return errors.Errorf("unknown initial guess cost %q", cost)
	}
	if !o.initialized {
		return ErrNotInitialized
	}

	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	maxID := math.MinInt
	for id := range o.vertices {
		g.AddNode(simple.Node(id))
		maxID = max(maxID, id)
	}
	best := map[vertexPair]*EdgeSE3{}
	bestWeight := map[vertexPair]float64{}
	for _, e := range o.edges {
		w, ok := weight(e)
		if !ok || math.IsNaN(w) || math.IsInf(w, 0) {
			continue
		}
		key := newVertexPair(e.From, e.To)
		if prev, ok := bestWeight[key]; ok && prev <= w {
			continue
		}
		best[key] = e
		bestWeight[key] = w
		g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(e.From), T: simple.Node(e.To), W: w})
	}

	source := simple.Node(int64(maxID) + 1)
	g.AddNode(source)
	for _, v := range o.vertices {
		if v.Fixed {
			g.SetWeightedEdge(simple.WeightedEdge{F: source, T: simple.Node(v.ID), W: 0})
		}
	}
	shortest := path.DijkstraFrom(source, g)

	type step struct {
		id, pred int
		weight   float64
		hops     int
	}
	var steps []step
	for _, v := range o.active {
		nodes, w := shortest.To(int64(v.ID))
		if len(nodes) < 2 || math.IsInf(w, 1) {
			continue
		}
		steps = append(steps, step{
			id:     v.ID,
			pred:   int(nodes[len(nodes)-2].ID()),
			weight: w,
			hops:   len(nodes),
		})
	}
	// a predecessor never costs more and always has fewer hops than its successor
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].weight != steps[j].weight {
			return steps[i].weight < steps[j].weight
		}
		return steps[i].hops < steps[j].hops
	})

	for _, s := range steps {
		e := best[newVertexPair(s.pred, s.id)]
		pred := o.vertices[s.pred]
		if e.From == s.pred {
			o.vertices[s.id].Estimate = spatialmath.Compose(pred.Estimate, e.Measurement)
		} else {
			o.vertices[s.id].Estimate = spatialmath.Compose(pred.Estimate, spatialmath.PoseInverse(e.Measurement))
		}
	}
	if unreached := len(o.active) - len(steps); unreached > 0 {
		o.logger.Warnw("vertices unreachable from a fixed vertex keep their estimates", "count", unreached)
	}
	o.logger.Debugw("computed initial guess", "cost", cost, "updated", len(steps))
	return nil
}
