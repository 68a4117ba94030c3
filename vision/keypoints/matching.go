package keypoints

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/posegraph/logging"
)

// bfMinDistanceFloor is the lowest distance cutoff MatchBF applies.
const bfMinDistanceFloor = 30.0

// DefaultKNNRatio is the nearest neighbor ratio used by MatchKNN.
const DefaultKNNRatio = 0.75

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	DoCrossCheck bool `json:"do_cross_check"`
	MaxDist      int  `json:"max_dist"`
}

// DescriptorMatch contains the index of a match in the first and second set of descriptors.
type DescriptorMatch struct {
	Idx1     int
	Idx2     int
	Distance int
}

// DescriptorsHammingDistance computes the pairwise distances between two sets of descriptors.
func DescriptorsHammingDistance(desc1, desc2 Descriptors) ([][]int, error) {
	if len(desc1) == 0 || len(desc2) == 0 {
		return nil, errors.New("cannot compute distances with an empty set of descriptors")
	}
	distances := make([][]int, len(desc1))
	for i, d1 := range desc1 {
		row := make([]int, len(desc2))
		for j, d2 := range desc2 {
			row[j] = HammingDistance(d1, d2)
		}
		distances[i] = row
	}
	return distances, nil
}

func argMinPerRow(distances [][]int) []int {
	out := make([]int, len(distances))
	for i, row := range distances {
		best := math.MaxInt
		for j, d := range row {
			if d < best {
				best, out[i] = d, j
			}
		}
	}
	return out
}

func argMinPerCol(distances [][]int, nCols int) []int {
	out := make([]int, nCols)
	best := make([]int, nCols)
	for j := range best {
		best[j] = math.MaxInt
	}
	for i, row := range distances {
		for j, d := range row {
			if d < best[j] {
				best[j], out[j] = d, i
			}
		}
	}
	return out
}

// MatchKeypoints takes 2 sets of descriptors and returns, for every descriptor of the first set,
// its nearest neighbor in the second, filtered by cross check and maximum distance. Matches are
// sorted by increasing distance.
func MatchKeypoints(desc1, desc2 Descriptors, cfg *MatchingConfig, logger logging.Logger) []DescriptorMatch {
	distances, err := DescriptorsHammingDistance(desc1, desc2)
	if err != nil {
		logger.Debugw("no descriptors to match", "error", err)
		return nil
	}
	indices2 := argMinPerRow(distances)
	var back []int
	if cfg.DoCrossCheck {
		back = argMinPerCol(distances, len(desc2))
	}
	matches := make([]DescriptorMatch, 0, len(desc1))
	for i, j := range indices2 {
		if cfg.DoCrossCheck && back[j] != i {
			continue
		}
		if cfg.MaxDist > 0 && distances[i][j] >= cfg.MaxDist {
			continue
		}
		matches = append(matches, DescriptorMatch{Idx1: i, Idx2: j, Distance: distances[i][j]})
	}
	return sortMatches(matches)
}

// MatchBF pairs every descriptor of desc1 with its nearest neighbor in desc2 and keeps the matches
// whose distance is at most twice the smallest one, with a floor of 30.
func MatchBF(desc1, desc2 Descriptors) []DescriptorMatch {
	distances, err := DescriptorsHammingDistance(desc1, desc2)
	if err != nil {
		return nil
	}
	indices2 := argMinPerRow(distances)
	all := make([]DescriptorMatch, len(indices2))
	dists := make(stats.Float64Data, len(indices2))
	for i, j := range indices2 {
		all[i] = DescriptorMatch{Idx1: i, Idx2: j, Distance: distances[i][j]}
		dists[i] = float64(distances[i][j])
	}
	minDist, err := dists.Min()
	if err != nil {
		return nil
	}
	cutoff := math.Max(2*minDist, bfMinDistanceFloor)
	matches := make([]DescriptorMatch, 0, len(all))
	for _, m := range all {
		if float64(m.Distance) <= cutoff {
			matches = append(matches, m)
		}
	}
	return sortMatches(matches)
}

// MatchKNN keeps the nearest neighbor of each descriptor of desc1 when it is closer than ratio
// times the second nearest one.
func MatchKNN(desc1, desc2 Descriptors, ratio float64) []DescriptorMatch {
	if len(desc2) < 2 {
		return nil
	}
	matches := make([]DescriptorMatch, 0, len(desc1))
	for i, d1 := range desc1 {
		best, second := math.MaxInt, math.MaxInt
		bestIdx := -1
		for j, d2 := range desc2 {
			d := HammingDistance(d1, d2)
			switch {
			case d < best:
				second = best
				best, bestIdx = d, j
			case d < second:
				second = d
			}
		}
		if bestIdx >= 0 && float64(best) < ratio*float64(second) {
			matches = append(matches, DescriptorMatch{Idx1: i, Idx2: bestIdx, Distance: best})
		}
	}
	return sortMatches(matches)
}

func sortMatches(matches []DescriptorMatch) []DescriptorMatch {
	if len(matches) < 2 {
		return matches
	}
	dists := make([]float64, len(matches))
	for i, m := range matches {
		dists[i] = float64(m.Distance)
	}
	order := make([]int, len(matches))
	floats.Argsort(dists, order)
	sorted := make([]DescriptorMatch, len(matches))
	for i, idx := range order {
		sorted[i] = matches[idx]
	}
	return sorted
}
