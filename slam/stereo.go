package slam

import (
	"math"

	"github.com/montanaflynn/stats"

	"go.viam.com/posegraph/rimage/transform"
	"go.viam.com/posegraph/vision/keypoints"
)

const (
	// thOrbDist is the largest descriptor distance accepted for a stereo match.
	thOrbDist = (thHigh + thLow) / 2
	// stereoOutlierFactor scales the median match distance into the rejection threshold.
	stereoOutlierFactor = 1.5 * 1.4
)

// computeStereoMatches searches every left keypoint along its row band in the right image and
// returns the right column and depth of each, -1 where no match was found.
func computeStereoMatches(
	left, right Features,
	cam *transform.StereoCamera,
	scaleFactors []float64,
) ([]float64, []float64) {
	n := len(left.Keys)
	uRight := make([]float64, n)
	depth := make([]float64, n)
	for i := range uRight {
		uRight[i], depth[i] = -1, -1
	}
	if len(right.Keys) == 0 || cam.Bf <= 0 {
		return uRight, depth
	}

	rows := rightRowIndex(right.Keys, scaleFactors)
	minD, maxD := 0.0, cam.Fx

	type stereoMatch struct {
		dist int
		idx  int
	}
	var matched []stereoMatch
	for iL, kpL := range left.Keys {
		row := int(math.Round(kpL.Pt.Y))
		if row < 0 || row >= len(rows) {
			continue
		}
		uL := kpL.Pt.X
		minU, maxU := uL-maxD, uL-minD
		if maxU < 0 {
			continue
		}
		bestDist, bestIdx := thHigh, -1
		for _, iR := range rows[row] {
			kpR := right.Keys[iR]
			if kpR.Octave < kpL.Octave-1 || kpR.Octave > kpL.Octave+1 {
				continue
			}
			if kpR.Pt.X < minU || kpR.Pt.X > maxU {
				continue
			}
			if d := keypoints.HammingDistance(left.Descs[iL], right.Descs[iR]); d < bestDist {
				bestDist, bestIdx = d, iR
			}
		}
		if bestIdx < 0 || bestDist >= thOrbDist {
			continue
		}
		uR := right.Keys[bestIdx].Pt.X
		disparity := uL - uR
		if disparity < minD || disparity >= maxD {
			continue
		}
		if disparity <= 0 {
			disparity = 0.01
			uR = uL - disparity
		}
		depth[iL] = cam.DepthFromDisparity(disparity)
		uRight[iL] = uR
		matched = append(matched, stereoMatch{dist: bestDist, idx: iL})
	}
	if len(matched) == 0 {
		return uRight, depth
	}

	dists := make(stats.Float64Data, len(matched))
	for i, m := range matched {
		dists[i] = float64(m.dist)
	}
	median, err := dists.Median()
	if err != nil {
		return uRight, depth
	}
	threshold := stereoOutlierFactor * median
	for _, m := range matched {
		if float64(m.dist) > threshold {
			uRight[m.idx], depth[m.idx] = -1, -1
		}
	}
	return uRight, depth
}

// rightRowIndex lists, for every image row, the right keypoints whose scale-dependent vertical
// band covers it.
func rightRowIndex(keys keypoints.KeyPoints, scaleFactors []float64) [][]int {
	maxY := 0.0
	for _, kp := range keys {
		maxY = math.Max(maxY, kp.Pt.Y)
	}
	rows := make([][]int, int(math.Ceil(maxY))+8)
	for i, kp := range keys {
		r := 2 * levelScale(scaleFactors, kp.Octave)
		minR := max(0, int(math.Floor(kp.Pt.Y-r)))
		maxR := min(len(rows)-1, int(math.Ceil(kp.Pt.Y+r)))
		for y := minR; y <= maxR; y++ {
			rows[y] = append(rows[y], i)
		}
	}
	return rows
}

func levelScale(scaleFactors []float64, octave int) float64 {
	if octave < 0 || octave >= len(scaleFactors) {
		return 1
	}
	return scaleFactors[octave]
}
