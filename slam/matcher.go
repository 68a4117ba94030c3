package slam

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/posegraph/config"
	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/spatialmath"
	"go.viam.com/posegraph/vision/keypoints"
)

const (
	thHigh      = 100
	thLow       = 50
	histoLength = 30
)

// Matches maps a keypoint index of the current frame to a keypoint index of the other frame.
type Matches map[int]int

// CurrentIndices returns the current-frame indices in increasing order.
func (m Matches) CurrentIndices() []int {
	keys := lo.Keys(m)
	sort.Ints(keys)
	return keys
}

// Matcher finds keypoint correspondences between two frames.
type Matcher struct {
	cfg    config.MatcherConfig
	logger logging.Logger
}

// NewMatcher returns a matcher using the configured method.
func NewMatcher(cfg config.MatcherConfig, logger logging.Logger) (*Matcher, error) {
	if err := cfg.Validate("Matcher"); err != nil {
		return nil, err
	}
	return &Matcher{cfg: cfg, logger: logger}, nil
}

// Match finds correspondences from cur into other with the configured method. Projection
// matching searches a window of cfg.SearchRadius pixels around the predicted positions.
func (m *Matcher) Match(cur, other *Frame) (Matches, error) {
	switch m.cfg.Method {
	case config.MatchByProjection:
		return m.SearchByProjection(cur, other, m.cfg.SearchRadius), nil
	case config.MatchBruteForce:
		if m.cfg.CrossCheck {
			mcfg := &keypoints.MatchingConfig{DoCrossCheck: true, MaxDist: thLow}
			return fromDescriptorMatches(keypoints.MatchKeypoints(cur.Descs, other.Descs, mcfg, m.logger)), nil
		}
		return fromDescriptorMatches(keypoints.MatchBF(cur.Descs, other.Descs)), nil
	case config.MatchKNN:
		return fromDescriptorMatches(keypoints.MatchKNN(cur.Descs, other.Descs, m.cfg.KNNRatio)), nil
	default:
		return nil, errors.Errorf("unknown matching method %q", m.cfg.Method)
	}
}

func fromDescriptorMatches(dm []keypoints.DescriptorMatch) Matches {
	out := make(Matches, len(dm))
	for _, d := range dm {
		if _, ok := out[d.Idx1]; !ok {
			out[d.Idx1] = d.Idx2
		}
	}
	return out
}

// SearchByProjection projects the stereo points of other into cur using both frames' poses and
// matches each to the closest descriptor within th times its octave scale. When the
// orientation check is enabled only matches in the three dominant rotation bins survive.
func (m *Matcher) SearchByProjection(cur, other *Frame, th float64) Matches {
	return m.searchByProjection(cur, other, th, func(i int) bool { return other.HasStereo(i) })
}

func (m *Matcher) searchByProjection(cur, other *Frame, th float64, use func(i int) bool) Matches {
	matches := Matches{}
	if len(cur.Keys) == 0 || len(other.Keys) == 0 {
		return matches
	}
	tcw := cur.Tcw()
	// position of the current camera seen from the other one decides the search octaves
	tlc := spatialmath.TransformPoint(other.Tcw(), cur.CameraCenter())
	baseline := cur.Camera.Baseline()
	forward := tlc.Z > baseline
	backward := -tlc.Z > baseline

	var rotHist [histoLength][]int
	for i := range other.Keys {
		if !use(i) || other.Outliers[i] {
			continue
		}
		xw, ok := other.UnprojectStereo(i)
		if !ok {
			continue
		}
		xc := spatialmath.TransformPoint(tcw, xw)
		if xc.Z <= 0 {
			continue
		}
		px, ok := cur.Camera.PointToPixel(xc)
		if !ok || !cur.Camera.InImage(px) {
			continue
		}
		octave := other.Keys[i].Octave
		radius := th * levelScale(cur.ScaleFactors, octave)
		var candidates []int
		switch {
		case forward:
			candidates = cur.FeaturesInArea(px.X, px.Y, radius, octave, -1)
		case backward:
			candidates = cur.FeaturesInArea(px.X, px.Y, radius, 0, octave)
		default:
			candidates = cur.FeaturesInArea(px.X, px.Y, radius, octave-1, octave+1)
		}
		if len(candidates) == 0 {
			continue
		}
		urProj := cur.Camera.RightU(px.X, xc.Z)

		bestDist, bestIdx := 256, -1
		for _, j := range candidates {
			if _, taken := matches[j]; taken {
				continue
			}
			if cur.URight[j] > 0 && math.Abs(urProj-cur.URight[j]) > radius {
				continue
			}
			if d := keypoints.HammingDistance(other.Descs[i], cur.Descs[j]); d < bestDist {
				bestDist, bestIdx = d, j
			}
		}
		if bestIdx < 0 || bestDist > thHigh {
			continue
		}
		matches[bestIdx] = i
		if m.cfg.CheckOrientation {
			bin := rotationBin(other.Keys[i].Angle - cur.Keys[bestIdx].Angle)
			rotHist[bin] = append(rotHist[bin], bestIdx)
		}
	}

	if m.cfg.CheckOrientation {
		keep := threeMaxima(&rotHist)
		for bin := range rotHist {
			if keep[bin] {
				continue
			}
			for _, j := range rotHist[bin] {
				delete(matches, j)
			}
		}
	}
	m.logger.Debugw("matched by projection", "current", cur.ID, "other", other.ID, "matches", len(matches))
	return matches
}

// rotationBin maps an angle difference in radians to one of histoLength bins over a full turn.
func rotationBin(rot float64) int {
	rot = math.Mod(rot, 2*math.Pi)
	if rot < 0 {
		rot += 2 * math.Pi
	}
	bin := int(math.Round(rot * histoLength / (2 * math.Pi)))
	if bin == histoLength {
		bin = 0
	}
	return bin
}

// threeMaxima marks the up to three fullest bins. The second and third are only kept when they
// hold at least a tenth of the first.
func threeMaxima(hist *[histoLength][]int) [histoLength]bool {
	var keep [histoLength]bool
	order := make([]int, histoLength)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return len(hist[order[a]]) > len(hist[order[b]]) })
	top := len(hist[order[0]])
	if top == 0 {
		return keep
	}
	keep[order[0]] = true
	for _, bin := range order[1:3] {
		if n := len(hist[bin]); n > 0 && float64(n) >= 0.1*float64(top) {
			keep[bin] = true
		}
	}
	return keep
}
