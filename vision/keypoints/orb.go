package keypoints

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/posegraph/rimage"
	rutils "go.viam.com/posegraph/utils"
)

const (
	// edgeThreshold keeps keypoints far enough from the border for a full descriptor patch.
	edgeThreshold = 19
	// cellSize is the side of the grid cells FAST runs in.
	cellSize = 30
	patchSize = 31
	// descriptorBlurSigma smooths each level before descriptor sampling.
	descriptorBlurSigma = 2.0
)

// ORBConfig contains the parameters / configs needed to compute ORB features.
type ORBConfig struct {
	NFeatures   int     `mapstructure:"ORBextractor.nFeatures" json:"n_features"`
	ScaleFactor float64 `mapstructure:"ORBextractor.scaleFactor" json:"scale_factor"`
	NLevels     int     `mapstructure:"ORBextractor.nLevels" json:"n_levels"`
	IniThFAST   int     `mapstructure:"ORBextractor.iniThFAST" json:"ini_th_fast"`
	MinThFAST   int     `mapstructure:"ORBextractor.minThFAST" json:"min_th_fast"`
}

// DefaultORBConfig returns 2000 features over 8 levels with a 1.2 scale step.
func DefaultORBConfig() ORBConfig {
	return ORBConfig{NFeatures: 2000, ScaleFactor: 1.2, NLevels: 8, IniThFAST: 20, MinThFAST: 7}
}

// Validate ensures all parts of the ORBConfig are valid.
func (config *ORBConfig) Validate(path string) error {
	if config.NFeatures < 1 {
		return utils.NewConfigValidationError(path, errors.New("ORBextractor.nFeatures should be >= 1"))
	}
	if config.ScaleFactor <= 1 {
		return utils.NewConfigValidationError(path, errors.New("ORBextractor.scaleFactor should be greater than 1"))
	}
	if config.NLevels < 1 {
		return utils.NewConfigValidationError(path, errors.New("ORBextractor.nLevels should be >= 1"))
	}
	if config.IniThFAST < 1 || config.MinThFAST < 1 {
		return utils.NewConfigValidationError(path, errors.New("FAST thresholds should be >= 1"))
	}
	if config.MinThFAST > config.IniThFAST {
		return utils.NewConfigValidationError(path, errors.New("ORBextractor.minThFAST should not exceed iniThFAST"))
	}
	return nil
}

// ORBExtractor detects oriented FAST corners over a scale pyramid and describes them with steered BRIEF.
type ORBExtractor struct {
	cfg              ORBConfig
	scaleFactors     []float64
	levelSigma2      []float64
	invLevelSigma2   []float64
	featuresPerLevel []int
	pattern          *SamplePairs
}

// NewORBExtractor returns an extractor for the given config.
func NewORBExtractor(cfg ORBConfig) (*ORBExtractor, error) {
	if err := cfg.Validate("ORBextractor"); err != nil {
		return nil, err
	}
	e := &ORBExtractor{
		cfg:              cfg,
		scaleFactors:     make([]float64, cfg.NLevels),
		levelSigma2:      make([]float64, cfg.NLevels),
		invLevelSigma2:   make([]float64, cfg.NLevels),
		featuresPerLevel: make([]int, cfg.NLevels),
		pattern:          GenerateSamplePairs(DescriptorBits, patchSize, patternSeed),
	}
	for l := 0; l < cfg.NLevels; l++ {
		e.scaleFactors[l] = math.Pow(cfg.ScaleFactor, float64(l))
		e.levelSigma2[l] = e.scaleFactors[l] * e.scaleFactors[l]
		e.invLevelSigma2[l] = 1 / e.levelSigma2[l]
	}

	// geometric share of the features per level, the remainder going to the coarsest one
	factor := 1 / cfg.ScaleFactor
	desired := float64(cfg.NFeatures) * (1 - factor) / (1 - math.Pow(factor, float64(cfg.NLevels)))
	sum := 0
	for l := 0; l < cfg.NLevels-1; l++ {
		e.featuresPerLevel[l] = int(math.Round(desired))
		sum += e.featuresPerLevel[l]
		desired *= factor
	}
	e.featuresPerLevel[cfg.NLevels-1] = rutils.MaxInt(cfg.NFeatures-sum, 0)
	return e, nil
}

// NLevels returns the number of pyramid levels.
func (e *ORBExtractor) NLevels() int {
	return e.cfg.NLevels
}

// ScaleFactors returns scaleFactor^level for every level.
func (e *ORBExtractor) ScaleFactors() []float64 {
	return e.scaleFactors
}

// LevelSigma2 returns the squared scale of every level.
func (e *ORBExtractor) LevelSigma2() []float64 {
	return e.levelSigma2
}

// InvLevelSigma2 returns the inverse squared scale of every level.
func (e *ORBExtractor) InvLevelSigma2() []float64 {
	return e.invLevelSigma2
}

// FeaturesPerLevel returns the keypoint quota of every level.
func (e *ORBExtractor) FeaturesPerLevel() []int {
	return e.featuresPerLevel
}

type levelResult struct {
	kps     KeyPoints
	blurred *image.Gray
}

// Extract detects keypoints on img and computes their descriptors. Levels are processed
// concurrently, then descriptors are computed in parallel chunks.
func (e *ORBExtractor) Extract(ctx context.Context, img *image.Gray) (KeyPoints, Descriptors, error) {
	if img == nil {
		return nil, nil, errors.New("cannot extract features from a nil image")
	}
	pyramid := rimage.Pyramid(rimage.ToGray(img), e.cfg.NLevels, e.cfg.ScaleFactor)
	levels := make([]levelResult, len(pyramid))
	if err := rutils.ParallelForEach(ctx, len(pyramid), func(l int) {
		kps := e.detectLevel(pyramid[l], l)
		for i := range kps {
			kps[i].Angle = computeOrientation(pyramid[l], int(kps[i].Pt.X), int(kps[i].Pt.Y))
		}
		levels[l] = levelResult{kps: kps, blurred: rimage.Blur(pyramid[l], descriptorBlurSigma)}
	}); err != nil {
		return nil, nil, err
	}

	var all KeyPoints
	var levelCoords []image.Point
	for l, lr := range levels {
		scale := e.scaleFactors[l]
		for _, kp := range lr.kps {
			levelCoords = append(levelCoords, image.Point{int(kp.Pt.X), int(kp.Pt.Y)})
			kp.Octave = l
			kp.Pt = r2.Point{X: kp.Pt.X * scale, Y: kp.Pt.Y * scale}
			all = append(all, kp)
		}
	}

	descs := make(Descriptors, len(all))
	err := rutils.GroupWorkParallel(ctx, len(all), nil, func(_, _, _, _ int) (rutils.MemberWorkFunc, rutils.GroupWorkDoneFunc) {
		return func(_, i int) {
			p := levelCoords[i]
			descs[i] = e.pattern.Describe(levels[all[i].Octave].blurred, p.X, p.Y, all[i].Angle)
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return all, descs, nil
}

// detectLevel runs FAST on overlapping grid cells of one level, retrying cells that yield nothing
// with the lower threshold, then keeps the level quota spread over the cells.
func (e *ORBExtractor) detectLevel(img *image.Gray, level int) KeyPoints {
	b := img.Bounds()
	minX, minY := b.Min.X+edgeThreshold-3, b.Min.Y+edgeThreshold-3
	maxX, maxY := b.Max.X-edgeThreshold+3, b.Max.Y-edgeThreshold+3
	width, height := maxX-minX, maxY-minY
	if width <= 6 || height <= 6 || e.featuresPerLevel[level] == 0 {
		return nil
	}
	nCols := rutils.MaxInt(width/cellSize, 1)
	nRows := rutils.MaxInt(height/cellSize, 1)
	wCell := int(math.Ceil(float64(width) / float64(nCols)))
	hCell := int(math.Ceil(float64(height) / float64(nRows)))

	cells := make([]KeyPoints, 0, nRows*nCols)
	for i := 0; i < nRows; i++ {
		iniY := minY + i*hCell
		if iniY >= maxY-3 {
			continue
		}
		endY := rutils.MinInt(iniY+hCell+6, maxY)
		for j := 0; j < nCols; j++ {
			iniX := minX + j*wCell
			if iniX >= maxX-6 {
				continue
			}
			endX := rutils.MinInt(iniX+wCell+6, maxX)
			rect := image.Rect(iniX, iniY, endX, endY)
			kps := DetectFAST(img, rect, e.cfg.IniThFAST, true)
			if len(kps) == 0 {
				kps = DetectFAST(img, rect, e.cfg.MinThFAST, true)
			}
			if len(kps) > 0 {
				cells = append(cells, kps)
			}
		}
	}
	return retainBalanced(cells, e.featuresPerLevel[level])
}

// retainBalanced keeps up to n keypoints, taking the strongest remaining keypoint of every cell in
// turn so sparse regions keep their corners.
func retainBalanced(cells []KeyPoints, n int) KeyPoints {
	total := 0
	for _, c := range cells {
		sort.SliceStable(c, func(a, b int) bool { return c[a].Response > c[b].Response })
		total += len(c)
	}
	if total <= n {
		out := make(KeyPoints, 0, total)
		for _, c := range cells {
			out = append(out, c...)
		}
		return dedupe(out)
	}
	out := make(KeyPoints, 0, n)
	for round := 0; len(out) < n; round++ {
		added := false
		for _, c := range cells {
			if round < len(c) && len(out) < n {
				out = append(out, c[round])
				added = true
			}
		}
		if !added {
			break
		}
	}
	return dedupe(out)
}

// dedupe removes corners reported by two overlapping cells.
func dedupe(kps KeyPoints) KeyPoints {
	seen := make(map[r2.Point]struct{}, len(kps))
	out := kps[:0]
	for _, kp := range kps {
		if _, ok := seen[kp.Pt]; ok {
			continue
		}
		seen[kp.Pt] = struct{}{}
		out = append(out, kp)
	}
	return out
}
