// Package config defines the configuration of a pose-graph run and how it is read from disk.
package config

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/posegraph/posegraph"
	"go.viam.com/posegraph/rimage/transform"
	"go.viam.com/posegraph/vision/keypoints"
)

// Matching methods accepted by MatcherConfig.Method.
const (
	MatchByProjection = "projection"
	MatchBruteForce   = "bf"
	MatchKNN          = "knn"
)

// Config describes one run over a stereo sequence. Keys follow the flat, dotted naming of
// OpenCV FileStorage settings files.
type Config struct {
	SequenceDir    string `mapstructure:"sequence_dir" json:"sequence_dir"`
	SequenceLength int    `mapstructure:"sequence_length" json:"sequence_length"`
	SequenceStart  int    `mapstructure:"sequence_start" json:"sequence_start"`

	Camera     CameraConfig              `mapstructure:",squash" json:"camera"`
	ORB        keypoints.ORBConfig       `mapstructure:",squash" json:"orb"`
	Matcher    MatcherConfig             `mapstructure:",squash" json:"matcher"`
	Candidates CandidatesConfig          `mapstructure:",squash" json:"candidates"`
	Motion     MotionConfig              `mapstructure:",squash" json:"motion"`
	PnP        transform.PnPConfig       `mapstructure:",squash" json:"pnp"`
	Edge       EdgeConfig                `mapstructure:",squash" json:"edge"`
	Optimizer  posegraph.OptimizerConfig `mapstructure:",squash" json:"optimizer"`
	Output     OutputConfig              `mapstructure:",squash" json:"output"`

	// ConfigFilePath is where the config was read from, if anywhere.
	ConfigFilePath string `mapstructure:"-" json:"-"`
}

// CameraConfig holds the rectified stereo rig calibration.
type CameraConfig struct {
	Fx      float64 `mapstructure:"Camera.fx" json:"fx"`
	Fy      float64 `mapstructure:"Camera.fy" json:"fy"`
	Cx      float64 `mapstructure:"Camera.cx" json:"cx"`
	Cy      float64 `mapstructure:"Camera.cy" json:"cy"`
	Bf      float64 `mapstructure:"Camera.bf" json:"bf"`
	Width   int     `mapstructure:"Camera.width" json:"width"`
	Height  int     `mapstructure:"Camera.height" json:"height"`
	Fps     float64 `mapstructure:"Camera.fps" json:"fps"`
	ThDepth float64 `mapstructure:"ThDepth" json:"th_depth"`
}

// Stereo returns the camera model described by the config. Zero width or height is filled in
// from the first image of the sequence.
func (c CameraConfig) Stereo() *transform.StereoCamera {
	return &transform.StereoCamera{
		PinholeCameraIntrinsics: transform.PinholeCameraIntrinsics{
			Width:  c.Width,
			Height: c.Height,
			Fx:     c.Fx,
			Fy:     c.Fy,
			Ppx:    c.Cx,
			Ppy:    c.Cy,
		},
		Bf: c.Bf,
	}
}

// MatcherConfig selects how correspondences between two frames are found.
type MatcherConfig struct {
	Method           string  `mapstructure:"Matcher.method" json:"method"`
	KNNRatio         float64 `mapstructure:"Matcher.knnRatio" json:"knn_ratio"`
	CheckOrientation bool    `mapstructure:"Matcher.checkOrientation" json:"check_orientation"`
	SearchRadius     float64 `mapstructure:"Matcher.searchRadius" json:"search_radius"`
	TrackingRadius   float64 `mapstructure:"Matcher.trackingRadius" json:"tracking_radius"`

	// CrossCheck keeps only mutual nearest neighbors when Method is bf.
	CrossCheck bool `mapstructure:"Matcher.crossCheck" json:"cross_check"`
}

// CandidatesConfig is the policy deciding which earlier frames are checked against the current one.
type CandidatesConfig struct {
	NearbyWindow int     `mapstructure:"Candidates.nearbyWindow" json:"nearby_window"`
	LoopMinGap   int     `mapstructure:"Candidates.loopMinGap" json:"loop_min_gap"`
	SearchRange  float64 `mapstructure:"Candidates.searchRange" json:"search_range"`
}

// MotionConfig gates which non-adjacent candidates become edges.
type MotionConfig struct {
	MinMatches int     `mapstructure:"Motion.minMatches" json:"min_matches"`
	MinInliers int     `mapstructure:"Motion.minInliers" json:"min_inliers"`
	MaxNorm    float64 `mapstructure:"Motion.maxNorm" json:"max_norm"`
}

// EdgeConfig sets the diagonal of every edge information matrix.
type EdgeConfig struct {
	InformationTranslation float64 `mapstructure:"Edge.informationTranslation" json:"information_translation"`
	InformationRotation    float64 `mapstructure:"Edge.informationRotation" json:"information_rotation"`
}

// OutputConfig names the files a run produces. Relative paths are resolved against Dir.
type OutputConfig struct {
	Dir            string `mapstructure:"Output.dir" json:"dir"`
	Poses          string `mapstructure:"Output.poses" json:"poses"`
	OptimizedPoses string `mapstructure:"Output.optimizedPoses" json:"optimized_poses"`
	GraphBefore    string `mapstructure:"Output.graphBefore" json:"graph_before"`
	GraphAfter     string `mapstructure:"Output.graphAfter" json:"graph_after"`
	Plot           string `mapstructure:"Output.plot" json:"plot"`
	Database       string `mapstructure:"Output.database" json:"database"`
}

// Default returns a config with every optional value filled in.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{ThDepth: 35},
		ORB:    keypoints.DefaultORBConfig(),
		Matcher: MatcherConfig{
			Method:           MatchByProjection,
			KNNRatio:         keypoints.DefaultKNNRatio,
			CheckOrientation: true,
			SearchRadius:     5,
			TrackingRadius:   7,
		},
		Candidates: CandidatesConfig{
			NearbyWindow: 5,
			LoopMinGap:   100,
			SearchRange:  5,
		},
		Motion: MotionConfig{
			MinMatches: 180,
			MinInliers: 80,
			MaxNorm:    1.2,
		},
		PnP: transform.DefaultPnPConfig(),
		Edge: EdgeConfig{
			InformationTranslation: 1,
			InformationRotation:    1,
		},
		Optimizer: posegraph.DefaultOptimizerConfig(),
		Output: OutputConfig{
			Dir:            "result",
			Poses:          "camera_poses.txt",
			OptimizedPoses: "camera_poses_optimized.txt",
			GraphBefore:    "g2o/result_before.g2o",
			GraphAfter:     "g2o/result_after.g2o",
		},
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	if c.SequenceDir == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "sequence_dir")
	}
	if c.SequenceLength < 0 {
		return utils.NewConfigValidationError(path, errors.New("sequence_length must be >= 0"))
	}
	if c.SequenceStart < 0 {
		return utils.NewConfigValidationError(path, errors.New("sequence_start must be >= 0"))
	}
	if err := c.Camera.Validate(path); err != nil {
		return err
	}
	if err := c.ORB.Validate(path); err != nil {
		return err
	}
	if err := c.Matcher.Validate(path); err != nil {
		return err
	}
	if c.Candidates.NearbyWindow < 1 {
		return utils.NewConfigValidationError(path, errors.New("Candidates.nearbyWindow must be >= 1"))
	}
	if c.Candidates.LoopMinGap <= c.Candidates.NearbyWindow {
		return utils.NewConfigValidationError(path, errors.Errorf(
			"Candidates.loopMinGap (%d) must be greater than Candidates.nearbyWindow (%d)",
			c.Candidates.LoopMinGap, c.Candidates.NearbyWindow))
	}
	if c.Candidates.SearchRange <= 0 {
		return utils.NewConfigValidationError(path, errors.New("Candidates.searchRange must be > 0"))
	}
	if c.Motion.MinMatches < 0 || c.Motion.MinInliers < 0 {
		return utils.NewConfigValidationError(path, errors.New("Motion thresholds must be >= 0"))
	}
	if c.Motion.MaxNorm <= 0 {
		return utils.NewConfigValidationError(path, errors.New("Motion.maxNorm must be > 0"))
	}
	if err := c.PnP.Validate(path); err != nil {
		return err
	}
	if c.Edge.InformationTranslation <= 0 || c.Edge.InformationRotation <= 0 {
		return utils.NewConfigValidationError(path, errors.New("Edge information weights must be > 0"))
	}
	if err := c.Optimizer.Validate(path); err != nil {
		return err
	}
	if c.Output.Dir == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "Output.dir")
	}
	return nil
}

// Validate ensures the stereo calibration is usable.
func (c *CameraConfig) Validate(path string) error {
	switch {
	case c.Fx <= 0:
		return utils.NewConfigValidationFieldRequiredError(path, "Camera.fx")
	case c.Fy <= 0:
		return utils.NewConfigValidationFieldRequiredError(path, "Camera.fy")
	case c.Cx <= 0:
		return utils.NewConfigValidationFieldRequiredError(path, "Camera.cx")
	case c.Cy <= 0:
		return utils.NewConfigValidationFieldRequiredError(path, "Camera.cy")
	case c.Bf <= 0:
		return utils.NewConfigValidationFieldRequiredError(path, "Camera.bf")
	case c.Width < 0 || c.Height < 0:
		return utils.NewConfigValidationError(path, errors.New("Camera.width and Camera.height must be >= 0"))
	}
	return nil
}

// Validate ensures the matcher settings are usable.
func (c *MatcherConfig) Validate(path string) error {
	switch c.Method {
	case MatchByProjection, MatchBruteForce, MatchKNN:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown Matcher.method %q", c.Method))
	}
	if c.KNNRatio <= 0 || c.KNNRatio > 1 {
		return utils.NewConfigValidationError(path, errors.New("Matcher.knnRatio must be in (0, 1]"))
	}
	if c.SearchRadius <= 0 || c.TrackingRadius <= 0 {
		return utils.NewConfigValidationError(path, errors.New("Matcher radii must be > 0"))
	}
	return nil
}
