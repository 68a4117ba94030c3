package slam

import (
	"github.com/samber/lo"

	"go.viam.com/posegraph/config"
	"go.viam.com/posegraph/logging"
)

// SelectCandidates returns the earlier frames cur should be compared against. With d the id gap
// to cur, frames with nearbyWindow < d < loopMinGap are skipped, frames with d < nearbyWindow
// are always kept and frames with d >= loopMinGap are kept when their camera center lies within
// searchRange of cur's.
func SelectCandidates(frames []*Frame, cur *Frame, cfg config.CandidatesConfig, logger logging.Logger) []*Frame {
	return lo.Filter(frames, func(f *Frame, _ int) bool {
		d := cur.ID - f.ID
		if d > cfg.NearbyWindow && d < cfg.LoopMinGap {
			return false
		}
		if d < cfg.NearbyWindow {
			return true
		}
		if d >= cfg.LoopMinGap && cur.IsInSearchRange(f.CameraCenter(), cfg.SearchRange) {
			logger.Infow("possible loop", "current", cur.ID, "candidate", f.ID)
			return true
		}
		return false
	})
}
