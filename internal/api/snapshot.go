package api

import (
	"time"

	"alpha-volume-bot/pkg/types"
)

// BuildSnapshot assembles the full dashboard state from the engine's
// status view.
func BuildSnapshot(ctrl Controller) StatusSnapshot {
	strategies := ctrl.Status()

	snap := StatusSnapshot{
		Timestamp:  time.Now(),
		Strategies: strategies,
	}
	for _, s := range strategies {
		if s.Running {
			snap.RunningStrategies++
		}
		for _, u := range s.Users {
			snap.TotalUsers++
			switch u.Status {
			case types.StatusRunning:
				snap.RunningUsers++
			case types.StatusStoppedSuccess, types.StatusFilteredSatisfied:
				snap.SucceededUsers++
			case types.StatusStoppedAuthFailed, types.StatusStoppedStreamFailed, types.StatusStoppedError:
				snap.FailedUsers++
			}
		}
	}
	return snap
}
