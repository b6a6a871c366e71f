package job

import "github.com/brez-sync/internal/types"

var transitions = map[types.JobState][]types.JobState{
	types.JobQueued: {types.JobActive, types.JobFailed},
	types.JobActive: {types.JobCompleted, types.JobFailed, types.JobQueued},
	// failed is terminal once written; retries go active -> queued directly
	types.JobFailed:    {},
	types.JobCompleted: {},
}

// CanTransition reports whether a job may move from one state to another.
// active -> queued covers retry, deferral and stalled reclaim.
func CanTransition(from, to types.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the state.
func IsTerminal(s types.JobState) bool {
	return s == types.JobCompleted || s == types.JobFailed
}
