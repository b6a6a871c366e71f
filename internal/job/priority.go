package job

import "github.com/brez-sync/internal/types"

// Priorities by kind. Higher runs first.
const (
	PriorityRecent        = 100
	PriorityManualBoost   = 20
	PriorityFullReconnect = 90
	PriorityPollBulk      = 70
	PriorityDemographics  = 50
	PriorityBulk          = 20
	PriorityBackfill      = 10
	PriorityDefault       = 1
)

// PriorityFor returns the queue priority of a job kind. Manually triggered
// recent syncs jump ahead of scheduled ones.
func PriorityFor(kind types.JobKind, manual bool) int {
	switch kind {
	case types.KindRecentSync:
		if manual {
			return PriorityRecent + PriorityManualBoost
		}
		return PriorityRecent
	case types.KindFullReconnect:
		return PriorityFullReconnect
	case types.KindPollBulk:
		return PriorityPollBulk
	case types.KindDemographicsSync:
		return PriorityDemographics
	case types.KindBulkOrders, types.KindBulkCustomers, types.KindBulkProducts:
		return PriorityBulk
	case types.KindBackfill:
		return PriorityBackfill
	default:
		return PriorityDefault
	}
}
