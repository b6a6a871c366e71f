package poller

import "github.com/brez-sync/internal/models"

// transitions lists the states each bulk operation state may move to.
// polling -> polling is one more poll; ingesting -> ingesting is a resumed
// ingest after a transient download or write failure.
var transitions = map[models.BulkState][]models.BulkState{
	models.BulkCreated:   {models.BulkPolling, models.BulkFailed, models.BulkAbandoned},
	models.BulkPolling:   {models.BulkPolling, models.BulkReady, models.BulkFailed, models.BulkAbandoned},
	models.BulkReady:     {models.BulkIngesting, models.BulkFailed},
	models.BulkIngesting: {models.BulkIngesting, models.BulkCompleted, models.BulkFailed},
}

// CanTransition reports whether a bulk operation may move from one state to another
func CanTransition(from, to models.BulkState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
