package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
)

type factRow struct {
	entity types.Entity
	key    models.FactKey
}

// Facts is an upsert-by-key fact store
type Facts struct {
	mu   sync.Mutex
	rows map[factRow]any
}

// NewFacts creates an empty fact store
func NewFacts() *Facts {
	return &Facts{rows: make(map[factRow]any)}
}

// Write upserts every row of the batch
func (s *Facts) Write(ctx context.Context, fb *models.FactBatch) (int64, error) {
	if fb == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	put := func(entity types.Entity, k models.FactKey, v any) {
		s.rows[factRow{entity, k}] = v
		n++
	}
	for _, r := range fb.Insights {
		put(types.EntityInsights, r.Key(), r)
	}
	for _, r := range fb.Demographics {
		put(types.EntityDemographics, r.Key(), r)
	}
	for _, r := range fb.Campaigns {
		put(types.EntityCampaigns, r.Key(), r)
	}
	for _, r := range fb.Orders {
		put(types.EntityOrders, r.Key(), r)
	}
	for _, r := range fb.Checkouts {
		put(types.EntityCheckouts, r.Key(), r)
	}
	for _, r := range fb.Customers {
		put(types.EntityCustomers, r.Key(), r)
	}
	for _, r := range fb.Products {
		put(types.EntityProducts, r.Key(), r)
	}
	return n, nil
}

func coverageEntity(p types.Platform) types.Entity {
	if p == types.PlatformMeta {
		return types.EntityInsights
	}
	return types.EntityOrders
}

// CountRowsByDay counts coverage rows per day inside dr
func (s *Facts) CountRowsByDay(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange) (map[time.Time]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity := coverageEntity(platform)
	out := make(map[time.Time]int64)
	for k := range s.rows {
		if k.entity == entity && k.key.TenantID == tenantID && k.key.Platform == platform && dr.Contains(k.key.Date) {
			out[k.key.Date]++
		}
	}
	return out, nil
}

// Purge deletes every row of the tenant/platform
func (s *Facts) Purge(ctx context.Context, tenantID string, platform types.Platform) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.rows {
		if k.key.TenantID == tenantID && k.key.Platform == platform {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// Count returns the number of distinct rows stored for an entity
func (s *Facts) Count(entity types.Entity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.rows {
		if k.entity == entity {
			n++
		}
	}
	return n
}
