package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
)

type dayKey struct {
	tenant   string
	platform types.Platform
	day      time.Time
}

// Coverage mirrors storage.CoverageRepository
type Coverage struct {
	mu     sync.Mutex
	days   map[dayKey]models.SyncDay
	chunks []*models.BackfillChunkOutcome
}

// NewCoverage creates an empty coverage ledger
func NewCoverage() *Coverage {
	return &Coverage{days: make(map[dayKey]models.SyncDay)}
}

// RecordSync marks every day of dr as attempted; success is sticky
func (s *Coverage) RecordSync(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange, rowsByDay map[time.Time]int64, succeeded bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, day := range dr.Dates() {
		k := dayKey{tenantID, platform, day}
		d, ok := s.days[k]
		if !ok {
			d = models.SyncDay{TenantID: tenantID, Platform: platform, Date: day}
		}
		if rows := rowsByDay[day]; rows > d.Rows {
			d.Rows = rows
		}
		d.Succeeded = d.Succeeded || succeeded
		d.AttemptedAt = at
		s.days[k] = d
	}
	return nil
}

// SyncDays returns the ledger rows inside dr
func (s *Coverage) SyncDays(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange) (map[time.Time]models.SyncDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[time.Time]models.SyncDay)
	for _, day := range dr.Dates() {
		if d, ok := s.days[dayKey{tenantID, platform, day}]; ok {
			out[day] = d
		}
	}
	return out, nil
}

// DeleteByPlatform clears the ledger for a tenant/platform
func (s *Coverage) DeleteByPlatform(ctx context.Context, tenantID string, platform types.Platform) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.days {
		if k.tenant == tenantID && k.platform == platform {
			delete(s.days, k)
			n++
		}
	}
	return n, nil
}

// RecordChunk appends a backfill chunk outcome
func (s *Coverage) RecordChunk(ctx context.Context, o *models.BackfillChunkOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.chunks = append(s.chunks, &cp)
	return nil
}

// ListChunks returns the newest outcomes first
func (s *Coverage) ListChunks(ctx context.Context, tenantID string, limit int) ([]*models.BackfillChunkOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BackfillChunkOutcome
	for i := len(s.chunks) - 1; i >= 0; i-- {
		if s.chunks[i].TenantID != tenantID {
			continue
		}
		cp := *s.chunks[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
