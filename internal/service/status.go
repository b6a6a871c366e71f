package service

import (
	"context"
	"fmt"
	"time"

	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
)

// statusWindow is how many recent ledger records feed a connection's status
const statusWindow = 100

// ConnectionStatusView is the dashboard view of one connection
type ConnectionStatusView struct {
	Platform          types.Platform         `json:"platform"`
	Status            types.ConnectionStatus `json:"status"`
	SyncStatus        types.SyncStatus       `json:"syncStatus"`
	Progress          int                    `json:"progress"`
	LastSyncedAt      *time.Time             `json:"lastSyncedAt,omitempty"`
	ExternalAccountID string                 `json:"externalAccountId,omitempty"`
	OpenJobs          int                    `json:"openJobs"`
	LastError         *string                `json:"lastError,omitempty"`
}

// RateLimitAdvisory tells the dashboard that platform calls are paused
type RateLimitAdvisory struct {
	InCooldown    bool       `json:"inCooldown"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
}

// TenantSyncStatus is the aggregate sync status of a tenant
type TenantSyncStatus struct {
	TenantID    string                 `json:"tenantId"`
	Status      types.SyncStatus       `json:"status"`
	Progress    int                    `json:"progress"`
	Connections []ConnectionStatusView `json:"connections"`
	RateLimit   *RateLimitAdvisory     `json:"rateLimit,omitempty"`
}

// Status aggregates every connection of the tenant. Revoked connections are
// listed but do not count towards the aggregate.
func (s *SyncService) Status(ctx context.Context, tenantID string) (*TenantSyncStatus, error) {
	conns, err := s.conns.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	records, err := s.ledger.ListByTenant(ctx, tenantID, statusWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to list etl records: %w", err)
	}

	now := s.now()
	out := &TenantSyncStatus{TenantID: tenantID, Status: types.SyncIdle, Connections: []ConnectionStatusView{}}
	var statuses []types.SyncStatus
	progressSum, counted := 0, 0
	for _, c := range conns {
		view := deriveConnectionStatus(c, filterPlatform(records, c.Platform), now)
		out.Connections = append(out.Connections, view)
		if c.Status != types.ConnectionActive {
			continue
		}
		statuses = append(statuses, view.SyncStatus)
		progressSum += view.Progress
		counted++
	}
	out.Status = aggregateStatus(statuses)
	if counted > 0 {
		out.Progress = progressSum / counted
	}

	if s.rateLimits != nil {
		st, err := s.rateLimits.State(ctx, tenantID)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Failed to read rate limit state")
		} else if st.InCooldown {
			until := st.CooldownUntil
			out.RateLimit = &RateLimitAdvisory{InCooldown: true, CooldownUntil: &until}
		}
	}
	return out, nil
}

// RefreshStatus recomputes the stored sync status of one connection from
// its ledger records
func (s *SyncService) RefreshStatus(ctx context.Context, tenantID string, platform types.Platform) error {
	conn, err := s.conns.GetByPlatform(ctx, tenantID, platform)
	if err != nil {
		return err
	}
	records, err := s.ledger.ListByTenant(ctx, tenantID, statusWindow)
	if err != nil {
		return fmt.Errorf("failed to list etl records: %w", err)
	}
	view := deriveConnectionStatus(conn, filterPlatform(records, platform), s.now())
	if view.SyncStatus == conn.SyncStatus && view.Progress == conn.SyncProgress {
		return nil
	}
	return s.conns.UpdateSyncStatus(ctx, conn.ID, view.SyncStatus, view.Progress, view.LastSyncedAt)
}

func filterPlatform(records []*models.EtlJobRecord, platform types.Platform) []*models.EtlJobRecord {
	var out []*models.EtlJobRecord
	for _, r := range records {
		if r.Platform == platform {
			out = append(out, r)
		}
	}
	return out
}

// deriveConnectionStatus folds newest-first ledger records into a status.
// Open records make the connection in_progress, with progress averaged over
// the batch that is still open; otherwise the newest record decides.
func deriveConnectionStatus(c *models.PlatformConnection, records []*models.EtlJobRecord, now time.Time) ConnectionStatusView {
	view := ConnectionStatusView{
		Platform:          c.Platform,
		Status:            c.Status,
		SyncStatus:        types.SyncIdle,
		LastSyncedAt:      c.LastSyncedAt,
		ExternalAccountID: c.ExternalAccountID,
	}
	if c.IsLocked(now) {
		view.SyncStatus = types.SyncReconnecting
		return view
	}
	if c.Status != types.ConnectionActive {
		return view
	}

	oldestOpen := -1
	for i, r := range records {
		if !r.IsTerminal() {
			view.OpenJobs++
			oldestOpen = i
		}
		if r.Status == types.EtlCompleted && r.CompletedAt != nil && (view.LastSyncedAt == nil || r.CompletedAt.After(*view.LastSyncedAt)) {
			t := *r.CompletedAt
			view.LastSyncedAt = &t
		}
	}

	if oldestOpen >= 0 {
		view.SyncStatus = types.SyncInProgress
		sum := 0
		for _, r := range records[:oldestOpen+1] {
			sum += r.ProgressPct
		}
		view.Progress = sum / (oldestOpen + 1)
		return view
	}
	latest := latestSettled(records)
	if latest == nil {
		return view
	}
	switch latest.Status {
	case types.EtlFailed:
		view.SyncStatus = types.SyncFailed
		view.LastError = latest.ErrorMessage
	case types.EtlCompleted:
		view.SyncStatus = types.SyncCompleted
		view.Progress = 100
	}
	return view
}

// latestSettled picks the record that finished last. Records without a
// completion time fall back to their creation time; on ties the earlier
// entry in the newest-first list wins.
func latestSettled(records []*models.EtlJobRecord) *models.EtlJobRecord {
	var latest *models.EtlJobRecord
	var at time.Time
	for _, r := range records {
		t := r.CreatedAt
		if r.CompletedAt != nil {
			t = *r.CompletedAt
		}
		if latest == nil || t.After(at) {
			latest, at = r, t
		}
	}
	return latest
}

// aggregateStatus: any running connection means in_progress, then any
// failure, then any completion
func aggregateStatus(statuses []types.SyncStatus) types.SyncStatus {
	var failed, completed bool
	for _, st := range statuses {
		switch st {
		case types.SyncInProgress, types.SyncReconnecting:
			return types.SyncInProgress
		case types.SyncFailed:
			failed = true
		case types.SyncCompleted:
			completed = true
		}
	}
	switch {
	case failed:
		return types.SyncFailed
	case completed:
		return types.SyncCompleted
	}
	return types.SyncIdle
}
