// Package types provides common type definitions for the sync orchestration system.
package types

import (
	"fmt"
	"time"
)

// Platform identifies an external data platform
type Platform string

const (
	// PlatformMeta is the ads platform (insights, campaign tree, demographics)
	PlatformMeta Platform = "meta"
	// PlatformShopify is the commerce platform (orders, customers, products)
	PlatformShopify Platform = "shopify"
)

// AllPlatforms lists every supported platform in a stable order
var AllPlatforms = []Platform{PlatformMeta, PlatformShopify}

// Valid reports whether p is a supported platform
func (p Platform) Valid() bool {
	switch p {
	case PlatformMeta, PlatformShopify:
		return true
	default:
		return false
	}
}

// ConnectionStatus is the credential-level state of a platform connection
type ConnectionStatus string

const (
	ConnectionPending ConnectionStatus = "pending"
	ConnectionActive  ConnectionStatus = "active"
	ConnectionRevoked ConnectionStatus = "revoked"
)

// SyncStatus is the aggregate state shown to the dashboard
type SyncStatus string

const (
	SyncIdle         SyncStatus = "idle"
	SyncInProgress   SyncStatus = "in_progress"
	SyncCompleted    SyncStatus = "completed"
	SyncFailed       SyncStatus = "failed"
	SyncReconnecting SyncStatus = "reconnecting"
)

// JobKind selects the handler a sync job is dispatched to
type JobKind string

const (
	KindRecentSync       JobKind = "recent_sync"
	KindBulkOrders       JobKind = "bulk_orders"
	KindBulkCustomers    JobKind = "bulk_customers"
	KindBulkProducts     JobKind = "bulk_products"
	KindPollBulk         JobKind = "poll_bulk"
	KindDemographicsSync JobKind = "demographics_sync"
	KindBackfill         JobKind = "backfill"
	KindFullReconnect    JobKind = "full_reconnect"
)

// BulkEntity returns the commerce entity exported by a bulk job kind
func (k JobKind) BulkEntity() (Entity, bool) {
	switch k {
	case KindBulkOrders:
		return EntityOrders, true
	case KindBulkCustomers:
		return EntityCustomers, true
	case KindBulkProducts:
		return EntityProducts, true
	default:
		return "", false
	}
}

// JobState is the queue-level state of a sync job
type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// EtlStatus is the ledger-level state of an ETL job record
type EtlStatus string

const (
	EtlQueued    EtlStatus = "queued"
	EtlRunning   EtlStatus = "running"
	EtlCompleted EtlStatus = "completed"
	EtlFailed    EtlStatus = "failed"
)

// Entity names a logical record set written by a sync
type Entity string

const (
	EntityOrders       Entity = "orders"
	EntityCustomers    Entity = "customers"
	EntityProducts     Entity = "products"
	EntityCheckouts    Entity = "checkouts"
	EntityInsights     Entity = "ad_insights"
	EntityCampaigns    Entity = "campaigns"
	EntityDemographics Entity = "demographics"
)

// SyncScope is what a caller of RequestSync asks for
type SyncScope string

const (
	ScopeRecent       SyncScope = "recent"
	ScopeFull         SyncScope = "full"
	ScopeDemographics SyncScope = "demographics"
	ScopeBackfill     SyncScope = "backfill"
	ScopeReconnect    SyncScope = "reconnect"
)

// Valid reports whether s is a known scope
func (s SyncScope) Valid() bool {
	switch s {
	case ScopeRecent, ScopeFull, ScopeDemographics, ScopeBackfill, ScopeReconnect:
		return true
	default:
		return false
	}
}

// DateRange is an inclusive range of calendar days (UTC)
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange truncates both ends to UTC midnight
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: Day(start), End: Day(end)}
}

// Days returns the number of calendar days in the range (inclusive)
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Contains reports whether day falls inside the range
func (r DateRange) Contains(day time.Time) bool {
	d := Day(day)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Dates lists every day in the range
func (r DateRange) Dates() []time.Time {
	n := r.Days()
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.Start.AddDate(0, 0, i))
	}
	return out
}

func (r DateRange) String() string {
	return fmt.Sprintf("%s..%s", r.Start.Format(DateLayout), r.End.Format(DateLayout))
}

// DateLayout is the wire format for calendar days
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
