package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDateRange_Days(t *testing.T) {
	start := time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		r    DateRange
		want int
	}{
		{"single day", NewDateRange(start, start), 1},
		{"one week", NewDateRange(start, start.AddDate(0, 0, 6)), 7},
		{"inverted range", NewDateRange(start.AddDate(0, 0, 2), start), 0},
		{"across month boundary", NewDateRange(time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Days())
			assert.Len(t, tt.r.Dates(), tt.want)
		})
	}
}

func TestDateRange_Contains(t *testing.T) {
	r := NewDateRange(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC))

	assert.True(t, r.Contains(time.Date(2024, 1, 10, 23, 59, 0, 0, time.UTC)))
	assert.True(t, r.Contains(time.Date(2024, 1, 12, 1, 0, 0, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-01-10..2024-01-12", r.String())
}

func TestJobKind_BulkEntity(t *testing.T) {
	entity, ok := KindBulkOrders.BulkEntity()
	assert.True(t, ok)
	assert.Equal(t, EntityOrders, entity)

	_, ok = KindRecentSync.BulkEntity()
	assert.False(t, ok)
}

func TestScopeAndPlatformValidation(t *testing.T) {
	assert.True(t, ScopeFull.Valid())
	assert.False(t, SyncScope("everything").Valid())
	assert.True(t, PlatformShopify.Valid())
	assert.False(t, Platform("tiktok").Valid())
}
