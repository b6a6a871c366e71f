package models

import (
	"time"

	"github.com/brez-sync/internal/types"
	"github.com/shopspring/decimal"
)

// FactKey is the natural composite key every external-data write is upserted on
type FactKey struct {
	TenantID string
	Platform types.Platform
	EntityID string
	Date     time.Time
}

// MetaInsightRow is one ad's daily performance
type MetaInsightRow struct {
	TenantID    string          `json:"tenantId"`
	AccountID   string          `json:"accountId"`
	CampaignID  string          `json:"campaignId"`
	AdSetID     string          `json:"adsetId"`
	AdID        string          `json:"adId"`
	Date        time.Time       `json:"date"`
	Spend       decimal.Decimal `json:"spend"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
}

// Key returns the upsert key
func (r MetaInsightRow) Key() FactKey {
	return FactKey{TenantID: r.TenantID, Platform: types.PlatformMeta, EntityID: r.AdID, Date: types.Day(r.Date)}
}

// MetaDemographicRow is one account-day-bucket of demographic breakdown
type MetaDemographicRow struct {
	TenantID    string          `json:"tenantId"`
	AccountID   string          `json:"accountId"`
	Date        time.Time       `json:"date"`
	Age         string          `json:"age"`
	Gender      string          `json:"gender"`
	Spend       decimal.Decimal `json:"spend"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
}

// Key returns the upsert key; the breakdown bucket is part of the entity id
func (r MetaDemographicRow) Key() FactKey {
	return FactKey{TenantID: r.TenantID, Platform: types.PlatformMeta, EntityID: r.AccountID + ":" + r.Age + ":" + r.Gender, Date: types.Day(r.Date)}
}

// MetaCampaign is a node in the campaign/ad set tree
type MetaCampaign struct {
	TenantID    string          `json:"tenantId"`
	AccountID   string          `json:"accountId"`
	ID          string          `json:"id"`
	ParentID    string          `json:"parentId,omitempty"`
	Level       string          `json:"level"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	DailyBudget decimal.Decimal `json:"dailyBudget"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Key uses the snapshot day so the tree is kept once per day
func (c MetaCampaign) Key() FactKey {
	return FactKey{TenantID: c.TenantID, Platform: types.PlatformMeta, EntityID: c.Level + ":" + c.ID, Date: types.Day(c.UpdatedAt)}
}

// ShopifyOrder is one commerce order
type ShopifyOrder struct {
	TenantID   string          `json:"tenantId"`
	OrderID    string          `json:"orderId"`
	Name       string          `json:"name"`
	CreatedAt  time.Time       `json:"createdAt"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Currency   string          `json:"currency"`
	CustomerID string          `json:"customerId,omitempty"`
	LineCount  int             `json:"lineCount"`
}

// Key returns the upsert key
func (o ShopifyOrder) Key() FactKey {
	return FactKey{TenantID: o.TenantID, Platform: types.PlatformShopify, EntityID: o.OrderID, Date: types.Day(o.CreatedAt)}
}

// ShopifyCheckout is an abandoned or completed checkout
type ShopifyCheckout struct {
	TenantID    string          `json:"tenantId"`
	CheckoutID  string          `json:"checkoutId"`
	Email       string          `json:"email,omitempty"`
	TotalPrice  decimal.Decimal `json:"totalPrice"`
	Currency    string          `json:"currency"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Key returns the upsert key
func (c ShopifyCheckout) Key() FactKey {
	return FactKey{TenantID: c.TenantID, Platform: types.PlatformShopify, EntityID: c.CheckoutID, Date: types.Day(c.CreatedAt)}
}

// ShopifyCustomer is one commerce customer
type ShopifyCustomer struct {
	TenantID    string          `json:"tenantId"`
	CustomerID  string          `json:"customerId"`
	Email       string          `json:"email,omitempty"`
	OrdersCount int             `json:"ordersCount"`
	TotalSpent  decimal.Decimal `json:"totalSpent"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Key returns the upsert key
func (c ShopifyCustomer) Key() FactKey {
	return FactKey{TenantID: c.TenantID, Platform: types.PlatformShopify, EntityID: c.CustomerID, Date: types.Day(c.CreatedAt)}
}

// ShopifyProduct is one catalog product
type ShopifyProduct struct {
	TenantID  string    `json:"tenantId"`
	ProductID string    `json:"productId"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Vendor    string    `json:"vendor,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Key returns the upsert key
func (p ShopifyProduct) Key() FactKey {
	return FactKey{TenantID: p.TenantID, Platform: types.PlatformShopify, EntityID: p.ProductID, Date: types.Day(p.CreatedAt)}
}

// FactBatch groups rows produced by one sync step
type FactBatch struct {
	Insights     []MetaInsightRow
	Demographics []MetaDemographicRow
	Campaigns    []MetaCampaign
	Orders       []ShopifyOrder
	Checkouts    []ShopifyCheckout
	Customers    []ShopifyCustomer
	Products     []ShopifyProduct
}

// Len counts every row in the batch
func (b *FactBatch) Len() int {
	return len(b.Insights) + len(b.Demographics) + len(b.Campaigns) + len(b.Orders) + len(b.Checkouts) + len(b.Customers) + len(b.Products)
}
