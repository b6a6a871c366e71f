package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/ratelimit"
	"github.com/brez-sync/internal/retry"
	"github.com/brez-sync/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShopifyClient(t *testing.T, baseURL string) *ShopifyClient {
	t.Helper()
	client, err := NewShopifyClient(&ShopifyConfig{
		Caller:  newTestCaller(t, types.PlatformShopify, newTestGuard(t, 100), nil),
		BaseURL: baseURL,
	})
	require.NoError(t, err)
	return client
}

func TestFetchOrders_LinkHeaderPagination(t *testing.T) {
	var srvURL string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-token", r.Header.Get("X-Shopify-Access-Token"))
		assert.Equal(t, "/admin/api/2024-01/orders.json", r.URL.Path)

		if r.URL.Query().Get("page_info") == "" {
			assert.Equal(t, "any", r.URL.Query().Get("status"))
			assert.Equal(t, "2024-03-01T00:00:00Z", r.URL.Query().Get("created_at_min"))
			w.Header().Set("Link", fmt.Sprintf(`<%s/admin/api/2024-01/orders.json?page_info=abc&limit=250>; rel="next"`, srvURL))
			_, _ = w.Write([]byte(`{"orders":[{"id":1001,"name":"#1001","created_at":"2024-03-01T09:30:00-05:00","total_price":"19.99","currency":"USD","line_items":[{},{}],"customer":{"id":77}}]}`))
			return
		}
		assert.Empty(t, r.URL.Query().Get("status"))
		w.Header().Set("Link", fmt.Sprintf(`<%s/admin/api/2024-01/orders.json?page_info=zzz>; rel="previous"`, srvURL))
		_, _ = w.Write([]byte(`{"orders":[{"id":1002,"name":"#1002","created_at":"2024-03-02T00:00:00Z","total_price":"5.00","currency":"USD"}]}`))
	})
	srvURL = srv.URL

	orders, err := newTestShopifyClient(t, srv.URL).FetchOrders(context.Background(),
		testConnection(types.PlatformShopify, "shop.example.com"), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, "1001", orders[0].OrderID)
	assert.Equal(t, "77", orders[0].CustomerID)
	assert.Equal(t, 2, orders[0].LineCount)
	assert.True(t, decimal.RequireFromString("19.99").Equal(orders[0].TotalPrice))
	assert.Equal(t, time.UTC, orders[0].CreatedAt.Location())
	assert.Empty(t, orders[1].CustomerID)
}

func TestFetchCustomersAndCheckouts(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/customers.json"):
			assert.NotEmpty(t, r.URL.Query().Get("updated_at_min"))
			_, _ = w.Write([]byte(`{"customers":[{"id":5,"email":"a@example.com","orders_count":3,"total_spent":"120.00","created_at":"2023-12-01T00:00:00Z"}]}`))
		case strings.HasSuffix(r.URL.Path, "/checkouts.json"):
			_, _ = w.Write([]byte(`{"checkouts":[{"id":9,"email":"b@example.com","total_price":"42.10","currency":"CAD","created_at":"2024-03-01T00:00:00Z","completed_at":null}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	client := newTestShopifyClient(t, srv.URL)
	conn := testConnection(types.PlatformShopify, "shop.example.com")
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	customers, err := client.FetchCustomers(context.Background(), conn, since)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, 3, customers[0].OrdersCount)

	checkouts, err := client.FetchCheckouts(context.Background(), conn, since)
	require.NoError(t, err)
	require.Len(t, checkouts, 1)
	assert.Nil(t, checkouts[0].CompletedAt)
	assert.Equal(t, "CAD", checkouts[0].Currency)
}

func TestFetchInRange_BoundsCreatedAt(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-03-01T00:00:00Z", r.URL.Query().Get("created_at_min"))
		assert.Equal(t, "2024-03-07T23:59:59Z", r.URL.Query().Get("created_at_max"))
		switch {
		case strings.HasSuffix(r.URL.Path, "/orders.json"):
			assert.Equal(t, "any", r.URL.Query().Get("status"))
			_, _ = w.Write([]byte(`{"orders":[{"id":1,"created_at":"2024-03-03T10:00:00Z","total_price":"1.00"}]}`))
		default:
			_, _ = w.Write([]byte(`{"checkouts":[]}`))
		}
	})
	client := newTestShopifyClient(t, srv.URL)
	conn := testConnection(types.PlatformShopify, "shop.example.com")
	dr := types.NewDateRange(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC))

	orders, err := client.FetchOrdersInRange(context.Background(), conn, dr)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	checkouts, err := client.FetchCheckoutsInRange(context.Background(), conn, dr)
	require.NoError(t, err)
	assert.Empty(t, checkouts)
}

func TestFetchOrders_PageSize(t *testing.T) {
	tests := []struct {
		name     string
		pageSize int
		want     string
	}{
		{"default", 0, "250"},
		{"configured", 50, "50"},
		{"capped", 1000, "250"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.want, r.URL.Query().Get("limit"))
				_, _ = w.Write([]byte(`{"orders":[]}`))
			})
			client, err := NewShopifyClient(&ShopifyConfig{
				Caller:   newTestCaller(t, types.PlatformShopify, newTestGuard(t, 100), nil),
				BaseURL:  srv.URL,
				PageSize: tt.pageSize,
			})
			require.NoError(t, err)
			_, err = client.FetchOrders(context.Background(), testConnection(types.PlatformShopify, "shop"), time.Time{})
			require.NoError(t, err)
		})
	}
}

func graphQLHandler(t *testing.T, respond func(query string, vars map[string]interface{}) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Empty(t, r.URL.Query().Get("_cb"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			Query     string                 `json:"query"`
			Variables map[string]interface{} `json:"variables"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		_, _ = w.Write([]byte(respond(req.Query, req.Variables)))
	}
}

func TestSubmitBulkQuery(t *testing.T) {
	var inner string
	srv := newServer(t, graphQLHandler(t, func(query string, vars map[string]interface{}) string {
		assert.Contains(t, query, "bulkOperationRunQuery")
		inner, _ = vars["query"].(string)
		return `{"data":{"bulkOperationRunQuery":{"bulkOperation":{"id":"gid://shopify/BulkOperation/1","status":"CREATED"},"userErrors":[]}}}`
	}))

	dr := types.NewDateRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	id, err := newTestShopifyClient(t, srv.URL).SubmitBulkQuery(context.Background(), testConnection(types.PlatformShopify, "shop"), types.EntityOrders, dr)
	require.NoError(t, err)
	assert.Equal(t, "gid://shopify/BulkOperation/1", id)
	assert.Contains(t, inner, "orders(query:")
	assert.Contains(t, inner, "created_at:>=2024-01-01 created_at:<2024-02-01")
}

func TestSubmitBulkQuery_Errors(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		retryable bool
	}{
		{"already running", `{"data":{"bulkOperationRunQuery":{"bulkOperation":null,"userErrors":[{"message":"A bulk query operation for this app and shop is already in progress"}]}}}`, true},
		{"bad query", `{"data":{"bulkOperationRunQuery":{"bulkOperation":null,"userErrors":[{"message":"Invalid bulk query"}]}}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, graphQLHandler(t, func(string, map[string]interface{}) string { return tt.response }))
			day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			_, err := newTestShopifyClient(t, srv.URL).SubmitBulkQuery(context.Background(), testConnection(types.PlatformShopify, "shop"), types.EntityCustomers, types.NewDateRange(day, day))
			require.Error(t, err)
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
		})
	}

	_, err := newTestShopifyClient(t, "http://unused").SubmitBulkQuery(context.Background(), testConnection(types.PlatformShopify, "shop"), types.EntityInsights, types.DateRange{})
	assert.Error(t, err)
}

func TestSubmitBulkQuery_ThrottledIsRateLimited(t *testing.T) {
	srv := newServer(t, graphQLHandler(t, func(string, map[string]interface{}) string {
		return `{"errors":[{"message":"Throttled","extensions":{"code":"THROTTLED"}}]}`
	}))
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := newTestShopifyClient(t, srv.URL).SubmitBulkQuery(context.Background(), testConnection(types.PlatformShopify, "shop"), types.EntityOrders, types.NewDateRange(day, day))
	assert.True(t, apperrors.IsRateLimited(err))
}

func TestGetBulkOperation(t *testing.T) {
	srv := newServer(t, graphQLHandler(t, func(query string, vars map[string]interface{}) string {
		assert.Equal(t, "gid://shopify/BulkOperation/1", vars["id"])
		return `{"data":{"node":{"id":"gid://shopify/BulkOperation/1","status":"COMPLETED","errorCode":null,"objectCount":"3","url":"https://storage.example.com/result.jsonl"}}}`
	}))

	st, err := newTestShopifyClient(t, srv.URL).GetBulkOperation(context.Background(), testConnection(types.PlatformShopify, "shop"), "gid://shopify/BulkOperation/1")
	require.NoError(t, err)
	assert.Equal(t, BulkStatusCompleted, st.Status)
	assert.False(t, st.Status.InFlight())
	assert.Equal(t, int64(3), st.ObjectCount)
	assert.Equal(t, "https://storage.example.com/result.jsonl", st.URL)
}

func TestGetBulkOperation_StatusWaitsForWindow(t *testing.T) {
	srv := newServer(t, graphQLHandler(t, func(query string, vars map[string]interface{}) string {
		return `{"data":{"node":{"id":"gid://shopify/BulkOperation/1","status":"RUNNING","objectCount":"0"}}}`
	}))
	limiter, err := ratelimit.NewMemoryLimiter(&ratelimit.Config{
		MaxRequests:     1,
		Window:          200 * time.Millisecond,
		MinInterval:     time.Millisecond,
		DefaultCooldown: time.Minute,
	})
	require.NoError(t, err)
	guard, err := ratelimit.NewGuard(&ratelimit.GuardConfig{Limiter: limiter})
	require.NoError(t, err)
	caller, err := NewCaller(&CallerConfig{
		Platform:    types.PlatformShopify,
		Guard:       guard,
		Retry:       &retry.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		PaceMaxWait: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	strict, err := NewShopifyClient(&ShopifyConfig{Caller: caller, BaseURL: srv.URL})
	require.NoError(t, err)
	patient, err := NewShopifyClient(&ShopifyConfig{Caller: caller, BaseURL: srv.URL, StatusMaxWait: 2 * time.Second})
	require.NoError(t, err)

	ctx := context.Background()
	conn := testConnection(types.PlatformShopify, "shop")
	_, err = strict.GetBulkOperation(ctx, conn, "gid://shopify/BulkOperation/1")
	require.NoError(t, err)

	_, err = strict.GetBulkOperation(ctx, conn, "gid://shopify/BulkOperation/1")
	assert.True(t, apperrors.IsRateLimited(err), "the window is full and waiting was not allowed")

	st, err := patient.GetBulkOperation(ctx, conn, "gid://shopify/BulkOperation/1")
	require.NoError(t, err)
	assert.Equal(t, BulkStatusRunning, st.Status)
}

func TestDownloadBulkResult_Orders(t *testing.T) {
	jsonl := strings.Join([]string{
		`{"id":"gid://shopify/Order/1","name":"#1","createdAt":"2024-01-02T10:00:00Z","currencyCode":"USD","totalPriceSet":{"shopMoney":{"amount":"10.50"}},"customer":{"id":"gid://shopify/Customer/7"}}`,
		`{"id":"gid://shopify/LineItem/11","__parentId":"gid://shopify/Order/1"}`,
		`{"id":"gid://shopify/LineItem/12","__parentId":"gid://shopify/Order/1"}`,
		``,
		`{"id":"gid://shopify/Order/2","name":"#2","createdAt":"2024-01-03T10:00:00Z","currencyCode":"USD","totalPriceSet":{"shopMoney":{"amount":"3"}},"customer":null}`,
	}, "\n")
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("_cb"))
		_, _ = w.Write([]byte(jsonl))
	})

	batch, err := newTestShopifyClient(t, srv.URL).DownloadBulkResult(context.Background(),
		testConnection(types.PlatformShopify, "shop"), types.EntityOrders, srv.URL+"/result.jsonl?sig=abc")
	require.NoError(t, err)
	require.Len(t, batch.Orders, 2)
	assert.Equal(t, models.ShopifyOrder{
		TenantID:   "tenant-1",
		OrderID:    "1",
		Name:       "#1",
		CreatedAt:  time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		TotalPrice: batch.Orders[0].TotalPrice,
		Currency:   "USD",
		CustomerID: "7",
		LineCount:  2,
	}, batch.Orders[0])
	assert.True(t, decimal.RequireFromString("10.50").Equal(batch.Orders[0].TotalPrice))
	assert.Equal(t, 0, batch.Orders[1].LineCount)
}

func TestDownloadBulkResult_ProductsAndCustomers(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "products") {
			_, _ = w.Write([]byte(`{"id":"gid://shopify/Product/3","title":"Mug","status":"ACTIVE","vendor":"Acme","createdAt":"2024-01-01T00:00:00Z"}` + "\n"))
			return
		}
		_, _ = w.Write([]byte(`{"id":"gid://shopify/Customer/4","email":"c@example.com","numberOfOrders":"6","amountSpent":{"amount":"80.25"},"createdAt":"2023-05-01T00:00:00Z"}` + "\n"))
	})
	client := newTestShopifyClient(t, srv.URL)
	conn := testConnection(types.PlatformShopify, "shop")

	products, err := client.DownloadBulkResult(context.Background(), conn, types.EntityProducts, srv.URL+"/products.jsonl")
	require.NoError(t, err)
	require.Len(t, products.Products, 1)
	assert.Equal(t, "3", products.Products[0].ProductID)

	customers, err := client.DownloadBulkResult(context.Background(), conn, types.EntityCustomers, srv.URL+"/customers.jsonl")
	require.NoError(t, err)
	require.Len(t, customers.Customers, 1)
	assert.Equal(t, 6, customers.Customers[0].OrdersCount)
}

func TestDownloadBulkResult_EdgeCases(t *testing.T) {
	client := newTestShopifyClient(t, "http://unused")
	conn := testConnection(types.PlatformShopify, "shop")

	empty, err := client.DownloadBulkResult(context.Background(), conn, types.EntityOrders, "")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	expired := newServer(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) })
	_, err = client.DownloadBulkResult(context.Background(), conn, types.EntityOrders, expired.URL)
	assert.True(t, apperrors.HasCode(err, "BULK_RESULT_EXPIRED"))

	garbage := newServer(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{not json\n")) })
	_, err = client.DownloadBulkResult(context.Background(), conn, types.EntityOrders, garbage.URL)
	assert.True(t, apperrors.IsPermanent(err))
}

func TestParseGID(t *testing.T) {
	assert.Equal(t, "123", ParseGID("gid://shopify/Order/123"))
	assert.Equal(t, "9", ParseGID("gid://shopify/LineItem/9?inline=true"))
	assert.Equal(t, "plain", ParseGID("plain"))
}

func TestNextLink(t *testing.T) {
	h := http.Header{}
	h.Set("Link", `<https://a/prev>; rel="previous", <https://a/next?page_info=x>; rel="next"`)
	assert.Equal(t, "https://a/next?page_info=x", nextLink(h))
	assert.Empty(t, nextLink(http.Header{}))
}
