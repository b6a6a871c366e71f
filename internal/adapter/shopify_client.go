package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/ratelimit"
	"github.com/brez-sync/internal/types"
	"github.com/shopspring/decimal"
)

// Shopify defaults
const (
	DefaultShopifyAPIVersion = "2024-01"
	shopifyMaxPageLimit      = 250
	shopifyMaxPages          = 400
	shopifyTokenHeader       = "X-Shopify-Access-Token"
	// bulk JSONL lines can be long when a record carries many fields
	maxJSONLLine = 4 << 20
)

// BulkStatus is the platform's status for a bulk export
type BulkStatus string

const (
	BulkStatusCreated   BulkStatus = "CREATED"
	BulkStatusRunning   BulkStatus = "RUNNING"
	BulkStatusCompleted BulkStatus = "COMPLETED"
	BulkStatusFailed    BulkStatus = "FAILED"
	BulkStatusCanceled  BulkStatus = "CANCELED"
	BulkStatusExpired   BulkStatus = "EXPIRED"
)

// InFlight reports whether the export is still being produced
func (s BulkStatus) InFlight() bool {
	return s == BulkStatusCreated || s == BulkStatusRunning
}

// BulkOperationStatus is a snapshot of a bulk export
type BulkOperationStatus struct {
	ID          string
	Status      BulkStatus
	ErrorCode   string
	ObjectCount int64
	URL         string
}

// ShopifyClient reads orders, customers and checkouts and drives bulk exports
type ShopifyClient struct {
	caller     *Caller
	apiVersion string
	tokens     TokenResolver
	download   *http.Client
	// baseURL overrides the per-shop host, used by tests
	baseURL       string
	statusMaxWait time.Duration
	pageSize      int
}

// ShopifyConfig holds configuration for the commerce client
type ShopifyConfig struct {
	Caller     *Caller
	APIVersion string
	Tokens     TokenResolver
	// DownloadClient fetches bulk results from signed storage URLs
	DownloadClient *http.Client
	// BaseURL replaces https://{shop} when set
	BaseURL string
	// PageSize is the REST page size, capped at 250. Default: 250.
	PageSize int
	// StatusMaxWait lets bulk status checks wait this long for a rate limit
	// window instead of failing fast. Zero disables the wait.
	StatusMaxWait time.Duration
}

// NewShopifyClient creates the commerce platform client
func NewShopifyClient(cfg *ShopifyConfig) (*ShopifyClient, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Caller == nil || cfg.Caller.Platform() != types.PlatformShopify {
		return nil, errors.New("a shopify caller is required")
	}
	c := &ShopifyClient{
		caller:        cfg.Caller,
		apiVersion:    cfg.APIVersion,
		tokens:        cfg.Tokens,
		download:      cfg.DownloadClient,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		statusMaxWait: cfg.StatusMaxWait,
		pageSize:      cfg.PageSize,
	}
	if c.pageSize <= 0 || c.pageSize > shopifyMaxPageLimit {
		c.pageSize = shopifyMaxPageLimit
	}
	if c.apiVersion == "" {
		c.apiVersion = DefaultShopifyAPIVersion
	}
	if c.tokens == nil {
		c.tokens = EnvTokenResolver{}
	}
	if c.download == nil {
		c.download = &http.Client{Timeout: 10 * time.Minute}
	}
	return c, nil
}

func (c *ShopifyClient) endpoint(conn *models.PlatformConnection, path string) string {
	base := c.baseURL
	if base == "" {
		base = "https://" + conn.ExternalAccountID
	}
	return fmt.Sprintf("%s/admin/api/%s/%s", base, c.apiVersion, strings.TrimLeft(path, "/"))
}

func (c *ShopifyClient) authHeader(ctx context.Context, conn *models.PlatformConnection) (http.Header, error) {
	token, err := c.tokens.Token(ctx, conn)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(shopifyTokenHeader, token)
	return h, nil
}

var linkNext = regexp.MustCompile(`<([^>]+)>;\s*rel="?next"?`)

// nextLink extracts the rel="next" target from a Link header
func nextLink(h http.Header) string {
	for _, v := range h.Values("Link") {
		if m := linkNext.FindStringSubmatch(v); m != nil {
			return m[1]
		}
	}
	return ""
}

// fetchREST walks Link-header pages and decodes the named collection
func fetchREST[T any](ctx context.Context, c *ShopifyClient, conn *models.PlatformConnection, op, resource string, query url.Values) ([]T, error) {
	header, err := c.authHeader(ctx, conn)
	if err != nil {
		return nil, err
	}
	next := c.endpoint(conn, resource+".json")
	q := query
	var out []T
	for page := 0; next != "" && page < shopifyMaxPages; page++ {
		res := c.caller.Call(ctx, conn.TenantID, Request{Method: http.MethodGet, URL: next, Query: q, Header: header, Op: op})
		if res.Err != nil {
			return out, res.Err
		}
		var body map[string]json.RawMessage
		if err := json.Unmarshal(res.Data, &body); err != nil {
			return out, apperrors.NewPermanentError("MALFORMED_RESPONSE", "failed to decode shopify "+op, err)
		}
		var items []T
		if raw, ok := body[resource]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return out, apperrors.NewPermanentError("MALFORMED_RESPONSE", "failed to decode shopify "+resource, err)
			}
		}
		out = append(out, items...)
		next = nextLink(res.Header)
		// page_info cursors reject the original filters
		q = nil
	}
	return out, nil
}

func (c *ShopifyClient) sinceQuery(since time.Time, field string) url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if !since.IsZero() {
		q.Set(field, since.UTC().Format(time.RFC3339))
	}
	return q
}

type restOrder struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	TotalPrice string     `json:"total_price"`
	Currency   string     `json:"currency"`
	LineItems  []struct{} `json:"line_items"`
	Customer   *struct {
		ID int64 `json:"id"`
	} `json:"customer"`
}

// rangeQuery bounds a created_at filter to the days of dr
func (c *ShopifyClient) rangeQuery(dr types.DateRange) url.Values {
	q := c.sinceQuery(dr.Start, "created_at_min")
	q.Set("created_at_max", dr.End.AddDate(0, 0, 1).Add(-time.Second).UTC().Format(time.RFC3339))
	return q
}

// FetchOrders returns orders created at or after since
func (c *ShopifyClient) FetchOrders(ctx context.Context, conn *models.PlatformConnection, since time.Time) ([]models.ShopifyOrder, error) {
	return c.fetchOrders(ctx, conn, c.sinceQuery(since, "created_at_min"))
}

// FetchOrdersInRange returns orders created on the days of dr
func (c *ShopifyClient) FetchOrdersInRange(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) ([]models.ShopifyOrder, error) {
	return c.fetchOrders(ctx, conn, c.rangeQuery(dr))
}

func (c *ShopifyClient) fetchOrders(ctx context.Context, conn *models.PlatformConnection, q url.Values) ([]models.ShopifyOrder, error) {
	q.Set("status", "any")
	raw, err := fetchREST[restOrder](ctx, c, conn, "orders", "orders", q)
	if err != nil {
		return nil, err
	}
	out := make([]models.ShopifyOrder, 0, len(raw))
	for _, o := range raw {
		order := models.ShopifyOrder{
			TenantID:   conn.TenantID,
			OrderID:    strconv.FormatInt(o.ID, 10),
			Name:       o.Name,
			CreatedAt:  o.CreatedAt.UTC(),
			TotalPrice: parseMoney(o.TotalPrice),
			Currency:   o.Currency,
			LineCount:  len(o.LineItems),
		}
		if o.Customer != nil {
			order.CustomerID = strconv.FormatInt(o.Customer.ID, 10)
		}
		out = append(out, order)
	}
	return out, nil
}

type restCustomer struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	OrdersCount int       `json:"orders_count"`
	TotalSpent  string    `json:"total_spent"`
	CreatedAt   time.Time `json:"created_at"`
}

// FetchCustomers returns customers updated at or after since
func (c *ShopifyClient) FetchCustomers(ctx context.Context, conn *models.PlatformConnection, since time.Time) ([]models.ShopifyCustomer, error) {
	raw, err := fetchREST[restCustomer](ctx, c, conn, "customers", "customers", c.sinceQuery(since, "updated_at_min"))
	if err != nil {
		return nil, err
	}
	out := make([]models.ShopifyCustomer, 0, len(raw))
	for _, r := range raw {
		out = append(out, models.ShopifyCustomer{
			TenantID:    conn.TenantID,
			CustomerID:  strconv.FormatInt(r.ID, 10),
			Email:       r.Email,
			OrdersCount: r.OrdersCount,
			TotalSpent:  parseMoney(r.TotalSpent),
			CreatedAt:   r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

type restCheckout struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	TotalPrice  string     `json:"total_price"`
	Currency    string     `json:"currency"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// FetchCheckouts returns checkouts created at or after since
func (c *ShopifyClient) FetchCheckouts(ctx context.Context, conn *models.PlatformConnection, since time.Time) ([]models.ShopifyCheckout, error) {
	return c.fetchCheckouts(ctx, conn, c.sinceQuery(since, "created_at_min"))
}

// FetchCheckoutsInRange returns checkouts created on the days of dr
func (c *ShopifyClient) FetchCheckoutsInRange(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) ([]models.ShopifyCheckout, error) {
	return c.fetchCheckouts(ctx, conn, c.rangeQuery(dr))
}

func (c *ShopifyClient) fetchCheckouts(ctx context.Context, conn *models.PlatformConnection, q url.Values) ([]models.ShopifyCheckout, error) {
	raw, err := fetchREST[restCheckout](ctx, c, conn, "checkouts", "checkouts", q)
	if err != nil {
		return nil, err
	}
	out := make([]models.ShopifyCheckout, 0, len(raw))
	for _, r := range raw {
		ch := models.ShopifyCheckout{
			TenantID:   conn.TenantID,
			CheckoutID: strconv.FormatInt(r.ID, 10),
			Email:      r.Email,
			TotalPrice: parseMoney(r.TotalPrice),
			Currency:   r.Currency,
			CreatedAt:  r.CreatedAt.UTC(),
		}
		if r.CompletedAt != nil {
			t := r.CompletedAt.UTC()
			ch.CompletedAt = &t
		}
		out = append(out, ch)
	}
	return out, nil
}

// bulk queries per entity; %s is the search filter
var bulkQueries = map[types.Entity]string{
	types.EntityOrders:    `{ orders(query: %q) { edges { node { id name createdAt currencyCode totalPriceSet { shopMoney { amount } } customer { id } lineItems { edges { node { id } } } } } } }`,
	types.EntityCustomers: `{ customers(query: %q) { edges { node { id email numberOfOrders amountSpent { amount } createdAt } } } }`,
	types.EntityProducts:  `{ products(query: %q) { edges { node { id title status vendor createdAt } } } }`,
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *ShopifyClient) graphql(ctx context.Context, conn *models.PlatformConnection, op, query string, variables map[string]interface{}, opts ...ratelimit.AcquireOption) (json.RawMessage, error) {
	header, err := c.authHeader(ctx, conn)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]interface{}{"query": query, "variables": variables})
	if err != nil {
		return nil, fmt.Errorf("failed to encode graphql request: %w", err)
	}
	res := c.caller.Call(ctx, conn.TenantID, Request{
		Method: http.MethodPost,
		URL:    c.endpoint(conn, "graphql.json"),
		Header: header,
		Body:   body,
		Op:     op,
	}, opts...)
	if res.Err != nil {
		return nil, res.Err
	}
	var gr graphQLResponse
	if err := json.Unmarshal(res.Data, &gr); err != nil {
		return nil, apperrors.NewPermanentError("MALFORMED_RESPONSE", "failed to decode graphql "+op, err)
	}
	if len(gr.Errors) > 0 {
		return nil, apperrors.NewPermanentError("PLATFORM_REJECTED", "shopify graphql: "+gr.Errors[0].Message, nil)
	}
	return gr.Data, nil
}

// SubmitBulkQuery starts a bulk export of entity created inside dr and
// returns the platform's operation id.
func (c *ShopifyClient) SubmitBulkQuery(ctx context.Context, conn *models.PlatformConnection, entity types.Entity, dr types.DateRange) (string, error) {
	tmpl, ok := bulkQueries[entity]
	if !ok {
		return "", apperrors.NewValidationError("entity", fmt.Sprintf("no bulk export for %q", entity))
	}
	filter := fmt.Sprintf("created_at:>=%s created_at:<%s",
		dr.Start.Format(types.DateLayout), dr.End.AddDate(0, 0, 1).Format(types.DateLayout))
	inner := fmt.Sprintf(tmpl, filter)

	const mutation = `mutation run($query: String!) { bulkOperationRunQuery(query: $query) { bulkOperation { id status } userErrors { field message } } }`
	data, err := c.graphql(ctx, conn, "bulk_submit", mutation, map[string]interface{}{"query": inner})
	if err != nil {
		return "", err
	}
	var out struct {
		Run struct {
			BulkOperation *struct {
				ID string `json:"id"`
			} `json:"bulkOperation"`
			UserErrors []struct {
				Message string `json:"message"`
			} `json:"userErrors"`
		} `json:"bulkOperationRunQuery"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", apperrors.NewPermanentError("MALFORMED_RESPONSE", "failed to decode bulk submission", err)
	}
	if len(out.Run.UserErrors) > 0 {
		msg := out.Run.UserErrors[0].Message
		// only one bulk query may run per shop
		if strings.Contains(strings.ToLower(msg), "already in progress") {
			return "", apperrors.NewTransientError("shopify bulk export: "+msg, nil)
		}
		return "", apperrors.NewPermanentError("PLATFORM_REJECTED", "shopify bulk export: "+msg, nil)
	}
	if out.Run.BulkOperation == nil || out.Run.BulkOperation.ID == "" {
		return "", apperrors.NewPermanentError("MALFORMED_RESPONSE", "bulk submission returned no operation", nil)
	}
	return out.Run.BulkOperation.ID, nil
}

// GetBulkOperation reads the current status of a bulk export
func (c *ShopifyClient) GetBulkOperation(ctx context.Context, conn *models.PlatformConnection, id string) (*BulkOperationStatus, error) {
	const query = `query op($id: ID!) { node(id: $id) { ... on BulkOperation { id status errorCode objectCount url } } }`
	var opts []ratelimit.AcquireOption
	if c.statusMaxWait > 0 {
		// a single status read; failing it costs the export a poll attempt
		opts = append(opts, ratelimit.WithBypass(c.statusMaxWait))
	}
	data, err := c.graphql(ctx, conn, "bulk_status", query, map[string]interface{}{"id": id}, opts...)
	if err != nil {
		return nil, err
	}
	var out struct {
		Node *struct {
			ID          string  `json:"id"`
			Status      string  `json:"status"`
			ErrorCode   *string `json:"errorCode"`
			ObjectCount string  `json:"objectCount"`
			URL         *string `json:"url"`
		} `json:"node"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperrors.NewPermanentError("MALFORMED_RESPONSE", "failed to decode bulk status", err)
	}
	if out.Node == nil {
		return nil, apperrors.NewNotFoundError("bulk operation", id)
	}
	st := &BulkOperationStatus{
		ID:          out.Node.ID,
		Status:      BulkStatus(out.Node.Status),
		ObjectCount: parseCount(out.Node.ObjectCount),
	}
	if out.Node.ErrorCode != nil {
		st.ErrorCode = *out.Node.ErrorCode
	}
	if out.Node.URL != nil {
		st.URL = *out.Node.URL
	}
	return st, nil
}

// ParseGID returns the numeric tail of a gid://shopify/Type/123 identifier
func ParseGID(gid string) string {
	if i := strings.LastIndexByte(gid, '/'); i >= 0 {
		gid = gid[i+1:]
	}
	if i := strings.IndexByte(gid, '?'); i >= 0 {
		gid = gid[:i]
	}
	return gid
}

type bulkLine struct {
	ID        string `json:"id"`
	ParentID  string `json:"__parentId"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
	Currency  string `json:"currencyCode"`
	TotalSet  *struct {
		ShopMoney struct {
			Amount string `json:"amount"`
		} `json:"shopMoney"`
	} `json:"totalPriceSet"`
	Customer *struct {
		ID string `json:"id"`
	} `json:"customer"`
	Email          string `json:"email"`
	NumberOfOrders string `json:"numberOfOrders"`
	AmountSpent    *struct {
		Amount string `json:"amount"`
	} `json:"amountSpent"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Vendor string `json:"vendor"`
}

// DownloadBulkResult streams the JSONL export at resultURL into a batch.
// Child lines (order line items) are folded into their parent's line count.
func (c *ShopifyClient) DownloadBulkResult(ctx context.Context, conn *models.PlatformConnection, entity types.Entity, resultURL string) (*models.FactBatch, error) {
	batch := &models.FactBatch{}
	if resultURL == "" {
		// an export with zero objects has no file
		return batch, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, apperrors.NewPermanentError("INVALID_REQUEST", "invalid bulk result url", err)
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, apperrors.NewTransientError("bulk result download failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		// signed result urls expire; the export must be resubmitted
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
			return nil, apperrors.NewPermanentError("BULK_RESULT_EXPIRED", fmt.Sprintf("bulk result responded %d", resp.StatusCode), nil)
		}
		return nil, apperrors.FromHTTPStatus(types.PlatformShopify, resp.StatusCode, "")
	}
	if err := decodeBulkJSONL(resp.Body, conn.TenantID, entity, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func decodeBulkJSONL(r io.Reader, tenantID string, entity types.Entity, batch *models.FactBatch) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxJSONLLine)

	orderIndex := make(map[string]int)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var l bulkLine
		if err := json.Unmarshal(raw, &l); err != nil {
			return apperrors.NewPermanentError("MALFORMED_RESPONSE", fmt.Sprintf("bulk result line %d", lineNo), err)
		}
		if l.ParentID != "" {
			if i, ok := orderIndex[ParseGID(l.ParentID)]; ok {
				batch.Orders[i].LineCount++
			}
			continue
		}
		created, _ := time.Parse(time.RFC3339, l.CreatedAt)
		id := ParseGID(l.ID)

		switch entity {
		case types.EntityOrders:
			o := models.ShopifyOrder{
				TenantID:  tenantID,
				OrderID:   id,
				Name:      l.Name,
				CreatedAt: created.UTC(),
				Currency:  l.Currency,
			}
			if l.TotalSet != nil {
				o.TotalPrice = parseMoney(l.TotalSet.ShopMoney.Amount)
			}
			if l.Customer != nil {
				o.CustomerID = ParseGID(l.Customer.ID)
			}
			orderIndex[id] = len(batch.Orders)
			batch.Orders = append(batch.Orders, o)
		case types.EntityCustomers:
			cu := models.ShopifyCustomer{
				TenantID:    tenantID,
				CustomerID:  id,
				Email:       l.Email,
				OrdersCount: int(parseCount(l.NumberOfOrders)),
				TotalSpent:  decimal.Zero,
				CreatedAt:   created.UTC(),
			}
			if l.AmountSpent != nil {
				cu.TotalSpent = parseMoney(l.AmountSpent.Amount)
			}
			batch.Customers = append(batch.Customers, cu)
		case types.EntityProducts:
			batch.Products = append(batch.Products, models.ShopifyProduct{
				TenantID:  tenantID,
				ProductID: id,
				Title:     l.Title,
				Status:    l.Status,
				Vendor:    l.Vendor,
				CreatedAt: created.UTC(),
			})
		default:
			return apperrors.NewValidationError("entity", fmt.Sprintf("no bulk decoder for %q", entity))
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.NewTransientError("reading bulk result", err)
	}
	return nil
}
