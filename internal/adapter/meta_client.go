package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/shopspring/decimal"
)

// Meta defaults
const (
	DefaultMetaBaseURL    = "https://graph.facebook.com"
	DefaultMetaAPIVersion = "v19.0"
	metaPageLimit         = 500
	metaMaxPages          = 200
)

// conversion action types counted as conversions
var metaConversionActions = map[string]bool{
	"purchase":                             true,
	"offsite_conversion.fb_pixel_purchase": true,
	"omni_purchase":                        true,
}

// MetaClient reads ad insights, the campaign tree and demographics
type MetaClient struct {
	caller     *Caller
	baseURL    string
	apiVersion string
	tokens     TokenResolver
}

// MetaConfig holds configuration for the ads client
type MetaConfig struct {
	Caller     *Caller
	BaseURL    string
	APIVersion string
	Tokens     TokenResolver
}

// NewMetaClient creates the ads platform client
func NewMetaClient(cfg *MetaConfig) (*MetaClient, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Caller == nil || cfg.Caller.Platform() != types.PlatformMeta {
		return nil, errors.New("a meta caller is required")
	}
	c := &MetaClient{
		caller:     cfg.Caller,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		tokens:     cfg.Tokens,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultMetaBaseURL
	}
	if c.apiVersion == "" {
		c.apiVersion = DefaultMetaAPIVersion
	}
	if c.tokens == nil {
		c.tokens = EnvTokenResolver{}
	}
	return c, nil
}

// ClassifyMetaError maps Graph API error envelopes. Code 190 is an expired or
// revoked token; codes 1 and 2 are temporary service errors.
func ClassifyMetaError(status int, body []byte) error {
	if status < 400 {
		return nil
	}
	var env struct {
		Error *struct {
			Message      string `json:"message"`
			Code         int    `json:"code"`
			ErrorSubcode int    `json:"error_subcode"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		msg := fmt.Sprintf("meta error %d: %s", env.Error.Code, env.Error.Message)
		switch env.Error.Code {
		case 190, 102:
			return apperrors.NewPermanentError(apperrors.CodeCredentialsRevoked, msg, nil)
		case 1, 2:
			return apperrors.NewTransientError(msg, nil)
		}
	}
	if e := apperrors.FromHTTPStatus(types.PlatformMeta, status, string(body)); e != nil {
		return e
	}
	return nil
}

// AdAccount is one ad account visible to the token
type AdAccount struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status int    `json:"account_status"`
}

type metaPage[T any] struct {
	Data   []T `json:"data"`
	Paging *struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// fetchAll follows paging.next until exhausted
func fetchAll[T any](ctx context.Context, c *MetaClient, conn *models.PlatformConnection, op, path string, query url.Values) ([]T, error) {
	token, err := c.tokens.Token(ctx, conn)
	if err != nil {
		return nil, err
	}
	query.Set("access_token", token)

	next := fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, strings.TrimLeft(path, "/"))
	q := query
	var out []T
	for page := 0; next != "" && page < metaMaxPages; page++ {
		res := c.caller.Call(ctx, conn.TenantID, Request{Method: http.MethodGet, URL: next, Query: q, Op: op})
		if res.Err != nil {
			return out, res.Err
		}
		var p metaPage[T]
		if err := json.Unmarshal(res.Data, &p); err != nil {
			return out, apperrors.NewPermanentError("MALFORMED_RESPONSE", "failed to decode meta "+op, err)
		}
		out = append(out, p.Data...)

		next = ""
		if p.Paging != nil {
			next = p.Paging.Next
		}
		// the next link already carries every parameter
		q = nil
	}
	return out, nil
}

// DiscoverAdAccounts lists the ad accounts the connection's token can read
func (c *MetaClient) DiscoverAdAccounts(ctx context.Context, conn *models.PlatformConnection) ([]AdAccount, error) {
	q := url.Values{}
	q.Set("fields", "id,name,account_status")
	q.Set("limit", strconv.Itoa(metaPageLimit))
	return fetchAll[AdAccount](ctx, c, conn, "ad_accounts", "me/adaccounts", q)
}

type metaAction struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

type metaInsight struct {
	AccountID   string       `json:"account_id"`
	CampaignID  string       `json:"campaign_id"`
	AdSetID     string       `json:"adset_id"`
	AdID        string       `json:"ad_id"`
	DateStart   string       `json:"date_start"`
	Spend       string       `json:"spend"`
	Impressions string       `json:"impressions"`
	Clicks      string       `json:"clicks"`
	Age         string       `json:"age"`
	Gender      string       `json:"gender"`
	Actions     []metaAction `json:"actions"`
}

func timeRange(dr types.DateRange) string {
	return fmt.Sprintf(`{"since":%q,"until":%q}`, dr.Start.Format(types.DateLayout), dr.End.Format(types.DateLayout))
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseMoney(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseDay(s string) (time.Time, error) {
	t, err := time.Parse(types.DateLayout, s)
	if err != nil {
		return time.Time{}, apperrors.NewPermanentError("MALFORMED_RESPONSE", "invalid date "+s, err)
	}
	return t, nil
}

func accountPath(conn *models.PlatformConnection) string {
	id := conn.ExternalAccountID
	if !strings.HasPrefix(id, "act_") {
		id = "act_" + id
	}
	return id
}

// FetchInsights returns one row per ad per day inside dr
func (c *MetaClient) FetchInsights(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) ([]models.MetaInsightRow, error) {
	q := url.Values{}
	q.Set("level", "ad")
	q.Set("time_increment", "1")
	q.Set("time_range", timeRange(dr))
	q.Set("fields", "account_id,campaign_id,adset_id,ad_id,date_start,spend,impressions,clicks,actions")
	q.Set("limit", strconv.Itoa(metaPageLimit))

	raw, err := fetchAll[metaInsight](ctx, c, conn, "insights", accountPath(conn)+"/insights", q)
	if err != nil {
		return nil, err
	}
	rows := make([]models.MetaInsightRow, 0, len(raw))
	for _, r := range raw {
		day, err := parseDay(r.DateStart)
		if err != nil {
			return nil, err
		}
		var conversions int64
		for _, a := range r.Actions {
			if metaConversionActions[a.ActionType] {
				conversions += parseCount(a.Value)
			}
		}
		rows = append(rows, models.MetaInsightRow{
			TenantID:    conn.TenantID,
			AccountID:   r.AccountID,
			CampaignID:  r.CampaignID,
			AdSetID:     r.AdSetID,
			AdID:        r.AdID,
			Date:        day,
			Spend:       parseMoney(r.Spend),
			Impressions: parseCount(r.Impressions),
			Clicks:      parseCount(r.Clicks),
			Conversions: conversions,
		})
	}
	return rows, nil
}

// FetchDemographics returns the age/gender breakdown per day inside dr
func (c *MetaClient) FetchDemographics(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) ([]models.MetaDemographicRow, error) {
	q := url.Values{}
	q.Set("level", "account")
	q.Set("time_increment", "1")
	q.Set("breakdowns", "age,gender")
	q.Set("time_range", timeRange(dr))
	q.Set("fields", "account_id,date_start,spend,impressions,clicks")
	q.Set("limit", strconv.Itoa(metaPageLimit))

	raw, err := fetchAll[metaInsight](ctx, c, conn, "demographics", accountPath(conn)+"/insights", q)
	if err != nil {
		return nil, err
	}
	rows := make([]models.MetaDemographicRow, 0, len(raw))
	for _, r := range raw {
		day, err := parseDay(r.DateStart)
		if err != nil {
			return nil, err
		}
		rows = append(rows, models.MetaDemographicRow{
			TenantID:    conn.TenantID,
			AccountID:   r.AccountID,
			Date:        day,
			Age:         r.Age,
			Gender:      r.Gender,
			Spend:       parseMoney(r.Spend),
			Impressions: parseCount(r.Impressions),
			Clicks:      parseCount(r.Clicks),
		})
	}
	return rows, nil
}

type metaNode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	CampaignID  string `json:"campaign_id"`
	DailyBudget string `json:"daily_budget"`
	UpdatedTime string `json:"updated_time"`
}

// FetchCampaignTree returns campaigns followed by their ad sets
func (c *MetaClient) FetchCampaignTree(ctx context.Context, conn *models.PlatformConnection) ([]models.MetaCampaign, error) {
	campaignQ := url.Values{}
	campaignQ.Set("fields", "id,name,status,daily_budget,updated_time")
	campaignQ.Set("limit", strconv.Itoa(metaPageLimit))
	campaigns, err := fetchAll[metaNode](ctx, c, conn, "campaigns", accountPath(conn)+"/campaigns", campaignQ)
	if err != nil {
		return nil, err
	}

	adsetQ := url.Values{}
	adsetQ.Set("fields", "id,name,status,campaign_id,daily_budget,updated_time")
	adsetQ.Set("limit", strconv.Itoa(metaPageLimit))
	adsets, err := fetchAll[metaNode](ctx, c, conn, "adsets", accountPath(conn)+"/adsets", adsetQ)
	if err != nil {
		return nil, err
	}

	convert := func(n metaNode, level string) models.MetaCampaign {
		updated, err := time.Parse("2006-01-02T15:04:05-0700", n.UpdatedTime)
		if err != nil {
			updated = time.Now().UTC()
		}
		// budgets are reported in the account currency's minor unit
		budget := parseMoney(n.DailyBudget).Shift(-2)
		return models.MetaCampaign{
			TenantID:    conn.TenantID,
			AccountID:   accountPath(conn),
			ID:          n.ID,
			ParentID:    n.CampaignID,
			Level:       level,
			Name:        n.Name,
			Status:      n.Status,
			DailyBudget: budget,
			UpdatedAt:   updated,
		}
	}

	out := make([]models.MetaCampaign, 0, len(campaigns)+len(adsets))
	for _, n := range campaigns {
		out = append(out, convert(n, "campaign"))
	}
	for _, n := range adsets {
		out = append(out, convert(n, "adset"))
	}
	return out, nil
}
