package ratelimit

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/brez-sync/internal/types"
	"github.com/stretchr/testify/assert"
)

func metaError(code, subcode int, msg string) []byte {
	return []byte(`{"error":{"message":"` + msg + `","type":"OAuthException","code":` + strconv.Itoa(code) + `,"error_subcode":` + strconv.Itoa(subcode) + `}}`)
}

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestDetectRateLimit(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		platform types.Platform
		resp     Response
		want     bool
		retry    time.Duration
		signal   string
	}{
		// generic
		{"200 ok meta", types.PlatformMeta, Response{StatusCode: 200, Body: []byte(`{"data":[]}`)}, false, 0, ""},
		{"200 ok shopify", types.PlatformShopify, Response{StatusCode: 200, Body: []byte(`{"orders":[]}`)}, false, 0, ""},
		{"empty body 500", types.PlatformMeta, Response{StatusCode: 500}, false, 0, ""},
		{"429 no header", types.PlatformMeta, Response{StatusCode: 429}, true, 0, "http_429"},
		{"429 integer retry-after", types.PlatformShopify, Response{StatusCode: 429, Header: header("Retry-After", "2")}, true, 2 * time.Second, "http_429"},
		{"429 fractional retry-after", types.PlatformShopify, Response{StatusCode: 429, Header: header("Retry-After", "2.0")}, true, 2 * time.Second, "http_429"},
		{"429 http-date retry-after", types.PlatformMeta, Response{StatusCode: 429, ReceivedAt: now,
			Header: header("Retry-After", now.Add(45*time.Second).Format(http.TimeFormat))}, true, 45 * time.Second, "http_429"},
		{"429 past http-date", types.PlatformMeta, Response{StatusCode: 429, ReceivedAt: now,
			Header: header("Retry-After", now.Add(-time.Minute).Format(http.TimeFormat))}, true, 0, "http_429"},
		{"429 garbage retry-after", types.PlatformShopify, Response{StatusCode: 429, Header: header("Retry-After", "soon")}, true, 0, "http_429"},
		{"429 negative retry-after", types.PlatformShopify, Response{StatusCode: 429, Header: header("Retry-After", "-5")}, true, 0, "http_429"},

		// meta codes
		{"meta code 4", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(4, 0, "Application request limit reached")}, true, 0, "meta_code_4"},
		{"meta code 17", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(17, 0, "User request limit reached")}, true, 0, "meta_code_17"},
		{"meta code 32", types.PlatformMeta, Response{StatusCode: 403, Body: metaError(32, 0, "Page request limit reached")}, true, 0, "meta_code_32"},
		{"meta code 613", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(613, 0, "Calls to this api have exceeded the rate limit.")}, true, 0, "meta_code_613"},
		{"meta code 80000", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(80000, 0, "x")}, true, 0, "meta_business_use_case_80000"},
		{"meta code 80004", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(80004, 0, "x")}, true, 0, "meta_business_use_case_80004"},
		{"meta code 80014", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(80014, 0, "x")}, true, 0, "meta_business_use_case_80014"},
		{"meta code 80015 is not throttling", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(80015, 0, "x")}, false, 0, ""},
		{"meta code 79999 is not throttling", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(79999, 0, "x")}, false, 0, ""},
		{"meta subcode 2446079", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(100, 2446079, "x")}, true, 0, "meta_subcode_2446079"},
		{"meta subcode 1487742", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(1, 1487742, "x")}, true, 0, "meta_subcode_1487742"},
		{"meta message too many calls", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(1, 99, "There have been too many calls from this ad-account")}, true, 0, "meta_message"},
		{"meta message request limit", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(2, 0, "(#2) Request limit reached")}, true, 0, "meta_message"},
		{"meta invalid token", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(190, 463, "Error validating access token")}, false, 0, ""},
		{"meta permission error", types.PlatformMeta, Response{StatusCode: 403, Body: metaError(200, 0, "Permissions error")}, false, 0, ""},
		{"meta non-json throttle text", types.PlatformMeta, Response{StatusCode: 503, Body: []byte("Too many calls")}, true, 0, "meta_message"},
		{"meta regain access header", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(80004, 2446079, "x"),
			Header: header("X-Business-Use-Case-Usage", `{"act_1":[{"type":"ads_insights","call_count":100,"estimated_time_to_regain_access":7}]}`)},
			true, 7 * time.Minute, "meta_business_use_case_80004"},
		{"meta retry-after used when no regain header", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(17, 0, "x"),
			Header: header("Retry-After", "30")}, true, 30 * time.Second, "meta_code_17"},
		{"meta malformed usage header", types.PlatformMeta, Response{StatusCode: 400, Body: metaError(4, 0, "x"),
			Header: header("X-Business-Use-Case-Usage", `not json`)}, true, 0, "meta_code_4"},
		{"meta code on shopify is ignored", types.PlatformShopify, Response{StatusCode: 400, Body: metaError(17, 0, "x")}, false, 0, ""},

		// shopify
		{"shopify graphql throttled", types.PlatformShopify, Response{StatusCode: 200,
			Body: []byte(`{"errors":[{"message":"Throttled","extensions":{"code":"THROTTLED","documentation":"https://shopify.dev/api/usage/rate-limits"}}]}`)},
			true, 0, "shopify_graphql_throttled"},
		{"shopify graphql lowercase code", types.PlatformShopify, Response{StatusCode: 200,
			Body: []byte(`{"errors":[{"message":"x","extensions":{"code":"throttled"}}]}`)}, true, 0, "shopify_graphql_throttled"},
		{"shopify graphql other error", types.PlatformShopify, Response{StatusCode: 200,
			Body: []byte(`{"errors":[{"message":"Field 'foo' doesn't exist","extensions":{"code":"undefinedField"}}]}`)}, false, 0, ""},
		{"shopify rest exceeded 2 calls", types.PlatformShopify, Response{StatusCode: 403,
			Body: []byte(`{"errors":"Exceeded 2 calls per second for api client. Reduce request rates to resume uninterrupted service."}`)},
			true, 0, "shopify_message"},
		{"shopify rest exceeded with retry-after", types.PlatformShopify, Response{StatusCode: 403, Header: header("Retry-After", "1.0"),
			Body: []byte(`{"errors":"Exceeded 2 calls per second for api client."}`)}, true, time.Second, "shopify_message"},
		{"shopify plain text too many requests", types.PlatformShopify, Response{StatusCode: 503, Body: []byte("Too Many Requests")}, true, 0, "shopify_message"},
		{"shopify not found", types.PlatformShopify, Response{StatusCode: 404, Body: []byte(`{"errors":"Not Found"}`)}, false, 0, ""},
		{"shopify unauthorized", types.PlatformShopify, Response{StatusCode: 401, Body: []byte(`{"errors":"[API] Invalid API key or access token"}`)}, false, 0, ""},
		{"shopify 200 mentioning throttled in data is ignored", types.PlatformShopify, Response{StatusCode: 200,
			Body: []byte(`{"data":{"note":"throttled"}}`)}, false, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectRateLimit(tt.platform, tt.resp)
			assert.Equal(t, tt.want, got.RateLimited)
			assert.Equal(t, tt.retry, got.RetryAfter)
			assert.Equal(t, tt.signal, got.Signal)
		})
	}
}
