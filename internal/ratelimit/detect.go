package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brez-sync/internal/types"
)

// Response is the subset of an upstream reply the detector looks at.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// ReceivedAt resolves HTTP-date Retry-After values. Zero means time.Now().
	ReceivedAt time.Time
}

// Detection is the detector's verdict.
type Detection struct {
	RateLimited bool
	// RetryAfter is the platform's hint, zero when none was given
	RetryAfter time.Duration
	// Signal names what matched, for logs
	Signal string
}

// Meta error codes that mean throttling.
var metaThrottleCodes = map[int]bool{
	4:   true, // application request limit
	17:  true, // user request limit
	32:  true, // page request limit
	613: true, // calls within one hour exceeded
}

// Meta subcodes that mean throttling regardless of the top-level code.
var metaThrottleSubcodes = map[int]bool{
	2446079: true, // ads insights too many calls
	1487742: true, // ads account too many calls
}

var metaThrottleMessages = []string{
	"request limit reached",
	"too many calls",
	"user request limit",
	"application request limit",
	"rate limit",
	"please reduce the amount of data",
}

var shopifyThrottleMessages = []string{
	"exceeded 2 calls per second",
	"throttled",
	"too many requests",
}

type metaErrorBody struct {
	Error *struct {
		Message      string `json:"message"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

type shopifyGraphQLBody struct {
	Errors []struct {
		Message    string `json:"message"`
		Extensions struct {
			Code string `json:"code"`
		} `json:"extensions"`
	} `json:"errors"`
}

type shopifyRESTBody struct {
	Errors string `json:"errors"`
}

// DetectRateLimit classifies an upstream response. It performs no I/O.
func DetectRateLimit(platform types.Platform, resp Response) Detection {
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), resp.ReceivedAt)

	if resp.StatusCode == http.StatusTooManyRequests {
		return Detection{RateLimited: true, RetryAfter: retryAfter, Signal: "http_429"}
	}

	switch platform {
	case types.PlatformMeta:
		if d := detectMeta(resp); d.RateLimited {
			if d.RetryAfter == 0 {
				d.RetryAfter = retryAfter
			}
			return d
		}
	case types.PlatformShopify:
		if d := detectShopify(resp); d.RateLimited {
			d.RetryAfter = retryAfter
			return d
		}
	}
	return Detection{}
}

func detectMeta(resp Response) Detection {
	var body metaErrorBody
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil && body.Error != nil {
		e := body.Error
		hint := metaRegainAccess(resp.Header)
		if metaThrottleCodes[e.Code] {
			return Detection{RateLimited: true, RetryAfter: hint, Signal: "meta_code_" + strconv.Itoa(e.Code)}
		}
		if e.Code >= 80000 && e.Code <= 80014 {
			return Detection{RateLimited: true, RetryAfter: hint, Signal: "meta_business_use_case_" + strconv.Itoa(e.Code)}
		}
		if metaThrottleSubcodes[e.ErrorSubcode] {
			return Detection{RateLimited: true, RetryAfter: hint, Signal: "meta_subcode_" + strconv.Itoa(e.ErrorSubcode)}
		}
		if matchAny(e.Message, metaThrottleMessages) {
			return Detection{RateLimited: true, RetryAfter: hint, Signal: "meta_message"}
		}
		return Detection{}
	}
	if resp.StatusCode >= 400 && matchAny(string(resp.Body), metaThrottleMessages) {
		return Detection{RateLimited: true, Signal: "meta_message"}
	}
	return Detection{}
}

func detectShopify(resp Response) Detection {
	if len(resp.Body) == 0 {
		return Detection{}
	}
	var gql shopifyGraphQLBody
	if json.Unmarshal(resp.Body, &gql) == nil {
		for _, e := range gql.Errors {
			if strings.EqualFold(e.Extensions.Code, "THROTTLED") {
				return Detection{RateLimited: true, Signal: "shopify_graphql_throttled"}
			}
			if matchAny(e.Message, shopifyThrottleMessages) {
				return Detection{RateLimited: true, Signal: "shopify_message"}
			}
		}
	}
	var rest shopifyRESTBody
	if json.Unmarshal(resp.Body, &rest) == nil && matchAny(rest.Errors, shopifyThrottleMessages) {
		return Detection{RateLimited: true, Signal: "shopify_message"}
	}
	if resp.StatusCode >= 400 && matchAny(string(resp.Body), shopifyThrottleMessages) {
		return Detection{RateLimited: true, Signal: "shopify_message"}
	}
	return Detection{}
}

// metaRegainAccess reads estimated_time_to_regain_access (minutes) from the
// business use case usage header and returns the largest value.
func metaRegainAccess(h http.Header) time.Duration {
	raw := h.Get("X-Business-Use-Case-Usage")
	if raw == "" {
		return 0
	}
	var usage map[string][]struct {
		EstimatedTimeToRegainAccess int `json:"estimated_time_to_regain_access"`
	}
	if err := json.Unmarshal([]byte(raw), &usage); err != nil {
		return 0
	}
	var max int
	for _, entries := range usage {
		for _, e := range entries {
			if e.EstimatedTimeToRegainAccess > max {
				max = e.EstimatedTimeToRegainAccess
			}
		}
	}
	return time.Duration(max) * time.Minute
}

// parseRetryAfter accepts delta-seconds (integer or fractional) or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if now.IsZero() {
			now = time.Now()
		}
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func matchAny(s string, needles []string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
