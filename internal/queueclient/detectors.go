package queueclient

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// QuotaDetector reports whether the response says the account's quota for
// the queue is spent and, if known, when it resets.
type QuotaDetector func(resp *Response) (resetAt time.Time, limited bool)

// AuthDetector reports whether the response means the account itself was
// rejected rather than the request.
type AuthDetector func(resp *Response) (reason string, rejected bool)

const (
	headerRateLimitRemaining = "x-rate-limit-remaining"
	headerRateLimitReset     = "x-rate-limit-reset"
)

// DefaultQuotaDetector understands x-rate-limit-remaining/x-rate-limit-reset
// (unix seconds) and plain 429 responses.
func DefaultQuotaDetector(resp *Response) (time.Time, bool) {
	limited := resp.StatusCode == http.StatusTooManyRequests ||
		strings.TrimSpace(resp.Header.Get(headerRateLimitRemaining)) == "0"
	if !limited {
		return time.Time{}, false
	}

	raw := strings.TrimSpace(resp.Header.Get(headerRateLimitReset))
	if raw == "" {
		return time.Time{}, true
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}, true
	}
	return time.Unix(seconds, 0), true
}

var accountRejectionMarkers = [][]byte{
	[]byte("locked"),
	[]byte("suspended"),
	[]byte("could not authenticate"),
}

func DefaultAuthDetector(resp *Response) (string, bool) {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return "unauthorized", true
	case http.StatusForbidden:
		body := bytes.ToLower(resp.Body)
		for _, marker := range accountRejectionMarkers {
			if bytes.Contains(body, marker) {
				return "account " + string(marker), true
			}
		}
	}
	return "", false
}
