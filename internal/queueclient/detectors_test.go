package queueclient

import (
	"net/http"
	"testing"
	"time"
)

func TestDefaultQuotaDetector(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		header  http.Header
		limited bool
		reset   time.Time
	}{
		{"remaining", http.StatusOK, http.Header{"X-Rate-Limit-Remaining": {"3"}}, false, time.Time{}},
		{"exhausted", http.StatusOK, http.Header{"X-Rate-Limit-Remaining": {"0"}, "X-Rate-Limit-Reset": {"1714567890"}}, true, time.Unix(1714567890, 0)},
		{"429 no reset", http.StatusTooManyRequests, http.Header{}, true, time.Time{}},
		{"bad reset", http.StatusTooManyRequests, http.Header{"X-Rate-Limit-Reset": {"soon"}}, true, time.Time{}},
	}

	for _, tc := range cases {
		reset, limited := DefaultQuotaDetector(&Response{StatusCode: tc.status, Header: tc.header})
		if limited != tc.limited || !reset.Equal(tc.reset) {
			t.Fatalf("%s: got (%v, %v), want (%v, %v)", tc.name, reset, limited, tc.reset, tc.limited)
		}
	}
}

func TestDefaultAuthDetector(t *testing.T) {
	cases := []struct {
		status   int
		body     string
		rejected bool
	}{
		{http.StatusUnauthorized, "", true},
		{http.StatusForbidden, `{"errors":[{"message":"This account is temporarily locked"}]}`, true},
		{http.StatusForbidden, `{"errors":[{"message":"forbidden resource"}]}`, false},
		{http.StatusOK, "suspended", false},
	}

	for _, tc := range cases {
		_, rejected := DefaultAuthDetector(&Response{StatusCode: tc.status, Body: []byte(tc.body)})
		if rejected != tc.rejected {
			t.Fatalf("status %d body %q: got %v, want %v", tc.status, tc.body, rejected, tc.rejected)
		}
	}
}
