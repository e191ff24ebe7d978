package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestIsRetryableRealtimeMessageType(t *testing.T) {
	if !IsRetryableRealtimeMessageType("rate_limited") {
		t.Fatalf("rate_limited should be retryable")
	}
	if IsRetryableRealtimeMessageType("auth_error") {
		t.Fatalf("auth_error should not be retryable")
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Op: "related sessions", Status: 503, Body: " upstream down \n"}
	if got, want := err.Error(), "related sessions: status 503: upstream down"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !err.Retryable() {
		t.Fatalf("503 should be retryable")
	}
	bare := &StatusError{Op: "park worry", Status: 400}
	if got, want := bare.Error(), "park worry: status 400"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if bare.Retryable() {
		t.Fatalf("400 should not be retryable")
	}
}
