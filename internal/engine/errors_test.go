package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil error", nil, ErrorClassUnknown},
		{"401 unauthorized", errors.New("HTTP 401: Unauthorized"), ErrorClassAuth},
		{"invalid api key", errors.New("invalid api key provided"), ErrorClassAuth},
		{"403 forbidden", errors.New("403 Forbidden: access denied"), ErrorClassAuth},
		{"429 rate limit", errors.New("HTTP 429: rate limit exceeded"), ErrorClassRateLimit},
		{"quota exceeded", errors.New("quota exceeded for project"), ErrorClassRateLimit},
		{"too many requests", errors.New("too many requests, please slow down"), ErrorClassRateLimit},
		{"deadline exceeded text", errors.New("context deadline exceeded"), ErrorClassTimeout},
		{"deadline exceeded wrapped", fmt.Errorf("genkit generate: %w", context.DeadlineExceeded), ErrorClassTimeout},
		{"timeout", errors.New("request timeout after 30s"), ErrorClassTimeout},
		{"timed out", errors.New("connection timed out"), ErrorClassTimeout},
		{"billing issue", errors.New("billing account not active"), ErrorClassBilling},
		{"payment required", errors.New("payment required for this model"), ErrorClassBilling},
		{"insufficient funds", errors.New("insufficient funds in account"), ErrorClassBilling},
		{"context_length exceeded", errors.New("context_length_exceeded: max 128000 tokens"), ErrorClassContextOverflow},
		{"token limit", errors.New("token limit exceeded for this request"), ErrorClassContextOverflow},
		{"context window", errors.New("input exceeds context window"), ErrorClassContextOverflow},
		{"unknown error", errors.New("something went wrong"), ErrorClassUnknown},
		{"generic server error", errors.New("500 internal server error"), ErrorClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.expected)
			}
		})
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("google: %w", ErrNoProvider), "no completion provider configured"},
		{context.Canceled, "canceled"},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), "timed out"},
		{errors.New("HTTP 429"), "rate limited"},
		{errors.New("401 Unauthorized"), "provider rejected the credentials"},
		{errors.New("insufficient funds"), "provider billing problem"},
		{errors.New("maximum context length is 8192"), "conversation too long for the model"},
		{errors.New("dial tcp: connection refused"), "provider error"},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
