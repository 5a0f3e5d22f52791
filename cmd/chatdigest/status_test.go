package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/chatdigest/internal/digest"
	"github.com/basket/chatdigest/internal/gateway"
)

func fakeDaemon(t *testing.T, healthy bool, statuses []digest.Status) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/healthz":
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(gateway.HealthResponse{
				Healthy: healthy, StoreOK: healthy, Conversations: len(statuses),
			})
		case "/api/conversations":
			_ = json.NewEncoder(w).Encode(statuses)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func daemonConfig(ts *httptest.Server) string {
	return "bind_addr: \"" + ts.Listener.Addr().String() + "\"\ngateway:\n  auth_token: tok\n"
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_Table(t *testing.T) {
	ts := fakeDaemon(t, true, []digest.Status{
		{ConversationID: "telegram:-100", Pending: 4, Buffered: 12},
		{ConversationID: "matrix:!room:example.org", InFlight: true, RunID: "r1"},
	})
	setTestConfig(t, daemonConfig(ts))

	var out bytes.Buffer
	if code := runStatusCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	for _, want := range []string{"healthy", "telegram:-100", "matrix:!room:example.org", "PENDING", "never"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunStatusCommand_JSON(t *testing.T) {
	ts := fakeDaemon(t, true, []digest.Status{{ConversationID: "telegram:-100", Pending: 2}})
	setTestConfig(t, daemonConfig(ts))

	var out bytes.Buffer
	if code := runStatusCommand(context.Background(), []string{"-json"}, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	var report statusReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if !report.Health.Healthy || len(report.Conversations) != 1 || report.Conversations[0].Pending != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunStatusCommand_Unhealthy(t *testing.T) {
	ts := fakeDaemon(t, false, nil)
	setTestConfig(t, daemonConfig(ts))

	var out bytes.Buffer
	if code := runStatusCommand(context.Background(), nil, &out); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if !strings.Contains(out.String(), "unhealthy") {
		t.Fatalf("expected unhealthy in output:\n%s", out.String())
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "bind_addr: \"127.0.0.1:1\"\n")
	if code := runStatusCommand(context.Background(), nil, &bytes.Buffer{}); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestAgo(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }
	tests := []struct {
		t    *time.Time
		want string
	}{
		{nil, "never"},
		{at(10 * time.Second), "just now"},
		{at(5 * time.Minute), "5m ago"},
		{at(3 * time.Hour), "3h ago"},
	}
	for _, tt := range tests {
		if got := ago(tt.t, now); got != tt.want {
			t.Errorf("ago = %q, want %q", got, tt.want)
		}
	}
}
