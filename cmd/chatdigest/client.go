package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/chatdigest/internal/config"
)

// apiClient talks to a running daemon's gateway.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg config.Config) *apiClient {
	return &apiClient{
		base:  gatewayBaseURL(cfg.BindAddr),
		token: cfg.Gateway.AuthToken,
		http:  &http.Client{Timeout: 5 * time.Second},
	}
}

// gatewayBaseURL turns bind_addr into a base URL. An unspecified host such as
// 0.0.0.0 is reached through loopback.
func gatewayBaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// do sends a request and decodes a JSON body into out when out is non-nil.
// The status code is returned even when decoding fails.
func (c *apiClient) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return 0, fmt.Errorf("request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}
