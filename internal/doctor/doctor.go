// Package doctor runs the checks behind `chatdigest doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/chatdigest/internal/config"
	"github.com/basket/chatdigest/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type checkFunc func(context.Context, *config.Config) CheckResult

// lookupHost is replaced in tests.
var lookupHost = net.DefaultResolver.LookupHost

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []checkFunc{
		checkConfig,
		checkProviders,
		checkStore,
		checkPermissions,
		checkChannels,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: StatusWarn,
			Message: "config.yaml not found, using defaults",
			Detail:  config.ConfigPath(cfg.HomeDir)}
	}
	if len(cfg.Warnings) > 0 {
		msgs := make([]string, 0, len(cfg.Warnings))
		for _, w := range cfg.Warnings {
			msgs = append(msgs, w.Error())
		}
		return CheckResult{Name: "Config", Status: StatusWarn,
			Message: fmt.Sprintf("%d setting(s) replaced by fallbacks", len(cfg.Warnings)),
			Detail:  strings.Join(msgs, "; ")}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkProviders(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Providers", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Name:    "Providers",
			Status:  StatusFail,
			Message: "No completion provider configured",
			Detail:  "Set GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY or OPENROUTER_API_KEY, or list llm.providers in config.yaml",
		}
	}
	var ready, missing []string
	for _, p := range cfg.LLM.Providers {
		name := strings.ToLower(p.Provider)
		if p.APIKey != "" || name == "openai_compatible" {
			ready = append(ready, name)
		} else {
			missing = append(missing, name)
		}
	}
	switch {
	case len(ready) == 0:
		return CheckResult{Name: "Providers", Status: StatusFail,
			Message: "No provider has an API key",
			Detail:  "missing keys: " + strings.Join(missing, ", ")}
	case len(missing) > 0:
		return CheckResult{Name: "Providers", Status: StatusWarn,
			Message: fmt.Sprintf("%d of %d providers usable", len(ready), len(cfg.LLM.Providers)),
			Detail:  "missing keys: " + strings.Join(missing, ", ")}
	default:
		return CheckResult{Name: "Providers", Status: StatusPass,
			Message: fmt.Sprintf("%d provider(s) in failover order: %s", len(ready), strings.Join(ready, ", "))}
	}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: StatusSkip, Message: "Config missing"}
	}
	gw, err := persistence.Open(cfg.Persistence, cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Store", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer gw.Close()

	backend := cfg.Persistence.Backend
	if backend == "" {
		backend = persistence.BackendFile
	}
	records, err := gw.Load(ctx)
	if err != nil {
		status := StatusFail
		if errors.Is(err, persistence.ErrMalformed) {
			// The daemon quarantines bad state and keeps going.
			status = StatusWarn
		}
		return CheckResult{Name: "Store", Status: status,
			Message: fmt.Sprintf("%s backend: load reported an error", backend),
			Detail:  err.Error()}
	}
	return CheckResult{Name: "Store", Status: StatusPass,
		Message: fmt.Sprintf("%s backend: %d conversation(s) saved", backend, len(records))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkChannels(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channels", Status: StatusSkip, Message: "Config missing"}
	}
	var ok, problems []string
	if tg := cfg.Channels.Telegram; tg.Enabled {
		if tg.Token == "" {
			problems = append(problems, "telegram: token missing")
		} else {
			ok = append(ok, "telegram")
		}
	}
	if mx := cfg.Channels.Matrix; mx.Enabled {
		switch {
		case mx.Homeserver == "":
			problems = append(problems, "matrix: homeserver missing")
		case mx.UserID == "":
			problems = append(problems, "matrix: user_id missing")
		case mx.AccessToken == "":
			problems = append(problems, "matrix: access_token missing")
		default:
			ok = append(ok, "matrix")
		}
	}
	switch {
	case len(problems) > 0:
		return CheckResult{Name: "Channels", Status: StatusFail,
			Message: fmt.Sprintf("%d channel(s) misconfigured", len(problems)),
			Detail:  strings.Join(problems, "; ")}
	case len(ok) == 0:
		return CheckResult{Name: "Channels", Status: StatusWarn,
			Message: "No chat channel enabled",
			Detail:  "Enable channels.telegram or channels.matrix in config.yaml"}
	default:
		return CheckResult{Name: "Channels", Status: StatusPass, Message: "Enabled: " + strings.Join(ok, ", ")}
	}
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

func providerHost(p string, baseURL string) string {
	if baseURL != "" {
		if host := hostOf(baseURL); host != "" {
			return host
		}
	}
	return providerHosts[strings.ToLower(p)]
}

func hostOf(raw string) string {
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	if i := strings.IndexAny(raw, "/?"); i >= 0 {
		raw = raw[:i]
	}
	if h, _, err := net.SplitHostPort(raw); err == nil {
		return h
	}
	return raw
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "No provider to reach"}
	}
	first := cfg.LLM.Providers[0]
	host := providerHost(first.Provider, first.BaseURL)
	if host == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: fmt.Sprintf("No known endpoint for provider %q", first.Provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := lookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", first.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", first.Provider, addrs),
	}
}
