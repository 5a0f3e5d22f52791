// Package engine produces summary text through external LLM providers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Completer turns a prompt into generated text. sessionHint groups calls per
// conversation for providers that track sessions.
type Completer interface {
	Complete(ctx context.Context, prompt, sessionHint string) (string, error)
}

// ProviderConfig selects one LLM provider.
type ProviderConfig struct {
	// Provider: google, anthropic, openai, openai_compatible or openrouter.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKey falls back to the provider's usual environment variable.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// CompatibleProvider names the backend for openai_compatible.
	CompatibleProvider string `yaml:"compatible_provider"`
}

const systemPrompt = "You summarize group chat transcripts. Reply with the summary only, in the language the participants use. Keep names as they appear."

var defaultModels = map[string]string{
	"google":     "gemini-2.5-flash",
	"anthropic":  "claude-haiku-4-5",
	"openai":     "gpt-4o-mini",
	"openrouter": "openrouter/auto",
}

// GenkitCompleter generates text through one genkit-backed provider.
type GenkitCompleter struct {
	g         *genkit.Genkit
	name      string
	modelName string
	logger    *slog.Logger
}

// NewGenkitCompleter initializes genkit with the configured provider. It
// returns ErrNoProvider when no API key is available.
func NewGenkitCompleter(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*GenkitCompleter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoProvider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: baseURL,
		}))
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "openai_compatible":
		if cfg.CompatibleProvider == "" || cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai_compatible: compatible_provider and base_url are required")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("unknown completion provider %q", provider)
	}

	modelName := modelNameForProvider(provider, cfg.Model)
	logger.Info("completion provider initialized", "provider", provider, "model", modelName)
	return &GenkitCompleter{
		g:         g,
		name:      provider,
		modelName: modelName,
		logger:    logger,
	}, nil
}

// Name returns the provider name.
func (c *GenkitCompleter) Name() string { return c.name }

// Complete sends prompt as a single user message.
func (c *GenkitCompleter) Complete(ctx context.Context, prompt, sessionHint string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}

	// ai.WithSystem formats its argument; escape % so it arrives verbatim.
	system := strings.ReplaceAll(systemPrompt, "%", "%%")
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(c.modelName),
		ai.WithSystem(system),
		ai.WithMessages(ai.NewUserTextMessage(prompt)),
	)
	if err != nil {
		c.logger.Error("genkit generate failed", "provider", c.name, "session_id", sessionHint, "error", err)
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("genkit generate: empty response from %s", c.name)
	}
	return text, nil
}

// NamedCompleter pairs a Completer with the provider name used for circuit
// breaker tracking and logging.
type NamedCompleter struct {
	Name      string
	Completer Completer
}

// Build creates a completer for every provider that has credentials. One
// provider is returned as is; several are wrapped in a FailoverCompleter in
// the given order, tuned by fcfg. ErrNoProvider means none could be built.
func Build(ctx context.Context, providers []ProviderConfig, fcfg FailoverConfig) (Completer, error) {
	logger := fcfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var built []NamedCompleter
	for _, p := range providers {
		c, err := NewGenkitCompleter(ctx, p, logger)
		if err != nil {
			logger.Warn("completion provider unavailable", "provider", p.Provider, "error", err)
			continue
		}
		built = append(built, NamedCompleter{Name: c.Name(), Completer: c})
	}
	switch len(built) {
	case 0:
		return nil, ErrNoProvider
	case 1:
		return built[0].Completer, nil
	default:
		fcfg.Logger = logger
		return NewFailoverCompleter(built[0], built[1:], fcfg), nil
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModels[provider]
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	case "openrouter":
		return model // OpenRouter uses full model names like "anthropic/claude-sonnet-4-5"
	default:
		return "googleai/" + model
	}
}
