package provider

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Config selects and tunes the model backend.
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKeyEnv string
	Timeout   time.Duration
}

// LLM adapts a langchaingo model to the Provider interface.
type LLM struct {
	model   llms.Model
	name    string
	timeout time.Duration
}

// NewLLM builds the configured backend. Supported providers are openai
// (and any OpenAI-compatible endpoint via base_url) and ollama.
func NewLLM(cfg Config) (*LLM, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	var model llms.Model
	var err error
	switch cfg.Provider {
	case "", "openai":
		keyEnv := cfg.APIKeyEnv
		if keyEnv == "" {
			keyEnv = "OPENAI_API_KEY"
		}
		key := os.Getenv(keyEnv)
		if key == "" {
			return nil, fmt.Errorf("provider openai: environment variable %s is empty", keyEnv)
		}
		opts := []openai.Option{
			openai.WithToken(key),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize provider %s: %w", cfg.Provider, err)
	}

	name := cfg.Provider
	if name == "" {
		name = "openai"
	}
	return &LLM{model: model, name: name, timeout: cfg.Timeout}, nil
}

func (l *LLM) Name() string {
	return l.name
}

// Generate performs one model call. Backend failures come back classified
// so callers can tell transient stumbles from permanent rejections.
func (l *LLM) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(req.System)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(req.Prompt)},
	})

	start := time.Now()
	resp, err := l.model.GenerateContent(ctx, messages)
	if err != nil {
		return nil, Classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, Transient(fmt.Errorf("backend returned no choices"))
	}

	choice := resp.Choices[0]
	out := &Response{
		Text:     choice.Content,
		Duration: time.Since(start),
	}
	if v, ok := choice.GenerationInfo["PromptTokens"]; ok {
		out.InputTokens = toInt(v)
	}
	if v, ok := choice.GenerationInfo["CompletionTokens"]; ok {
		out.OutputTokens = toInt(v)
	}
	return out, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
