package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic has no first-class "JSON mode" flag (unlike OpenAI's
// response_format). The reference design instead appends an explicit
// instruction to the system prompt, matching what the Python original does
// for its Anthropic-backed planning calls.
const jsonModeInstruction = "\n\nRespond with a single JSON object and nothing else. Do not wrap it in markdown code fences."

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider implements Provider against the Anthropic Messages API,
// grounded on providers.AnthropicProvider's client construction (same SDK,
// same option.WithAPIKey/WithBaseURL wiring) but narrowed to a single
// non-streaming call per spec §4.5/§4.6 (planning and parameter synthesis
// are one-shot, not interactive chat).
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retry        retrier
}

// NewAnthropicProvider constructs an AnthropicProvider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retry:        retrier{maxAttempts: cfg.MaxRetries, delay: cfg.RetryDelay},
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) SupportsJSONMode() bool { return false }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	model := strings.TrimPrefix(req.Model, "anthropic/")
	if model == "" {
		model = p.defaultModel
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(req.Timeout))
	defer cancel()

	var system string
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = joinNonEmpty(system, m.Content)
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if req.JSONMode {
		system += jsonModeInstruction
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	var result *anthropic.Message
	err := p.retry.do(ctx, isRetryableAnthropicErr, func() error {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return err
		}
		result = msg
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("llm: anthropic complete: %w", err)
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Response{
		Text:         text.String(),
		Model:        string(result.Model),
		InputTokens:  int(result.Usage.InputTokens),
		OutputTokens: int(result.Usage.OutputTokens),
	}, nil
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "\n\n" + b
}

func isRetryableAnthropicErr(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return true // network/timeout errors: assume transient
}
