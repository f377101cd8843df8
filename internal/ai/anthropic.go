package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/marcushq/marcus/internal/fault"
)

// DefaultAnthropicModel is used when the config names no model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic is the Messages API provider.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropic builds the provider. The key comes from config resolution
// (environment variable named there), never from a file.
func NewAnthropic(apiKey, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fault.New(fault.MissingCredentials, "anthropic API key is empty",
			fault.WithIntegration("ai:anthropic"),
			fault.WithRemediation(&fault.Remediation{
				Immediate: "export the API key in the environment variable named by ai.api_key_env",
			}))
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// Complete runs one Messages call and concatenates the text blocks.
func (a *Anthropic) Complete(ctx context.Context, p Prompt) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(p.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
		},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", tagAnthropicError(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fault.AI("model returned no text content",
			fault.WithIntegration("ai:anthropic"), fault.WithRetryable(false))
	}
	return out, nil
}

// tagAnthropicError maps API failures onto the taxonomy so retry and breaker
// policy act on the right categories.
func tagAnthropicError(err error) error {
	opts := []fault.Option{fault.WithCause(err), fault.WithIntegration("ai:anthropic")}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return fault.New(fault.Authentication, "anthropic rejected the API key", opts...)
		case apierr.StatusCode == 429:
			return fault.New(fault.RateLimit, "anthropic rate limited the request", opts...)
		case apierr.StatusCode >= 500:
			return fault.New(fault.ServiceUnavailable, "anthropic service error", opts...)
		default:
			return fault.AI(fmt.Sprintf("anthropic request failed with status %d", apierr.StatusCode),
				append(opts, fault.WithRetryable(false))...)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.NetworkTimeout, "anthropic call timed out", opts...)
	}
	return fault.AI("anthropic call failed", opts...)
}
