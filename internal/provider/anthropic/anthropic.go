package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tokenr-co/tokenr-go/internal/provider"
)

// AnthropicExtractor handles the Messages API. Anthropic reports cache
// tokens separately, so input_tokens already excludes cache hits and writes.
type AnthropicExtractor struct{}

type anthropicResponse struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Model string          `json:"model"`
	Usage *anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type anthropicStreamEvent struct {
	Type    string             `json:"type"`
	Message *anthropicResponse `json:"message,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New() provider.Extractor {
	return &AnthropicExtractor{}
}

func (p *AnthropicExtractor) Name() string {
	return "anthropic"
}

func (p *AnthropicExtractor) Match(req *http.Request) bool {
	return req.Method == http.MethodPost &&
		strings.Contains(strings.ToLower(req.URL.Host), "anthropic") &&
		strings.HasSuffix(req.URL.Path, "/messages")
}

func (p *AnthropicExtractor) Extract(req *http.Request, body []byte) (*provider.Usage, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	if resp.Usage == nil {
		return nil, provider.ErrNoUsage
	}
	return mapUsage(resp.Model, resp.Usage), nil
}

// ExtractStream reads input and cache counts from message_start and the
// cumulative output count from the last message_delta.
func (p *AnthropicExtractor) ExtractStream(req *http.Request, r io.Reader) (*provider.Usage, error) {
	var model string
	var usage *anthropicUsage

	err := provider.ScanEvents(r, func(event, data string) error {
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil
		}
		if event == "" {
			event = ev.Type
		}

		switch event {
		case "message_start":
			if ev.Message != nil {
				model = ev.Message.Model
				if ev.Message.Usage != nil {
					u := *ev.Message.Usage
					usage = &u
				}
			}
		case "message_delta":
			if ev.Usage == nil {
				return nil
			}
			if usage == nil {
				usage = &anthropicUsage{}
			}
			usage.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				usage.InputTokens = ev.Usage.InputTokens
			}
		case "error":
			if ev.Error != nil {
				return fmt.Errorf("anthropic stream error: %s", ev.Error.Message)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if usage == nil {
		return nil, provider.ErrNoUsage
	}
	return mapUsage(model, usage), nil
}

func mapUsage(model string, u *anthropicUsage) *provider.Usage {
	return &provider.Usage{
		Provider:         "anthropic",
		Model:            model,
		InputTokens:      provider.NonNegative(u.InputTokens),
		OutputTokens:     provider.NonNegative(u.OutputTokens),
		CacheReadTokens:  provider.NonNegative(u.CacheReadInputTokens),
		CacheWriteTokens: provider.NonNegative(u.CacheCreationInputTokens),
	}
}
