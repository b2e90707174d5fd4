package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tokenr-co/tokenr-go/internal/provider"
)

// OpenAIExtractor handles the chat completions API of OpenAI and every
// OpenAI-compatible vendor; the vendor slug comes from the request host.
type OpenAIExtractor struct{}

type openAIResponse struct {
	ID    string       `json:"id"`
	Model string       `json:"model"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *promptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

type promptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

func New() provider.Extractor {
	return &OpenAIExtractor{}
}

func (p *OpenAIExtractor) Name() string {
	return "openai"
}

func (p *OpenAIExtractor) Match(req *http.Request) bool {
	return req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/chat/completions")
}

func (p *OpenAIExtractor) Extract(req *http.Request, body []byte) (*provider.Usage, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if resp.Usage == nil {
		return nil, provider.ErrNoUsage
	}
	return p.mapUsage(req, resp.Model, resp.Usage), nil
}

// ExtractStream keeps the last chunk that carries usage. OpenAI only sends it
// when the request set stream_options.include_usage.
func (p *OpenAIExtractor) ExtractStream(req *http.Request, r io.Reader) (*provider.Usage, error) {
	var model string
	var last *openAIUsage

	err := provider.ScanEvents(r, func(_, data string) error {
		var chunk openAIResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// tolerate vendor keep-alive payloads
			return nil
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			last = chunk.Usage
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai: read stream: %w", err)
	}
	if last == nil {
		return nil, provider.ErrNoUsage
	}
	return p.mapUsage(req, model, last), nil
}

// mapUsage splits prompt_tokens into fresh input and cached reads so each
// category can be priced at its own rate.
func (p *OpenAIExtractor) mapUsage(req *http.Request, model string, u *openAIUsage) *provider.Usage {
	var cached int
	if u.PromptTokensDetails != nil {
		cached = provider.NonNegative(u.PromptTokensDetails.CachedTokens)
	}
	return &provider.Usage{
		Provider:        provider.Detect(req.URL.Host),
		Model:           model,
		InputTokens:     provider.NonNegative(u.PromptTokens - cached),
		OutputTokens:    provider.NonNegative(u.CompletionTokens),
		CacheReadTokens: cached,
	}
}
