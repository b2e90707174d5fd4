package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tokenr-co/tokenr-go/internal/provider"
)

type GeminiExtractor struct{}

type geminiResponse struct {
	ModelVersion  string               `json:"modelVersion"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiUsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

func New() provider.Extractor {
	return &GeminiExtractor{}
}

func (p *GeminiExtractor) Name() string {
	return "google"
}

func (p *GeminiExtractor) Match(req *http.Request) bool {
	if req.Method != http.MethodPost {
		return false
	}
	path := req.URL.Path
	return strings.HasSuffix(path, ":generateContent") || strings.HasSuffix(path, ":streamGenerateContent")
}

// Extract also accepts the JSON array streamGenerateContent returns when the
// request did not ask for alt=sse.
func (p *GeminiExtractor) Extract(req *http.Request, body []byte) (*provider.Usage, error) {
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		var chunks []geminiResponse
		if err := json.Unmarshal(trimmed, &chunks); err != nil {
			return nil, fmt.Errorf("gemini: decode response: %w", err)
		}
		var model string
		var last *geminiUsageMetadata
		for _, chunk := range chunks {
			if chunk.ModelVersion != "" {
				model = chunk.ModelVersion
			}
			if chunk.UsageMetadata != nil {
				last = chunk.UsageMetadata
			}
		}
		if last == nil {
			return nil, provider.ErrNoUsage
		}
		return mapUsage(req, model, last), nil
	}

	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	if resp.UsageMetadata == nil {
		return nil, provider.ErrNoUsage
	}
	return mapUsage(req, resp.ModelVersion, resp.UsageMetadata), nil
}

// ExtractStream handles alt=sse streams; every chunk repeats the running
// usageMetadata, so the last one wins.
func (p *GeminiExtractor) ExtractStream(req *http.Request, r io.Reader) (*provider.Usage, error) {
	var model string
	var last *geminiUsageMetadata

	err := provider.ScanEvents(r, func(_, data string) error {
		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		if chunk.ModelVersion != "" {
			model = chunk.ModelVersion
		}
		if chunk.UsageMetadata != nil {
			last = chunk.UsageMetadata
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: read stream: %w", err)
	}
	if last == nil {
		return nil, provider.ErrNoUsage
	}
	return mapUsage(req, model, last), nil
}

// ModelFromPath pulls the model out of ".../models/{model}:generateContent".
func ModelFromPath(path string) string {
	idx := strings.LastIndex(path, "/models/")
	if idx < 0 {
		return ""
	}
	rest := path[idx+len("/models/"):]
	if colon := strings.Index(rest, ":"); colon >= 0 {
		rest = rest[:colon]
	}
	return rest
}

// mapUsage bills thinking tokens as output, matching how Google prices them.
func mapUsage(req *http.Request, model string, m *geminiUsageMetadata) *provider.Usage {
	if model == "" {
		model = ModelFromPath(req.URL.Path)
	}
	cached := provider.NonNegative(m.CachedContentTokenCount)
	return &provider.Usage{
		Provider:        "google",
		Model:           model,
		InputTokens:     provider.NonNegative(m.PromptTokenCount - cached),
		OutputTokens:    provider.NonNegative(m.CandidatesTokenCount + m.ThoughtsTokenCount),
		CacheReadTokens: cached,
	}
}
