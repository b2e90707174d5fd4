package anthropic

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tokenr-co/tokenr-go/internal/provider"
)

const messagesURL = "https://api.anthropic.com/v1/messages"

func TestExtract(t *testing.T) {
	body := []byte(`{
		"id": "msg_1",
		"type": "message",
		"model": "claude-3-5-sonnet-20241022",
		"content": [{"type": "text", "text": "Hello from Claude mock!"}],
		"usage": {
			"input_tokens": 12,
			"output_tokens": 34,
			"cache_creation_input_tokens": 100,
			"cache_read_input_tokens": 2048
		}
	}`)

	u, err := New().Extract(httptest.NewRequest("POST", messagesURL, nil), body)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if u.Provider != "anthropic" {
		t.Errorf("Expected provider anthropic, got %s", u.Provider)
	}
	if u.Model != "claude-3-5-sonnet-20241022" {
		t.Errorf("Expected model claude-3-5-sonnet-20241022, got %s", u.Model)
	}
	if u.InputTokens != 12 || u.OutputTokens != 34 {
		t.Errorf("Expected 12/34 tokens, got %d/%d", u.InputTokens, u.OutputTokens)
	}
	if u.CacheWriteTokens != 100 || u.CacheReadTokens != 2048 {
		t.Errorf("Expected cache 100 write / 2048 read, got %d/%d", u.CacheWriteTokens, u.CacheReadTokens)
	}
}

func TestExtract_NoUsage(t *testing.T) {
	_, err := New().Extract(httptest.NewRequest("POST", messagesURL, nil), []byte(`{"type":"message"}`))
	if !errors.Is(err, provider.ErrNoUsage) {
		t.Errorf("Expected ErrNoUsage, got %v", err)
	}
}

func TestExtractStream(t *testing.T) {
	stream := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-haiku-20241022","usage":{"input_tokens":25,"output_tokens":1,"cache_read_input_tokens":10}}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
		"",
		"event: message_delta",
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":15}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"}`,
		"",
	}, "\n")

	u, err := New().ExtractStream(httptest.NewRequest("POST", messagesURL, nil), strings.NewReader(stream))
	if err != nil {
		t.Fatalf("ExtractStream failed: %v", err)
	}

	if u.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("Expected model from message_start, got %s", u.Model)
	}
	if u.InputTokens != 25 {
		t.Errorf("Expected 25 input tokens, got %d", u.InputTokens)
	}
	if u.OutputTokens != 15 {
		t.Errorf("Expected cumulative 15 output tokens, got %d", u.OutputTokens)
	}
	if u.CacheReadTokens != 10 {
		t.Errorf("Expected 10 cache read tokens, got %d", u.CacheReadTokens)
	}
}

func TestExtractStream_Error(t *testing.T) {
	stream := "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"

	_, err := New().ExtractStream(httptest.NewRequest("POST", messagesURL, nil), strings.NewReader(stream))
	if err == nil || !strings.Contains(err.Error(), "Overloaded") {
		t.Errorf("Expected overloaded error, got %v", err)
	}
}

func TestMatch(t *testing.T) {
	p := New()
	if !p.Match(httptest.NewRequest("POST", messagesURL, nil)) {
		t.Error("Expected messages endpoint to match")
	}
	if p.Match(httptest.NewRequest("POST", "https://example.com/v1/messages", nil)) {
		t.Error("Expected non-anthropic host not to match")
	}
	if p.Match(httptest.NewRequest("POST", "https://api.anthropic.com/v1/messages/count_tokens", nil)) {
		t.Error("Expected count_tokens not to match")
	}
}
