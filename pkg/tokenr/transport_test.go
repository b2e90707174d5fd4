package tokenr

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tokenr-co/tokenr-go/internal/provider"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func cannedResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Request:    req,
	}
}

const openAIBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "gpt-4o-2024-08-06",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello from mock!"}}],
	"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150,
		"prompt_tokens_details": {"cached_tokens": 20}}
}`

func TestTransport_TracksOpenAICompletion(t *testing.T) {
	endpoint := newTrackingEndpoint(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(openAIBody))
	}))
	defer upstream.Close()

	c := newTestClient(t, endpoint.URL())
	httpClient := c.HTTPClient(nil)

	ctx := WithAttribution(context.Background(), Attribution{AgentID: "support-bot", TeamID: "team-a"})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, upstream.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != openAIBody {
		t.Errorf("Response body was altered: %q", body)
	}
	flush(t, c)

	events := endpoint.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev["provider"] != "openai" || ev["model"] != "gpt-4o-2024-08-06" {
		t.Errorf("Unexpected provider/model: %v", ev)
	}
	if ev["input_tokens"] != float64(100) || ev["cache_read_tokens"] != float64(20) || ev["output_tokens"] != float64(30) {
		t.Errorf("Token counts do not match response: %v", ev)
	}
	if ev["agent_id"] != "support-bot" || ev["team_id"] != "team-a" {
		t.Errorf("Expected context attribution, got %v", ev)
	}
	if _, ok := ev["content"]; ok {
		t.Error("Event must not carry response content")
	}
}

func TestTransport_TracksAnthropicStream(t *testing.T) {
	endpoint := newTrackingEndpoint(t)
	stream := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"model":"claude-3-5-haiku-20241022","usage":{"input_tokens":25,"output_tokens":1,"cache_creation_input_tokens":5}}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`,
		"",
		"event: message_delta",
		`data: {"type":"message_delta","usage":{"output_tokens":15}}`,
		"",
	}, "\n")

	c := newTestClient(t, endpoint.URL())
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return cannedResponse(req, http.StatusOK, "text/event-stream", []byte(stream)), nil
	})

	req, _ := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", strings.NewReader(`{}`))
	resp, err := c.Transport(base).RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != stream {
		t.Error("Stream was altered")
	}
	flush(t, c)

	events := endpoint.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev["provider"] != "anthropic" || ev["input_tokens"] != float64(25) || ev["output_tokens"] != float64(15) {
		t.Errorf("Unexpected event: %v", ev)
	}
	if ev["cache_write_tokens"] != float64(5) {
		t.Errorf("Expected 5 cache write tokens, got %v", ev["cache_write_tokens"])
	}
}

func TestTransport_TracksGeminiStreamArray(t *testing.T) {
	endpoint := newTrackingEndpoint(t)
	body := `[{"candidates":[{"content":{"parts":[{"text":"Hi"}]}}]},` +
		`{"candidates":[],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":4}}]`

	c := newTestClient(t, endpoint.URL())
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return cannedResponse(req, http.StatusOK, "application/json; charset=UTF-8", []byte(body)), nil
	})

	req, _ := http.NewRequest(http.MethodPost,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:streamGenerateContent", nil)
	resp, err := c.Transport(base).RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(got) != body {
		t.Error("Response body was altered")
	}
	flush(t, c)

	events := endpoint.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev["provider"] != "google" || ev["model"] != "gemini-1.5-flash" {
		t.Errorf("Unexpected provider/model: %v", ev)
	}
	if ev["input_tokens"] != float64(12) || ev["output_tokens"] != float64(4) {
		t.Errorf("Token counts do not match response: %v", ev)
	}
}

func TestTransport_TracksOnCloseWithoutEOF(t *testing.T) {
	endpoint := newTrackingEndpoint(t)
	c := newTestClient(t, endpoint.URL())
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return cannedResponse(req, http.StatusOK, "application/json", []byte(openAIBody)), nil
	})

	req, _ := http.NewRequest(http.MethodPost, "https://api.deepseek.com/chat/completions", nil)
	resp, _ := c.Transport(base).RoundTrip(req)
	buf := make([]byte, len(openAIBody))
	io.ReadFull(resp.Body, buf)
	resp.Body.Close()
	resp.Body.Close()
	flush(t, c)

	events := endpoint.Events()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 event, got %d", len(events))
	}
	if events[0]["provider"] != "deepseek" {
		t.Errorf("Expected provider detected from host, got %v", events[0]["provider"])
	}
}

type blockingExtractor struct {
	release chan struct{}
	entered chan struct{}
}

func (e *blockingExtractor) Name() string                { return "openai" }
func (e *blockingExtractor) Match(req *http.Request) bool { return true }
func (e *blockingExtractor) Extract(req *http.Request, body []byte) (*provider.Usage, error) {
	close(e.entered)
	<-e.release
	return &provider.Usage{Provider: "openai", Model: "gpt-4o", InputTokens: 7, OutputTokens: 3}, nil
}
func (e *blockingExtractor) ExtractStream(req *http.Request, r io.Reader) (*provider.Usage, error) {
	return nil, provider.ErrNoUsage
}

func TestTransport_ParsesOffTheCallerPath(t *testing.T) {
	endpoint := newTrackingEndpoint(t)
	c := newTestClient(t, endpoint.URL())
	ex := &blockingExtractor{release: make(chan struct{}), entered: make(chan struct{})}
	c.registry = provider.NewRegistry(ex)

	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return cannedResponse(req, http.StatusOK, "application/json", []byte(openAIBody)), nil
	})
	req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	resp, err := c.Transport(base).RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		io.ReadAll(resp.Body)
		resp.Body.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Reading the body waited on usage extraction")
	}
	<-ex.entered

	close(ex.release)
	flush(t, c)

	if len(endpoint.Events()) != 1 {
		t.Errorf("Expected 1 event after extraction finished, got %d", len(endpoint.Events()))
	}
}

func TestTransport_GzipBody(t *testing.T) {
	endpoint := newTrackingEndpoint(t)
	c := newTestClient(t, endpoint.URL())

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(openAIBody))
	zw.Close()
	compressed := gz.Bytes()

	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		resp := cannedResponse(req, http.StatusOK, "application/json", compressed)
		resp.Header.Set("Content-Encoding", "gzip")
		return resp, nil
	})

	req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	resp, _ := c.Transport(base).RoundTrip(req)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(body, compressed) {
		t.Error("Compressed body was altered")
	}
	flush(t, c)

	if len(endpoint.Events()) != 1 {
		t.Errorf("Expected gzip response to be tracked, got %d events", len(endpoint.Events()))
	}
}

func TestTransport_DisabledPassesThrough(t *testing.T) {
	endpoint := newTrackingEndpoint(t)
	c := newTestClient(t, endpoint.URL(), WithEnabled(false))

	var original io.ReadCloser
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		resp := cannedResponse(req, http.StatusOK, "application/json", []byte(openAIBody))
		original = resp.Body
		return resp, nil
	})

	req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	resp, err := c.Transport(base).RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if resp.Body != original {
		t.Error("Disabled client should not wrap the body")
	}
	io.ReadAll(resp.Body)
	resp.Body.Close()
	flush(t, c)

	if endpoint.hits.Load() != 0 {
		t.Errorf("Expected zero requests, got %d", endpoint.hits.Load())
	}
}

func TestTransport_UntrackedResponses(t *testing.T) {
	endpoint := newTrackingEndpoint(t)
	c := newTestClient(t, endpoint.URL())

	upstreamErr := errors.New("connection reset")
	tests := []struct {
		name string
		url  string
		rt   roundTripFunc
	}{
		{
			name: "transport error",
			url:  "https://api.openai.com/v1/chat/completions",
			rt: func(req *http.Request) (*http.Response, error) {
				return nil, upstreamErr
			},
		},
		{
			name: "non-2xx",
			url:  "https://api.openai.com/v1/chat/completions",
			rt: func(req *http.Request) (*http.Response, error) {
				return cannedResponse(req, http.StatusTooManyRequests, "application/json", []byte(`{"error":{}}`)), nil
			},
		},
		{
			name: "unknown endpoint",
			url:  "https://api.openai.com/v1/embeddings",
			rt: func(req *http.Request) (*http.Response, error) {
				return cannedResponse(req, http.StatusOK, "application/json", []byte(openAIBody)), nil
			},
		},
		{
			name: "no usage block",
			url:  "https://api.openai.com/v1/chat/completions",
			rt: func(req *http.Request) (*http.Response, error) {
				return cannedResponse(req, http.StatusOK, "application/json", []byte(`{"model":"gpt-4o"}`)), nil
			},
		},
		{
			name: "not json",
			url:  "https://api.openai.com/v1/chat/completions",
			rt: func(req *http.Request) (*http.Response, error) {
				return cannedResponse(req, http.StatusOK, "application/json", []byte(`<html>`)), nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, tt.url, nil)
			resp, err := c.Transport(tt.rt).RoundTrip(req)
			if tt.name == "transport error" {
				if !errors.Is(err, upstreamErr) || resp != nil {
					t.Fatalf("Expected upstream error passthrough, got %v, %v", resp, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			io.ReadAll(resp.Body)
			resp.Body.Close()
		})
	}
	flush(t, c)

	if endpoint.hits.Load() != 0 {
		t.Errorf("Expected no tracked events, got %d", endpoint.hits.Load())
	}
}

func TestTransport_EndpointDownDoesNotAffectCall(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	c := newTestClient(t, downURL)
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return cannedResponse(req, http.StatusOK, "application/json", []byte(openAIBody)), nil
	})

	req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	resp, err := c.Transport(base).RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil || string(body) != openAIBody {
		t.Errorf("Call result changed: %q, %v", body, err)
	}
	flush(t, c)

	if stats := c.Stats(); stats.Failed != 1 {
		t.Errorf("Expected failure to be counted silently, got %+v", stats)
	}
}

func TestTransport_NoDoubleWrap(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	rt := c.Transport(nil)
	if c.Transport(rt) != rt {
		t.Error("Expected wrapping the same client's transport to be idempotent")
	}
}
