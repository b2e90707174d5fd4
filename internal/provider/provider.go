package provider

import (
	"errors"
	"io"
	"net/http"
	"strings"
)

var ErrNoUsage = errors.New("response carries no usage")

// Usage is the token accounting found in one provider response.
type Usage struct {
	Provider         string
	Model            string
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Extractor reads usage out of a provider's HTTP responses. Extractors never
// see prompt content; they only parse the usage and model fields.
type Extractor interface {
	Name() string
	Match(req *http.Request) bool
	Extract(req *http.Request, body []byte) (*Usage, error)
	ExtractStream(req *http.Request, r io.Reader) (*Usage, error)
}

// compatibleHosts maps base URL fragments of OpenAI-compatible APIs to
// provider slugs. Order matters: "x.ai" must win before the bare "xai".
var compatibleHosts = []struct {
	fragment string
	slug     string
}{
	{"minimax", "minimax"},
	{"anthropic", "anthropic"},
	{"googleapis", "google"},
	{"mistral", "mistral"},
	{"cohere", "cohere"},
	{"deepseek", "deepseek"},
	{"x.ai", "xai"},
	{"xai", "xai"},
	{"azure", "azure_openai"},
}

// Detect resolves the provider slug for an OpenAI-compatible endpoint from
// its host. Anything unrecognized is treated as OpenAI itself.
func Detect(host string) string {
	host = strings.ToLower(host)
	for _, h := range compatibleHosts {
		if strings.Contains(host, h.fragment) {
			return h.slug
		}
	}
	return "openai"
}

// Registry picks the extractor for an outgoing request.
type Registry struct {
	extractors []Extractor
}

func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

func (r *Registry) Find(req *http.Request) Extractor {
	for _, e := range r.extractors {
		if e.Match(req) {
			return e
		}
	}
	return nil
}

// NonNegative floors a derived token count at zero.
func NonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
