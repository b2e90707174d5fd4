package tokenr

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tokenr-co/tokenr-go/internal/provider"
)

// maxCapture bounds how much of a response body is kept for usage parsing.
const maxCapture = 4 << 20

type trackingTransport struct {
	base   http.RoundTripper
	client *Client
}

// Transport wraps base so that successful calls to recognised provider APIs
// are tracked. The caller sees exactly the bytes base returned. A nil base
// means http.DefaultTransport.
func (c *Client) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if t, ok := base.(*trackingTransport); ok && t.client == c {
		return t
	}
	return &trackingTransport{base: base, client: c}
}

func (t *trackingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.client.Enabled() {
		return t.base.RoundTrip(req)
	}
	extractor := t.client.registry.Find(req)
	if extractor == nil {
		return t.base.RoundTrip(req)
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.Body == nil || resp.Body == http.NoBody {
		return resp, err
	}

	resp.Body = &teeBody{
		rc: resp.Body,
		finish: func(body []byte) {
			latency := time.Since(start)
			t.client.extracting.Add(1)
			go func() {
				defer t.client.extracting.Add(-1)
				t.client.trackResponse(req, resp.Header, extractor, body, latency)
			}()
		},
	}
	return resp, nil
}

// teeBody copies what the caller reads and hands the copy to finish once,
// at EOF or Close, whichever comes first. finish must not block the reader.
type teeBody struct {
	rc       io.ReadCloser
	mu       sync.Mutex
	buf      bytes.Buffer
	overflow bool
	once     sync.Once
	finish   func(body []byte)
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.mu.Lock()
		if !b.overflow {
			if b.buf.Len()+n > maxCapture {
				b.overflow = true
				b.buf = bytes.Buffer{}
			} else {
				b.buf.Write(p[:n])
			}
		}
		b.mu.Unlock()
	}
	if err == io.EOF {
		b.done()
	}
	return n, err
}

func (b *teeBody) Close() error {
	err := b.rc.Close()
	b.done()
	return err
}

func (b *teeBody) done() {
	b.once.Do(func() {
		b.mu.Lock()
		overflow := b.overflow
		body := b.buf.Bytes()
		b.mu.Unlock()
		if overflow || len(body) == 0 {
			return
		}
		b.finish(body)
	})
}

func (c *Client) trackResponse(req *http.Request, header http.Header, ex provider.Extractor, body []byte, latency time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug("usage extraction panicked", "provider", ex.Name(), "panic", r)
		}
	}()

	if strings.EqualFold(header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			c.logger.Debug("cannot decompress response", "provider", ex.Name(), "error", err)
			return
		}
		defer zr.Close()
		body, err = io.ReadAll(io.LimitReader(zr, maxCapture))
		if err != nil {
			c.logger.Debug("cannot decompress response", "provider", ex.Name(), "error", err)
			return
		}
	}

	var u *provider.Usage
	var err error
	if strings.HasPrefix(header.Get("Content-Type"), "text/event-stream") {
		u, err = ex.ExtractStream(req, bytes.NewReader(body))
	} else {
		u, err = ex.Extract(req, body)
	}
	if err != nil {
		c.logger.Debug("no usage in response", "provider", ex.Name(), "path", req.URL.Path, "error", err)
		return
	}

	c.Track(req.Context(), Usage{
		Provider:         u.Provider,
		Model:            u.Model,
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		Status:           StatusSuccess,
		Latency:          latency,
	})
}
