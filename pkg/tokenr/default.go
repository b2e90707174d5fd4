package tokenr

import (
	"context"
	"net/http"
	"sync"
)

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Init installs the package-level client used by Track, Transport and
// friends. A previously installed client is shut down in the background.
func Init(opts ...Option) *Client {
	c := New(opts...)

	defaultMu.Lock()
	prev := defaultClient
	defaultClient = c
	defaultMu.Unlock()

	if prev != nil {
		go prev.Shutdown(context.Background())
	}
	return c
}

// Default returns the package-level client, creating one from the
// environment on first use.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		defaultClient = New()
	}
	return defaultClient
}

func Track(ctx context.Context, u Usage) {
	Default().Track(ctx, u)
}

func Configure(opts ...Option) {
	Default().Configure(opts...)
}

func Transport(base http.RoundTripper) http.RoundTripper {
	return Default().Transport(base)
}

func Flush(ctx context.Context) error {
	return Default().Flush(ctx)
}

// Shutdown drains and detaches the package-level client. It is a no-op when
// none was created.
func Shutdown(ctx context.Context) error {
	defaultMu.Lock()
	c := defaultClient
	defaultClient = nil
	defaultMu.Unlock()

	if c == nil {
		return nil
	}
	return c.Shutdown(ctx)
}
