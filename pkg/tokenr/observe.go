package tokenr

import (
	"context"
	"time"
)

// Observe runs call and, when it succeeds, tracks the usage extract reads
// off its result. The result and error of call are returned untouched. A nil
// c uses the default client.
//
//	resp, err := tokenr.Observe(ctx, nil, func(ctx context.Context) (*sdk.Response, error) {
//		return llm.Generate(ctx, req)
//	}, func(r *sdk.Response) tokenr.Usage {
//		return tokenr.Usage{Provider: "openai", Model: r.Model, InputTokens: r.Usage.In, OutputTokens: r.Usage.Out}
//	})
func Observe[T any](ctx context.Context, c *Client, call func(context.Context) (T, error), extract func(T) Usage) (T, error) {
	if c == nil {
		c = Default()
	}
	start := time.Now()
	result, err := call(ctx)
	if err != nil || !c.Enabled() {
		return result, err
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Debug("usage extraction panicked", "panic", r)
			}
		}()
		u := extract(result)
		if u.Latency == 0 {
			u.Latency = time.Since(start)
		}
		c.Track(ctx, u)
	}()
	return result, err
}
