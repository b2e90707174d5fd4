// Package tokenr reports LLM token usage to a Tokenr accounting endpoint.
//
// Tracking never blocks or fails the call being measured: events are queued
// in memory and shipped by a background worker, and every delivery problem is
// swallowed (and logged when debug is on).
//
// Provider calls are tracked by wrapping the HTTP client handed to a provider
// SDK:
//
//	tokenr.Init(tokenr.WithAgentID("support-bot"))
//	defer tokenr.Shutdown(context.Background())
//
//	httpClient := tokenr.Default().HTTPClient(nil)
//	ctx := tokenr.WithFeature(ctx, "ticket-summary")
//	// pass httpClient to the OpenAI / Anthropic / Gemini SDK and use ctx per call
//
// Usage that does not travel over a recognised HTTP API can be reported with
// Track or Observe.
package tokenr
