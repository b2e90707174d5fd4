package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tokenr-co/tokenr-go/config"
	"github.com/tokenr-co/tokenr-go/pkg/tokenr"
)

type trackOptions struct {
	provider         string
	model            string
	inputTokens      int
	outputTokens     int
	cacheReadTokens  int
	cacheWriteTokens int
	cost             float64
	agentID          string
	feature          string
	teamID           string
	status           string
	latency          time.Duration
	tags             map[string]string
	flushTimeout     time.Duration
	strict           bool
}

func newTrackCommand(root *rootOptions) *cobra.Command {
	opts := &trackOptions{}

	cmd := &cobra.Command{
		Use:   "track",
		Short: "Record one LLM call's token usage",
		Long: `Sends a single usage event, for calls made outside an instrumented
HTTP client (batch jobs, other languages, replayed logs).

Examples:
  # Record a completion
  tokenr track --provider openai --model gpt-4o --input-tokens 1200 --output-tokens 300

  # Attribute it to an agent and feature, with tags
  tokenr track --provider anthropic --model claude-3-5-sonnet \
    --input-tokens 800 --output-tokens 150 \
    --agent-id support-bot --feature ticket-summary --tag env=prod --tag region=eu

  # Fail the shell step if the event could not be delivered
  tokenr track --provider google --model gemini-1.5-flash --input-tokens 10 --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrack(cmd, root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.provider, "provider", "", "provider slug (openai, anthropic, google, ...)")
	f.StringVar(&opts.model, "model", "", "model name")
	f.IntVar(&opts.inputTokens, "input-tokens", 0, "input (prompt) tokens")
	f.IntVar(&opts.outputTokens, "output-tokens", 0, "output (completion) tokens")
	f.IntVar(&opts.cacheReadTokens, "cache-read-tokens", 0, "tokens served from the prompt cache")
	f.IntVar(&opts.cacheWriteTokens, "cache-write-tokens", 0, "tokens written to the prompt cache")
	f.Float64Var(&opts.cost, "cost", 0, "cost in USD (estimated when omitted)")
	f.StringVar(&opts.agentID, "agent-id", "", "agent id (default $TOKENR_AGENT_ID)")
	f.StringVar(&opts.feature, "feature", "", "feature name")
	f.StringVar(&opts.teamID, "team-id", "", "team id")
	f.StringVar(&opts.status, "status", string(tokenr.StatusSuccess), "call outcome: success or error")
	f.DurationVar(&opts.latency, "latency", 0, "call latency, e.g. 850ms")
	f.StringToStringVar(&opts.tags, "tag", nil, "tag as key=value, repeatable")
	f.DurationVar(&opts.flushTimeout, "flush-timeout", 5*time.Second, "how long to wait for delivery")
	f.BoolVar(&opts.strict, "strict", false, "exit non-zero when the event was not delivered")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func runTrack(cmd *cobra.Command, root *rootOptions, opts *trackOptions) error {
	if opts.inputTokens < 0 || opts.outputTokens < 0 || opts.cacheReadTokens < 0 || opts.cacheWriteTokens < 0 {
		return errors.New("token counts must be non-negative")
	}
	status := tokenr.Status(opts.status)
	if status != tokenr.StatusSuccess && status != tokenr.StatusError {
		return fmt.Errorf("invalid --status %q: want success or error", opts.status)
	}

	// .env is applied here; the client reads the resulting environment itself.
	if _, err := config.Load(); err != nil && root.debug {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	client := tokenr.New(root.clientOptions(cmd)...)
	if !client.Enabled() {
		return errors.New("tracking is off: set TOKENR_TOKEN or pass --token, and check TOKENR_ENABLED")
	}

	client.Track(cmd.Context(), tokenr.Usage{
		Provider:         opts.provider,
		Model:            opts.model,
		InputTokens:      opts.inputTokens,
		OutputTokens:     opts.outputTokens,
		CacheReadTokens:  opts.cacheReadTokens,
		CacheWriteTokens: opts.cacheWriteTokens,
		CostUSD:          opts.cost,
		AgentID:          opts.agentID,
		FeatureName:      opts.feature,
		TeamID:           opts.teamID,
		Status:           status,
		Latency:          opts.latency,
		Tags:             opts.tags,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.flushTimeout)
	defer cancel()
	shutdownErr := client.Shutdown(ctx)

	stats := client.Stats()
	if stats.Delivered == 1 {
		fmt.Fprintf(cmd.OutOrStdout(), "tracked %s/%s: %d input, %d output tokens\n",
			opts.provider, opts.model, opts.inputTokens, opts.outputTokens)
		return nil
	}

	reason := "delivery failed"
	if shutdownErr != nil {
		reason = shutdownErr.Error()
	}
	if opts.strict {
		return fmt.Errorf("event was not delivered: %s", reason)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "warning: event was not delivered (%s); rerun with --debug for details\n", reason)
	return nil
}
