package tokenr

import (
	"context"
	"maps"
)

// Attribution labels the events produced under a context.
type Attribution struct {
	AgentID     string
	FeatureName string
	TeamID      string
	Tags        map[string]string
}

type contextKey string

const attributionKey contextKey = "tokenr_attribution"

// WithAttribution layers a on top of any attribution already in ctx: set
// fields win, tags merge.
func WithAttribution(ctx context.Context, a Attribution) context.Context {
	cur := AttributionFrom(ctx)
	if a.AgentID != "" {
		cur.AgentID = a.AgentID
	}
	if a.FeatureName != "" {
		cur.FeatureName = a.FeatureName
	}
	if a.TeamID != "" {
		cur.TeamID = a.TeamID
	}
	cur.Tags = mergeTags(cur.Tags, a.Tags)
	return context.WithValue(ctx, attributionKey, cur)
}

func WithAgent(ctx context.Context, agentID string) context.Context {
	return WithAttribution(ctx, Attribution{AgentID: agentID})
}

func WithFeature(ctx context.Context, feature string) context.Context {
	return WithAttribution(ctx, Attribution{FeatureName: feature})
}

func WithTeam(ctx context.Context, teamID string) context.Context {
	return WithAttribution(ctx, Attribution{TeamID: teamID})
}

func WithRequestTags(ctx context.Context, tags map[string]string) context.Context {
	return WithAttribution(ctx, Attribution{Tags: tags})
}

// AttributionFrom returns a copy of the attribution carried by ctx.
func AttributionFrom(ctx context.Context) Attribution {
	if ctx == nil {
		return Attribution{}
	}
	if a, ok := ctx.Value(attributionKey).(Attribution); ok {
		a.Tags = maps.Clone(a.Tags)
		return a
	}
	return Attribution{}
}

// mergeTags overlays later maps on earlier ones. It returns nil when every
// input is empty.
func mergeTags(layers ...map[string]string) map[string]string {
	var out map[string]string
	for _, l := range layers {
		if len(l) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(l))
		}
		maps.Copy(out, l)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
