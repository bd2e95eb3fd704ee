// Package requestctx carries per-request caller identity through context.
package requestctx

import "context"

type agentContextKey struct{}

type localeContextKey struct{}

// Agent identifies an authenticated support agent.
type Agent struct {
	ID   string
	Name string
}

// WithAgent stores the authenticated agent in context.
func WithAgent(ctx context.Context, agent Agent) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, agentContextKey{}, agent)
}

// AgentFromContext returns the authenticated agent, if any.
func AgentFromContext(ctx context.Context) (Agent, bool) {
	if ctx == nil {
		return Agent{}, false
	}
	agent, ok := ctx.Value(agentContextKey{}).(Agent)
	return agent, ok && agent.ID != ""
}

// WithLocale stores the caller's preferred locale.
func WithLocale(ctx context.Context, locale string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, localeContextKey{}, locale)
}

// LocaleFromContext returns the caller's locale or "".
func LocaleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(localeContextKey{}).(string)
	return value
}
