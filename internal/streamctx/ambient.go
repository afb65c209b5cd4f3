package streamctx

import "context"

type contextKey struct{}

// NewContext returns a copy of parent carrying sc as the ambient stream
// context. The binding is scoped to the derived context and everything
// below it; siblings and the parent never observe it.
func NewContext(parent context.Context, sc *StreamContext) context.Context {
	return context.WithValue(parent, contextKey{}, sc)
}

// FromContext returns the ambient stream context, or nil when none is
// bound. Callers treat nil as "not inside a streamed run" and skip
// emission.
func FromContext(ctx context.Context) *StreamContext {
	sc, _ := ctx.Value(contextKey{}).(*StreamContext)
	return sc
}
