package loop

import "context"

type loopKey struct{}

// WithLoop returns a context carrying l.
func WithLoop(ctx context.Context, l *Loop) context.Context {
	return context.WithValue(ctx, loopKey{}, l)
}

// FromContext returns the loop carried by ctx, or nil.
func FromContext(ctx context.Context) *Loop {
	l, _ := ctx.Value(loopKey{}).(*Loop)
	return l
}
