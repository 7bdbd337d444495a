package obs

import "context"

type routePatternKey struct{}

type annotationsKey struct{}

// WithRoutePattern stores the matched router pattern on the context.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext extracts the route pattern from context if present.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(routePatternKey{}).(string); ok {
		return v
	}
	return ""
}

// Annotations is a per-request scratchpad that inner middleware fills in
// and outer middleware reads after the handler returns. Derived contexts
// share the same pointer, so writes made deep in the chain stay visible.
type Annotations struct {
	CSRFState      string
	CSRFReason     string
	OriginalMethod string
	OriginalURI    string
	// Method is the method the request was served with after a rewrite.
	Method string
}

// Rewritten reports whether the request was pointed at another target.
func (a *Annotations) Rewritten() bool {
	return a != nil && a.OriginalURI != ""
}

// ServedMethod returns the effective method, which outer copies of a
// rewritten request no longer carry.
func (a *Annotations) ServedMethod(fallback string) string {
	if a.Rewritten() && a.Method != "" {
		return a.Method
	}
	return fallback
}

// WithAnnotations attaches a fresh Annotations to ctx unless one is present.
func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	if a := AnnotationsFromContext(ctx); a != nil {
		return ctx, a
	}
	a := &Annotations{}
	return context.WithValue(ctx, annotationsKey{}, a), a
}

// AnnotationsFromContext returns the request annotations or nil.
func AnnotationsFromContext(ctx context.Context) *Annotations {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(annotationsKey{}).(*Annotations)
	return a
}
