package guard

import (
	"context"
	"html/template"
	"net/http"

	"github.com/noah-isme/formguard/internal/common"
	"github.com/noah-isme/formguard/internal/inject"
	"github.com/noah-isme/formguard/internal/security"
	"github.com/noah-isme/formguard/internal/tokens"
)

type tokenKey struct{}

type decisionKey struct{}

func withDecision(ctx context.Context, d RequestDecision) context.Context {
	ctx = context.WithValue(ctx, decisionKey{}, d.Decision)
	if d.Token != "" {
		ctx = context.WithValue(ctx, tokenKey{}, d.Token)
	}
	return ctx
}

// TokenFromContext returns the token issued for this request.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	tok, ok := ctx.Value(tokenKey{}).(string)
	return tok, ok && tok != ""
}

// DecisionFromContext returns the token decision made for this request.
func DecisionFromContext(ctx context.Context) (security.Decision, bool) {
	if ctx == nil {
		return security.Decision{}, false
	}
	d, ok := ctx.Value(decisionKey{}).(security.Decision)
	return d, ok
}

// TemplateField renders the hidden token field for templates served with
// auto-insert disabled.
func TemplateField(ctx context.Context) template.HTML {
	tok, ok := TokenFromContext(ctx)
	if !ok {
		return ""
	}
	return template.HTML(inject.HiddenField(tok)) // #nosec G203 -- token is base64url
}

// TokenHandler responds with the current token as JSON, for clients that
// build requests from script.
func TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := TokenFromContext(r.Context())
		if !ok {
			common.JSONError(w, http.StatusServiceUnavailable, "CSRF_UNAVAILABLE", "no csrf token issued", nil)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		common.JSON(w, http.StatusOK, map[string]string{
			"field": tokens.FormField,
			"token": tok,
		})
	})
}
