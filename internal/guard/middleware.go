package guard

import (
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/formguard/internal/obs"
)

// Middleware enforces CSRF verification on r and injects tokens into HTML
// responses. Rejected requests are rewritten in place to the reroute target
// before next sees them, so it must run before routing.
func (s *Shared) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &httpRequest{r: r}
		d := s.OnRequest(req)
		if req.err != nil {
			s.log.Debug().Err(req.err).Str("uri", req.URI()).Msg("csrf_body_peek_failed")
		}

		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(attribute.String("csrf.state", d.State.String()))
		notes := obs.AnnotationsFromContext(r.Context())
		if notes != nil {
			notes.CSRFState = d.State.String()
		}

		if d.Reroute != nil {
			if notes != nil {
				notes.CSRFReason = string(d.Reason)
				notes.OriginalMethod = r.Method
				notes.OriginalURI = r.URL.RequestURI()
				notes.Method = d.Reroute.Method
			}
			if err := rewrite(r, d.Reroute.Method, d.Reroute.URI); err != nil {
				s.log.Error().Err(err).Str("reroute_uri", d.Reroute.URI).Msg("csrf_reroute_invalid")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			span.SetAttributes(
				attribute.String("csrf.reason", string(d.Reason)),
				attribute.String("csrf.reroute", d.Reroute.Kind.String()),
			)
		}

		if c := s.Cookie(d); c != nil {
			http.SetCookie(w, c)
		}

		rw := newResponseWriter(w, s, r, d.Token)
		next.ServeHTTP(rw, r.WithContext(withDecision(r.Context(), d)))
		rw.finish()
	})
}

// rewrite points r at target. The request is mutated rather than copied so
// outer middleware observes the effective method and path.
func rewrite(r *http.Request, method, target string) error {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return err
	}
	r.Method = method
	r.URL.Path = u.Path
	r.URL.RawPath = u.RawPath
	r.URL.RawQuery = u.RawQuery
	r.RequestURI = u.RequestURI()
	return nil
}
