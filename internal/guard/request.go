package guard

import (
	"net/http"
	"time"

	"github.com/noah-isme/formguard/internal/reroute"
	"github.com/noah-isme/formguard/internal/security"
	"github.com/noah-isme/formguard/internal/tokens"
)

// RequestView is the host request as seen by OnRequest.
type RequestView interface {
	security.RequestView
	// URI is the request target: path plus optional query.
	URI() string
}

// RequestDecision is the outcome of OnRequest.
type RequestDecision struct {
	security.Decision

	// Reroute is set when the request was rejected.
	Reroute *reroute.Resolution

	// Token and Cookie are the pair issued for the response in wire
	// encoding. Both are empty if issuing failed.
	Token   string
	Cookie  string
	Expires time.Time
}

// OnRequest decides the request and issues the pair the response will
// carry, safe or not. A valid incoming cookie seeds the pair so tokens
// already rendered in other pages keep verifying.
func (s *Shared) OnRequest(r RequestView) RequestDecision {
	d := RequestDecision{Decision: s.decider.Decide(r)}
	s.metrics.ObserveDecision(d.State.String(), string(d.Reason))

	if !d.Passed() {
		res := s.router.Resolve(r.URI(), r.Method())
		d.Reroute = &res
		s.metrics.ObserveReroute(res.Kind.String())
		s.log.Warn().
			Str("state", d.State.String()).
			Str("reason", string(d.Reason)).
			Str("method", r.Method()).
			Str("uri", r.URI()).
			Str("reroute_method", res.Method).
			Str("reroute_uri", res.URI).
			Str("reroute_kind", res.Kind.String()).
			Msg("csrf_rejected")
	}

	tok, ck, err := s.issue(r)
	if err != nil {
		s.log.Error().Err(err).Msg("csrf_issue_failed")
		return d
	}
	d.Token = tokens.EncodeToken(tok)
	d.Cookie = tokens.EncodeCookie(ck)
	d.Expires = ck.Expires()
	return d
}

func (s *Shared) issue(r RequestView) (tokens.Token, tokens.Cookie, error) {
	raw, ok := r.CookieValue(tokens.CookieName)
	if !ok || raw == "" {
		return s.protection.Issue()
	}
	sealed, err := tokens.DecodeCookie(raw)
	if err != nil {
		return s.protection.Issue()
	}
	current, err := s.protection.ParseCookie(sealed)
	if err != nil {
		return s.protection.Issue()
	}
	return s.protection.Renew(current)
}

// Cookie builds the Set-Cookie value for the issued pair.
func (s *Shared) Cookie(d RequestDecision) *http.Cookie {
	if d.Cookie == "" {
		return nil
	}
	c := s.cfg.Cookie
	return &http.Cookie{
		Name:     tokens.CookieName,
		Value:    d.Cookie,
		Path:     c.Path,
		Domain:   c.Domain,
		MaxAge:   int(s.cfg.TokenTTL / time.Second),
		Secure:   c.Secure,
		HttpOnly: true,
		SameSite: c.SameSite,
	}
}

// httpRequest adapts *http.Request to RequestView. The body is peeked
// lazily so safe requests never touch it.
type httpRequest struct {
	r      *http.Request
	peeked bool
	prefix []byte
	err    error
}

func (h *httpRequest) Method() string { return h.r.Method }

func (h *httpRequest) URI() string { return h.r.URL.RequestURI() }

func (h *httpRequest) CookieValue(name string) (string, bool) {
	c, err := h.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

func (h *httpRequest) PeekBody(n int) []byte {
	if !h.peeked {
		h.peeked = true
		h.prefix, h.err = security.PeekBody(h.r, n)
	}
	return h.prefix
}
