package security

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"

	"github.com/noah-isme/formguard/internal/tokens"
)

// DefaultPeekSize is how much of a request body is inspected for the token.
const DefaultPeekSize = 1024

// State is the outcome of the token decision for one request.
type State int

const (
	// Safe means the method cannot mutate state; nothing was verified.
	Safe State = iota
	// AwaitingCookie means the cookie has not been examined yet.
	AwaitingCookie
	// AwaitingToken means the cookie parsed and the token is being examined.
	AwaitingToken
	// Verified means a cookie and token parsed and paired.
	Verified
	// Rejected means verification failed for any reason.
	Rejected
)

func (s State) String() string {
	switch s {
	case Safe:
		return "safe"
	case AwaitingCookie:
		return "awaiting_cookie"
	case AwaitingToken:
		return "awaiting_token"
	case Verified:
		return "verified"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reason explains a Rejected decision. It is for logs and metrics only and
// never reaches the client.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonMissingCookie Reason = "missing_cookie"
	ReasonInvalidCookie Reason = "invalid_cookie"
	ReasonMissingToken  Reason = "missing_token"
	ReasonInvalidToken  Reason = "invalid_token"
	ReasonMismatch      Reason = "mismatch"
)

// RequestView is the part of an incoming request the decision needs.
type RequestView interface {
	Method() string
	CookieValue(name string) (string, bool)
	// PeekBody returns up to n leading body bytes without consuming them.
	PeekBody(n int) []byte
}

// Decision is the result of Decider.Decide.
type Decision struct {
	State  State
	Reason Reason
}

// Passed reports whether the request may continue to its original target.
func (d Decision) Passed() bool {
	return d.State == Safe || d.State == Verified
}

var safeMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
	http.MethodConnect: {},
}

// IsSafeMethod reports whether method is exempt from verification.
func IsSafeMethod(method string) bool {
	_, ok := safeMethods[strings.ToUpper(method)]
	return ok
}

// Decider runs the token decision procedure against a Protection.
type Decider struct {
	Protection tokens.Protection
	PeekSize   int
}

// Decide classifies the request. Only a bounded prefix of the body is
// looked at, so large or streamed bodies never have to be read in full.
func (d Decider) Decide(r RequestView) Decision {
	if IsSafeMethod(r.Method()) {
		return Decision{State: Safe}
	}

	// AwaitingCookie
	raw, ok := r.CookieValue(tokens.CookieName)
	if !ok || strings.TrimSpace(raw) == "" {
		return Decision{State: Rejected, Reason: ReasonMissingCookie}
	}
	sealed, err := tokens.DecodeCookie(raw)
	if err != nil {
		return Decision{State: Rejected, Reason: ReasonInvalidCookie}
	}
	cookie, err := d.Protection.ParseCookie(sealed)
	if err != nil {
		return Decision{State: Rejected, Reason: ReasonInvalidCookie}
	}

	// AwaitingToken
	peekSize := d.PeekSize
	if peekSize <= 0 {
		peekSize = DefaultPeekSize
	}
	candidates := formValues(r.PeekBody(peekSize), tokens.FormField)
	if len(candidates) == 0 {
		return Decision{State: Rejected, Reason: ReasonMissingToken}
	}
	var (
		token  tokens.Token
		parsed bool
	)
	for _, c := range candidates {
		b, err := tokens.DecodeToken(c)
		if err != nil {
			continue
		}
		if token, err = d.Protection.ParseToken(b); err == nil {
			parsed = true
			break
		}
	}
	if !parsed {
		return Decision{State: Rejected, Reason: ReasonInvalidToken}
	}

	if d.Protection.VerifyPair(token, cookie) {
		return Decision{State: Verified}
	}
	return Decision{State: Rejected, Reason: ReasonMismatch}
}

// formValues returns every value of field in a form-urlencoded prefix, in
// order. The prefix may end mid-pair; undecodable pairs are skipped.
func formValues(body []byte, field string) []string {
	var out []string
	for len(body) > 0 {
		var pair []byte
		if i := bytes.IndexByte(body, '&'); i >= 0 {
			pair, body = body[:i], body[i+1:]
		} else {
			pair, body = body, nil
		}
		k, v, _ := bytes.Cut(pair, []byte("="))
		key, err := url.QueryUnescape(string(k))
		if err != nil || key != field {
			continue
		}
		val, err := url.QueryUnescape(string(v))
		if err != nil || val == "" {
			continue
		}
		out = append(out, val)
	}
	return out
}
