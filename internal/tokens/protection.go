// Package tokens issues and verifies CSRF token/cookie pairs.
//
// A pair is produced together and only ever verifies against itself: the
// token travels in a hidden form field, the cookie in the browser's cookie
// jar, and a forged request from another origin can carry at most one of
// them.
package tokens

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

const (
	// FormField is the form field a token travels in.
	FormField = "csrf-token"
	// CookieName is the cookie the paired value travels in.
	CookieName = "csrf"
	// SecretSize is the length of the master secret in bytes.
	SecretSize = 32
	// DefaultTTL is how long an issued pair stays valid.
	DefaultTTL = time.Hour
)

var (
	// ErrMalformed reports a token or cookie that could not be decoded or decrypted.
	ErrMalformed = errors.New("malformed csrf value")
	// ErrInvalidSecret reports a secret that is not 32 bytes of base64.
	ErrInvalidSecret = errors.New("invalid csrf secret")
)

// Protection is the crypto collaborator used by the decision procedure and
// the orchestrator. Implementations must be safe for concurrent use.
type Protection interface {
	Issue() (Token, Cookie, error)
	// Renew issues a pair that still verifies against tokens paired with c.
	Renew(c Cookie) (Token, Cookie, error)
	ParseCookie(raw []byte) (Cookie, error)
	ParseToken(raw []byte) (Token, error)
	VerifyPair(t Token, c Cookie) bool
}

type value struct {
	sealed  []byte
	random  [randomSize]byte
	expires time.Time
}

// Token is the half of a pair embedded in pages.
type Token struct{ value }

// Cookie is the half of a pair stored in the client's cookie jar.
type Cookie struct{ value }

// Bytes returns the sealed wire form.
func (t Token) Bytes() []byte { return t.sealed }

// Expires reports when the token stops verifying.
func (t Token) Expires() time.Time { return t.expires }

// Bytes returns the sealed wire form.
func (c Cookie) Bytes() []byte { return c.sealed }

// Expires reports when the cookie stops verifying.
func (c Cookie) Expires() time.Time { return c.expires }

// EncodeToken renders a token for the form field (base64url, no padding).
func EncodeToken(t Token) string {
	return base64.RawURLEncoding.EncodeToString(t.sealed)
}

// DecodeToken reverses EncodeToken.
func DecodeToken(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: token encoding: %v", ErrMalformed, err)
	}
	return b, nil
}

// EncodeCookie renders a cookie value (standard base64).
func EncodeCookie(c Cookie) string {
	return base64.StdEncoding.EncodeToString(c.sealed)
}

// DecodeCookie reverses EncodeCookie.
func DecodeCookie(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: cookie encoding: %v", ErrMalformed, err)
	}
	return b, nil
}
