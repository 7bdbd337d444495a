package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	randomSize  = 32
	payloadSize = 8 + randomSize
	sealedSize  = chacha20poly1305.NonceSizeX + payloadSize + chacha20poly1305.Overhead

	tokenInfo  = "formguard_csrf_v1_token_key"
	cookieInfo = "formguard_csrf_v1_cookie_key"
)

// Sealer implements Protection with XChaCha20-Poly1305. Tokens and cookies
// are sealed under distinct HKDF-derived keys, so a cookie never parses as
// a token or the other way round.
type Sealer struct {
	tokenKey  [SecretSize]byte
	cookieKey [SecretSize]byte
	ttl       time.Duration
	now       func() time.Time
	rand      io.Reader
}

// SealerOption customises a Sealer.
type SealerOption func(*Sealer)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) SealerOption {
	return func(s *Sealer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom overrides the entropy source.
func WithRandom(r io.Reader) SealerOption {
	return func(s *Sealer) {
		if r != nil {
			s.rand = r
		}
	}
}

// NewSealer derives the token and cookie keys from secret.
func NewSealer(secret []byte, ttl time.Duration, opts ...SealerOption) (*Sealer, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidSecret, SecretSize, len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Sealer{ttl: ttl, now: time.Now, rand: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	if err := deriveKey(secret, tokenInfo, &s.tokenKey); err != nil {
		return nil, err
	}
	if err := deriveKey(secret, cookieInfo, &s.cookieKey); err != nil {
		return nil, err
	}
	return s, nil
}

func deriveKey(secret []byte, info string, out *[SecretSize]byte) error {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return fmt.Errorf("derive %s: %w", info, err)
	}
	return nil
}

// TTL returns the validity window of issued pairs.
func (s *Sealer) TTL() time.Duration { return s.ttl }

// Issue creates a fresh pair sharing one random value and one expiry.
func (s *Sealer) Issue() (Token, Cookie, error) {
	var random [randomSize]byte
	if _, err := io.ReadFull(s.rand, random[:]); err != nil {
		return Token{}, Cookie{}, fmt.Errorf("read random: %w", err)
	}
	return s.sealPair(random)
}

// Renew re-seals a pair around the random value of c with a new expiry, so
// tokens already handed out with c keep verifying. An empty or expired c
// gets a fresh pair from Issue.
func (s *Sealer) Renew(c Cookie) (Token, Cookie, error) {
	if len(c.sealed) == 0 || !s.now().Before(c.expires) {
		return s.Issue()
	}
	return s.sealPair(c.random)
}

func (s *Sealer) sealPair(random [randomSize]byte) (Token, Cookie, error) {
	expires := s.now().Add(s.ttl).Truncate(time.Second)

	var payload [payloadSize]byte
	binary.BigEndian.PutUint64(payload[:8], uint64(expires.Unix()))
	copy(payload[8:], random[:])

	tok, err := s.seal(&s.tokenKey, payload[:])
	if err != nil {
		return Token{}, Cookie{}, err
	}
	ck, err := s.seal(&s.cookieKey, payload[:])
	if err != nil {
		return Token{}, Cookie{}, err
	}
	return Token{value{sealed: tok, random: random, expires: expires}},
		Cookie{value{sealed: ck, random: random, expires: expires}},
		nil
}

// ParseToken decrypts a sealed token.
func (s *Sealer) ParseToken(raw []byte) (Token, error) {
	v, err := s.open(&s.tokenKey, raw)
	if err != nil {
		return Token{}, err
	}
	return Token{v}, nil
}

// ParseCookie decrypts a sealed cookie.
func (s *Sealer) ParseCookie(raw []byte) (Cookie, error) {
	v, err := s.open(&s.cookieKey, raw)
	if err != nil {
		return Cookie{}, err
	}
	return Cookie{v}, nil
}

// VerifyPair reports whether t and c were issued together and neither has
// expired.
func (s *Sealer) VerifyPair(t Token, c Cookie) bool {
	now := s.now()
	if len(t.sealed) == 0 || len(c.sealed) == 0 {
		return false
	}
	if !now.Before(t.expires) || !now.Before(c.expires) {
		return false
	}
	return subtle.ConstantTimeCompare(t.random[:], c.random[:]) == 1
}

func (s *Sealer) seal(key *[SecretSize]byte, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, sealedSize)
	if _, err := io.ReadFull(s.rand, out); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(out, out, payload, nil), nil
}

func (s *Sealer) open(key *[SecretSize]byte, raw []byte) (value, error) {
	if len(raw) != sealedSize {
		return value{}, fmt.Errorf("%w: unexpected length %d", ErrMalformed, len(raw))
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return value{}, fmt.Errorf("init aead: %w", err)
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	payload, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return value{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	v := value{
		sealed:  append([]byte(nil), raw...),
		expires: time.Unix(int64(binary.BigEndian.Uint64(payload[:8])), 0),
	}
	copy(v.random[:], payload[8:])
	return v, nil
}

var _ Protection = (*Sealer)(nil)
