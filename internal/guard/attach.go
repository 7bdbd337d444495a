// Package guard wires CSRF verification and form token injection into the
// request/response lifecycle.
//
// Attach builds an immutable Shared handle once at startup. OnRequest and
// OnResponse are host independent; Middleware adapts them to net/http.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/formguard/internal/obs"
	"github.com/noah-isme/formguard/internal/reroute"
	"github.com/noah-isme/formguard/internal/security"
	"github.com/noah-isme/formguard/internal/tokens"
)

// Shared is the read-only state shared by every request. It is safe for
// concurrent use for the lifetime of the process.
type Shared struct {
	cfg        Config
	protection tokens.Protection
	decider    security.Decider
	router     *reroute.Router
	log        zerolog.Logger
	metrics    *obs.CSRFMetrics
}

// Option customises Attach.
type Option func(*options)

type options struct {
	log        zerolog.Logger
	metrics    *obs.CSRFMetrics
	protection tokens.Protection
}

// WithLogger sets the logger used for rejections and stream failures.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records decisions and injections on m.
func WithMetrics(m *obs.CSRFMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithProtection replaces the built-in sealer. The secret settings are then
// ignored.
func WithProtection(p tokens.Protection) Option {
	return func(o *options) { o.protection = p }
}

// Attach validates cfg and builds the shared state. It fails closed: an
// unusable default target or a malformed secret is a *ConfigError.
func Attach(cfg Config, opts ...Option) (*Shared, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()

	rules, err := compileRules(cfg.Exceptions)
	if err != nil {
		return nil, err
	}
	router, err := reroute.NewRouter(cfg.DefaultTarget, cfg.DefaultMethod, rules)
	if err != nil {
		return nil, &ConfigError{Field: "default_target", Err: err}
	}

	protection := o.protection
	if protection == nil {
		secret, err := tokens.ResolveSecret(cfg.Secret, cfg.SecretEnv, o.log)
		if err != nil {
			return nil, &ConfigError{Field: "secret", Err: err}
		}
		sealer, err := tokens.NewSealer(secret, cfg.TokenTTL)
		if err != nil {
			return nil, &ConfigError{Field: "secret", Err: err}
		}
		protection = sealer
	}
	cfg.Secret, cfg.SecretEnv = nil, ""

	prefixes := make([]string, 0, len(cfg.AutoInsertDisablePrefixes))
	for _, p := range cfg.AutoInsertDisablePrefixes {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	cfg.AutoInsertDisablePrefixes = prefixes

	return &Shared{
		cfg:        cfg,
		protection: protection,
		decider:    security.Decider{Protection: protection, PeekSize: cfg.PeekSize},
		router:     router,
		log:        o.log,
		metrics:    o.metrics,
	}, nil
}

// Config returns the effective configuration with the secret removed.
func (s *Shared) Config() Config { return s.cfg }

// ErrSelfTest reports that a freshly issued pair did not verify.
var ErrSelfTest = errors.New("csrf self-test failed")

// SelfTest issues a pair, round-trips it through the wire encodings and
// verifies it.
func (s *Shared) SelfTest() error {
	tok, ck, err := s.protection.Issue()
	if err != nil {
		return fmt.Errorf("%w: issue: %v", ErrSelfTest, err)
	}
	rawTok, err := tokens.DecodeToken(tokens.EncodeToken(tok))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelfTest, err)
	}
	rawCk, err := tokens.DecodeCookie(tokens.EncodeCookie(ck))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelfTest, err)
	}
	parsedTok, err := s.protection.ParseToken(rawTok)
	if err != nil {
		return fmt.Errorf("%w: parse token: %v", ErrSelfTest, err)
	}
	parsedCk, err := s.protection.ParseCookie(rawCk)
	if err != nil {
		return fmt.Errorf("%w: parse cookie: %v", ErrSelfTest, err)
	}
	if !s.protection.VerifyPair(parsedTok, parsedCk) {
		return ErrSelfTest
	}
	return nil
}

// Name identifies the guard in readiness reports.
func (s *Shared) Name() string { return "csrf" }

// Check adapts SelfTest to the readiness probe.
func (s *Shared) Check(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.SelfTest()
}
