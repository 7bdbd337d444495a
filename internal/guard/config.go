package guard

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/formguard/internal/reroute"
	"github.com/noah-isme/formguard/internal/security"
	"github.com/noah-isme/formguard/internal/tokens"
)

const (
	// DefaultTarget is where rejected requests go when no exception matches.
	DefaultTarget = "/"
	// DefaultMaxChunkSize is the largest declared body that is injected in one pass.
	DefaultMaxChunkSize = 16 * 1024
)

// ExceptionConfig is one ordered exception rule before compilation.
type ExceptionConfig struct {
	Source      string `yaml:"source" validate:"required"`
	Destination string `yaml:"destination" validate:"required"`
	Method      string `yaml:"method" validate:"required,httpmethod"`
}

// CookieConfig controls the attributes of the csrf cookie.
type CookieConfig struct {
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// Config is everything Attach needs. Exceptions are evaluated in order.
type Config struct {
	DefaultTarget string
	DefaultMethod string
	Exceptions    []ExceptionConfig

	// Secret takes precedence over SecretEnv, the base64 form read from
	// CSRF_SECRET_KEY. With neither set a random secret is generated.
	Secret    []byte
	SecretEnv string
	TokenTTL  time.Duration

	AutoInsert                bool
	AutoInsertDisablePrefixes []string
	MaxChunkSize              int64
	PeekSize                  int

	Cookie CookieConfig
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		DefaultTarget: DefaultTarget,
		DefaultMethod: http.MethodGet,
		TokenTTL:      tokens.DefaultTTL,
		AutoInsert:    true,
		MaxChunkSize:  DefaultMaxChunkSize,
		PeekSize:      security.DefaultPeekSize,
		Cookie: CookieConfig{
			Path:     "/",
			SameSite: http.SameSiteLaxMode,
		},
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.DefaultTarget) == "" {
		c.DefaultTarget = DefaultTarget
	}
	if strings.TrimSpace(c.DefaultMethod) == "" {
		c.DefaultMethod = http.MethodGet
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = tokens.DefaultTTL
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.PeekSize <= 0 {
		c.PeekSize = security.DefaultPeekSize
	}
	if c.Cookie.Path == "" {
		c.Cookie.Path = "/"
	}
	if c.Cookie.SameSite == http.SameSiteDefaultMode {
		c.Cookie.SameSite = http.SameSiteLaxMode
	}
	return c
}

// ConfigError reports a configuration that cannot be served safely.
type ConfigError struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("csrf config %s: %v", e.Field, e.Err)
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func compileRules(exceptions []ExceptionConfig) ([]reroute.Rule, error) {
	rules := make([]reroute.Rule, 0, len(exceptions))
	for i, ex := range exceptions {
		rule, err := reroute.NewRule(ex.Source, ex.Destination, ex.Method)
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("exceptions[%d]", i), Err: err}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
