package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/formguard/internal/guard"
	"github.com/noah-isme/formguard/internal/reroute"
	"github.com/noah-isme/formguard/internal/security"
	"github.com/noah-isme/formguard/internal/tokens"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string `validate:"required"`
	Port               string `validate:"required"`
	CORSAllowedOrigins []string

	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration `validate:"gt=0"`

	CSRF     CSRFConfig
	Throttle ThrottleConfig
	Obs      ObsConfig
	Security SecurityConfig
}

// ThrottleConfig limits how many rejected submissions one client may make
// per window. A zero Limit disables throttling. With RedisURL set the budget
// is shared across replicas.
type ThrottleConfig struct {
	Limit    int           `validate:"gte=0"`
	Window   time.Duration `validate:"gt=0"`
	RedisURL string
}

// SecurityConfig controls response hardening headers.
type SecurityConfig struct {
	HeadersEnabled        bool
	HSTSEnabled           bool
	HSTSMaxAge            int `validate:"gte=0"`
	HSTSIncludeSubdomains bool
}

// CSRFConfig mirrors guard.Config in its environment form.
type CSRFConfig struct {
	DefaultTarget         string                  `validate:"required,startswith=/"`
	DefaultMethod         string                  `validate:"required,httpmethod"`
	Exceptions            []guard.ExceptionConfig `validate:"dive"`
	RulesFile             string
	SecretKey             string
	TokenTTL              time.Duration `validate:"gt=0"`
	AutoInsert            bool
	AutoInsertDisablePref []string
	MaxChunkSize          int64 `validate:"gt=0"`
	PeekSize              int   `validate:"gt=0,lte=65536"`
	CookieDomain          string
	CookieSecure          bool
	CookieSameSite        http.SameSite
}

// ObsConfig controls logging, metrics and tracing.
type ObsConfig struct {
	LogFormat        string `validate:"omitempty,oneof=json console text"`
	LogLevel         string
	MetricsEnabled   bool
	MetricsPath      string
	MetricsNamespace string
	MetricsBuckets   string
	TracingEnabled   bool
	TracingExporter  string `validate:"omitempty,oneof=otlp none"`
	TracingEndpoint  string
	TracingSampling  float64 `validate:"gte=0,lte=1"`
	ServiceName      string
	PprofEnabled     bool
	PprofUser        string
	PprofPass        string
}

var validate = newValidator()

// newValidator registers "httpmethod", which accepts exactly the methods
// the reroute rules accept.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("httpmethod", func(fl validator.FieldLevel) bool {
		_, err := reroute.NormalizeMethod(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		ReadyTimeout:       time.Duration(parseInt(k.String("HEALTH_READY_TIMEOUT_MS"), 500)) * time.Millisecond,
		ShutdownTimeout:    parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
		CSRF: CSRFConfig{
			DefaultTarget:         valueOrDefault(k.String("CSRF_DEFAULT_TARGET"), guard.DefaultTarget),
			DefaultMethod:         strings.ToUpper(valueOrDefault(k.String("CSRF_DEFAULT_METHOD"), http.MethodGet)),
			RulesFile:             strings.TrimSpace(k.String("CSRF_RULES_FILE")),
			SecretKey:             strings.TrimSpace(k.String("CSRF_SECRET_KEY")),
			TokenTTL:              parseDuration(k.String("CSRF_TOKEN_TTL"), tokens.DefaultTTL.String()),
			AutoInsert:            parseBoolDefault(k.String("CSRF_AUTO_INSERT"), true),
			AutoInsertDisablePref: splitAndTrim(k.String("CSRF_AUTO_INSERT_DISABLE_PREFIX")),
			MaxChunkSize:          parseInt(k.String("CSRF_AUTO_INSERT_MAX_CHUNK_SIZE"), guard.DefaultMaxChunkSize),
			PeekSize:              int(parseInt(k.String("CSRF_PEEK_SIZE"), security.DefaultPeekSize)),
			CookieDomain:          strings.TrimSpace(k.String("COOKIE_DOMAIN")),
			CookieSecure:          parseBool(k.String("COOKIE_SECURE")),
			CookieSameSite:        parseSameSite(k.String("COOKIE_SAMESITE")),
		},
		Throttle: ThrottleConfig{
			Limit:    int(parseInt(k.String("CSRF_REJECT_LIMIT"), 20)),
			Window:   parseDuration(k.String("CSRF_REJECT_WINDOW"), "1m"),
			RedisURL: strings.TrimSpace(k.String("REDIS_URL")),
		},
		Obs: ObsConfig{
			LogFormat:        strings.ToLower(valueOrDefault(k.String("OBS_LOG_FORMAT"), "json")),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsEnabled:   parseBoolDefault(k.String("OBS_METRICS_ENABLED"), true),
			MetricsPath:      valueOrDefault(k.String("OBS_METRICS_PATH"), "/metrics"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "formguard"),
			MetricsBuckets:   k.String("OBS_METRICS_BUCKETS_MS"),
			TracingEnabled:   parseBool(k.String("OBS_TRACING_ENABLED")),
			TracingExporter:  strings.ToLower(valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp")),
			TracingEndpoint:  k.String("OBS_TRACING_ENDPOINT"),
			TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING"), 1),
			ServiceName:      valueOrDefault(k.String("OBS_SERVICE_NAME"), "formguard"),
			PprofEnabled:     parseBool(k.String("OBS_ENABLE_PPROF")),
			PprofUser:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
			PprofPass:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
		},
		Security: SecurityConfig{
			HeadersEnabled:        parseBoolDefault(k.String("SECURE_HEADERS_ENABLED"), true),
			HSTSEnabled:           parseBool(k.String("SECURE_HSTS_ENABLED")),
			HSTSMaxAge:            int(parseInt(k.String("SECURE_HSTS_MAX_AGE"), 31536000)),
			HSTSIncludeSubdomains: parseBool(k.String("SECURE_HSTS_INCLUDE_SUBDOMAINS")),
		},
	}

	if cfg.CSRF.CookieSameSite == http.SameSiteDefaultMode {
		cfg.CSRF.CookieSameSite = http.SameSiteLaxMode
	}

	exceptions, err := ParseExceptions(k.String("CSRF_EXCEPTIONS"))
	if err != nil {
		return nil, err
	}
	cfg.CSRF.Exceptions = exceptions

	if cfg.CSRF.RulesFile != "" {
		if err := applyRulesFile(&cfg.CSRF, cfg.CSRF.RulesFile); err != nil {
			return nil, err
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Guard converts the CSRF section into the guard configuration.
func (c *Config) Guard() guard.Config {
	g := guard.DefaultConfig()
	g.DefaultTarget = c.CSRF.DefaultTarget
	g.DefaultMethod = c.CSRF.DefaultMethod
	g.Exceptions = append([]guard.ExceptionConfig(nil), c.CSRF.Exceptions...)
	g.SecretEnv = c.CSRF.SecretKey
	g.TokenTTL = c.CSRF.TokenTTL
	g.AutoInsert = c.CSRF.AutoInsert
	g.AutoInsertDisablePrefixes = append([]string(nil), c.CSRF.AutoInsertDisablePref...)
	g.MaxChunkSize = c.CSRF.MaxChunkSize
	g.PeekSize = c.CSRF.PeekSize
	g.Cookie.Domain = c.CSRF.CookieDomain
	g.Cookie.Secure = c.CSRF.CookieSecure
	g.Cookie.SameSite = c.CSRF.CookieSameSite
	return g
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// ParseExceptions parses CSRF_EXCEPTIONS: rules separated by ";", each
// "SOURCE DESTINATION METHOD". Order is preserved.
func ParseExceptions(value string) ([]guard.ExceptionConfig, error) {
	var out []guard.ExceptionConfig
	for i, raw := range strings.Split(value, ";") {
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("CSRF_EXCEPTIONS entry %d: want \"SOURCE DESTINATION METHOD\", got %q", i, strings.TrimSpace(raw))
		}
		out = append(out, guard.ExceptionConfig{
			Source:      fields[0],
			Destination: fields[1],
			Method:      strings.ToUpper(fields[2]),
		})
	}
	return out, nil
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		// bare numbers are seconds
		if secs, convErr := strconv.Atoi(base); convErr == nil {
			return time.Duration(secs) * time.Second
		}
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseSameSite(value string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "lax":
		return http.SameSiteLaxMode
	default:
		return http.SameSiteDefaultMode
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
