package main

import (
	"crypto/subtle"
	"html/template"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/formguard/internal/common"
	"github.com/noah-isme/formguard/internal/config"
	"github.com/noah-isme/formguard/internal/guard"
	"github.com/noah-isme/formguard/internal/health"
	"github.com/noah-isme/formguard/internal/obs"
	"github.com/noah-isme/formguard/internal/ratelimit"
	"github.com/noah-isme/formguard/internal/security"
)

type serverDeps struct {
	cfg         *config.Config
	guard       *guard.Shared
	logger      zerolog.Logger
	httpMetrics *obs.HTTPMetrics
	metrics     http.Handler
	tracing     bool
	throttle    ratelimit.Limiter
	checkers    []health.Checker
}

var pages = template.Must(template.New("pages").Parse(`
{{define "index"}}<!doctype html>
<html><head><title>Transfer</title></head>
<body>
<h1>Transfer funds</h1>
<form method="post" action="/transfer">
{{if .Manual}}{{.Field}}{{end}}<label>To <input name="to"></label>
<label>Amount <input name="amount"></label>
<button type="submit">Send</button>
</form>
</body></html>
{{end}}
{{define "done"}}<!doctype html>
<html><body><p>Sent {{.Amount}} to {{.To}}.</p><a href="/">Back</a></body></html>
{{end}}
{{define "violation"}}<!doctype html>
<html><body><h1>Request blocked</h1>
<p>The form you submitted to {{.}} was missing a valid security token. Reload the page and try again.</p>
<a href="/">Start over</a></body></html>
{{end}}`))

type transferForm struct {
	To     string `validate:"required,alphanum,max=64"`
	Amount int64  `validate:"gt=0"`
}

type app struct {
	guard    *guard.Shared
	logger   zerolog.Logger
	validate *validator.Validate
}

func newServer(deps serverDeps) (http.Handler, error) {
	cfg := deps.cfg
	a := &app{
		guard:    deps.guard,
		logger:   deps.logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if deps.tracing {
		r.Use(obs.TracingMiddleware)
	}
	if deps.httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: deps.httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: deps.logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(security.Headers{
		Enable:                cfg.Security.HeadersEnabled,
		EnableHSTS:            cfg.Security.HSTSEnabled,
		HSTSMaxAge:            cfg.Security.HSTSMaxAge,
		HSTSIncludeSubdomains: cfg.Security.HSTSIncludeSubdomains,
	}.Middleware)
	// The guard rewrites rejected requests, so it has to run before chi
	// resolves the route.
	r.Use(deps.guard.Middleware)
	if deps.throttle != nil && cfg.Throttle.Limit > 0 {
		r.Use(ratelimit.Handler{
			Limiter: deps.throttle,
			Config: ratelimit.Config{
				Key:    rejectedClientKey,
				Window: cfg.Throttle.Window,
				Max:    cfg.Throttle.Limit,
			},
			OnError: func(err error) {
				deps.logger.Warn().Err(err).Msg("csrf_throttle_unavailable")
			},
			OnLimited: func(key string) {
				deps.logger.Warn().Str("key", key).Msg("csrf_throttled")
			},
		}.Middleware)
	}

	if cfg.Obs.MetricsEnabled {
		metrics := deps.metrics
		if metrics == nil {
			metrics = promhttp.Handler()
		}
		r.Handle(cfg.Obs.MetricsPath, metrics)
	}
	if cfg.Obs.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPass))
	}

	healthHandler := health.Handler{
		Checkers: append([]health.Checker{deps.guard}, deps.checkers...),
		Timeout:  cfg.ReadyTimeout,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Get("/", a.index)
	r.Post("/transfer", a.transfer)
	r.Get("/csrf-violation", a.violation)
	r.Method(http.MethodGet, "/csrf-token", guard.TokenHandler())

	return r, nil
}

func (a *app) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Manual bool
		Field  template.HTML
	}{
		Manual: !a.guard.Config().AutoInsert,
		Field:  guard.TemplateField(r.Context()),
	}
	if err := pages.ExecuteTemplate(w, "index", data); err != nil {
		a.logger.Error().Err(err).Msg("render index")
	}
}

func (a *app) transfer(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		common.WriteError(w, common.NewAppError("invalid_form", "form could not be parsed", http.StatusBadRequest, err))
		return
	}
	amount, err := strconv.ParseInt(strings.TrimSpace(r.PostForm.Get("amount")), 10, 64)
	if err != nil {
		common.WriteError(w, common.NewAppError("invalid_amount", "amount must be a whole number", http.StatusUnprocessableEntity, err))
		return
	}
	form := transferForm{To: strings.TrimSpace(r.PostForm.Get("to")), Amount: amount}
	if err := a.validate.Struct(form); err != nil {
		common.WriteError(w, common.NewAppError("invalid_transfer", "transfer failed validation", http.StatusUnprocessableEntity, err).
			WithDetails(validationDetails(err)))
		return
	}

	a.logger.Info().Str("to", form.To).Int64("amount", form.Amount).Msg("transfer_accepted")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pages.ExecuteTemplate(w, "done", form); err != nil {
		a.logger.Error().Err(err).Msg("render transfer")
	}
}

func (a *app) violation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	if err := pages.ExecuteTemplate(w, "violation", r.URL.Query().Get("uri")); err != nil {
		a.logger.Error().Err(err).Msg("render violation")
	}
}

// rejectedClientKey counts only requests that failed verification, so
// honest clients never spend the budget.
func rejectedClientKey(r *http.Request) string {
	d, ok := guard.DecisionFromContext(r.Context())
	if !ok || d.Passed() {
		return ""
	}
	return "csrf:" + ratelimit.ClientIP(r)
}

func validationDetails(err error) map[string]string {
	out := map[string]string{}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return out
	}
	for _, fe := range verrs {
		out[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return out
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

// newPprofMux registers full paths since chi.Mount leaves URL.Path intact.
func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
