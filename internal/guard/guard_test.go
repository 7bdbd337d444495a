package guard_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/formguard/internal/guard"
	"github.com/noah-isme/formguard/internal/inject"
	"github.com/noah-isme/formguard/internal/obs"
	"github.com/noah-isme/formguard/internal/reroute"
	"github.com/noah-isme/formguard/internal/security"
	"github.com/noah-isme/formguard/internal/tokens"
)

const formPage = `<html><body><form method="post" action="/transfer"><button>Send</button></form></body></html>`

var tokenValue = regexp.MustCompile(`name="csrf-token" value="([^"]+)"`)

func testConfig() guard.Config {
	cfg := guard.DefaultConfig()
	cfg.Secret = bytes.Repeat([]byte{0x5a}, tokens.SecretSize)
	cfg.DefaultTarget = "/csrf-violation?uri=<uri>"
	cfg.Exceptions = []guard.ExceptionConfig{
		{Source: "/hooks/<provider>", Destination: "/hooks/<provider>/rejected", Method: http.MethodPost},
	}
	cfg.AutoInsertDisablePrefixes = []string{"/raw"}
	return cfg
}

func attach(t *testing.T, cfg guard.Config, opts ...guard.Option) *guard.Shared {
	t.Helper()
	shared, err := guard.Attach(cfg, opts...)
	require.NoError(t, err)
	return shared
}

type seen struct {
	method string
	uri    string
	body   string
	token  string
}

func testApp(shared *guard.Shared, got *seen) http.Handler {
	mux := http.NewServeMux()
	record := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.method, got.uri, got.body = r.Method, r.URL.RequestURI(), string(body)
		got.token, _ = guard.TokenFromContext(r.Context())
	}
	mux.HandleFunc("/form", func(w http.ResponseWriter, r *http.Request) {
		record(w, r)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, formPage)
	})
	mux.HandleFunc("/sized", func(w http.ResponseWriter, r *http.Request) {
		record(w, r)
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", strconv.Itoa(len(formPage)))
		_, _ = io.WriteString(w, formPage)
	})
	mux.HandleFunc("/raw/form", func(w http.ResponseWriter, r *http.Request) {
		record(w, r)
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, formPage)
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		record(w, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"html":"<form>"}`)
	})
	mux.HandleFunc("/", record)
	return shared.Middleware(mux)
}

func getForm(t *testing.T, h http.Handler) (token string, cookie *http.Cookie) {
	t.Helper()
	return getFormWithCookie(t, h, nil)
}

func getFormWithCookie(t *testing.T, h http.Handler, sent *http.Cookie) (token string, cookie *http.Cookie) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/form", nil)
	if sent != nil {
		req.AddCookie(sent)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	m := tokenValue.FindStringSubmatch(rr.Body.String())
	require.Len(t, m, 2, "expected an injected field in %q", rr.Body.String())
	for _, c := range rr.Result().Cookies() {
		if c.Name == tokens.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	return m[1], cookie
}

func postForm(target string, form url.Values, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func TestAttachFailsClosed(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTarget = "/violation/<other>"
	_, err := guard.Attach(cfg)
	var cfgErr *guard.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "default_target", cfgErr.Field)
	require.ErrorIs(t, err, reroute.ErrInvalidDefaultTarget)

	cfg = testConfig()
	cfg.Secret = []byte("short")
	_, err = guard.Attach(cfg)
	require.ErrorIs(t, err, tokens.ErrInvalidSecret)

	cfg = testConfig()
	cfg.Secret = nil
	cfg.SecretEnv = "not base64!"
	_, err = guard.Attach(cfg)
	require.ErrorIs(t, err, tokens.ErrInvalidSecret)

	cfg = testConfig()
	cfg.Exceptions = append(cfg.Exceptions, guard.ExceptionConfig{Source: "/a", Destination: "/b/<x>", Method: http.MethodGet})
	_, err = guard.Attach(cfg)
	require.ErrorIs(t, err, reroute.ErrIncompatibleTemplates)
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "exceptions[1]", cfgErr.Field)
}

func TestAttachDefaults(t *testing.T) {
	shared := attach(t, guard.Config{Secret: bytes.Repeat([]byte{1}, tokens.SecretSize)})
	cfg := shared.Config()
	require.Equal(t, guard.DefaultTarget, cfg.DefaultTarget)
	require.Equal(t, http.MethodGet, cfg.DefaultMethod)
	require.EqualValues(t, guard.DefaultMaxChunkSize, cfg.MaxChunkSize)
	require.Equal(t, security.DefaultPeekSize, cfg.PeekSize)
	require.Nil(t, cfg.Secret)
	require.NoError(t, shared.SelfTest())
}

func TestGetIssuesTokenAndInjects(t *testing.T) {
	var got seen
	h := testApp(attach(t, testConfig()), &got)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/form", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, got.token)
	want := strings.Replace(formPage, `action="/transfer">`, `action="/transfer">`+inject.HiddenField(got.token), 1)
	require.Equal(t, want, rr.Body.String())
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, tokens.CookieName, cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)
	require.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
	require.Equal(t, 3600, cookies[0].MaxAge)
}

func TestVerifiedPostReachesHandlerWithBody(t *testing.T) {
	var got seen
	h := testApp(attach(t, testConfig()), &got)
	token, cookie := getForm(t, h)

	form := url.Values{tokens.FormField: {token}, "amount": {"10"}}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, postForm("/transfer", form, cookie))

	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/transfer", got.uri)
	require.Equal(t, form.Encode(), got.body)
	require.NotEqual(t, token, got.token, "the pair is re-sealed per request")
}

func TestEarlierFormStillVerifiesAfterAnotherPageLoad(t *testing.T) {
	var got seen
	h := testApp(attach(t, testConfig()), &got)
	tokenA, cookieA := getForm(t, h)
	tokenB, cookieB := getFormWithCookie(t, h, cookieA)
	require.NotEqual(t, tokenA, tokenB)
	require.NotEqual(t, cookieA.Value, cookieB.Value)

	form := url.Values{tokens.FormField: {tokenA}, "amount": {"10"}}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, postForm("/transfer", form, cookieB))
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/transfer", got.uri)

	form = url.Values{tokens.FormField: {tokenB}, "amount": {"10"}}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, postForm("/transfer", form, cookieA))
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/transfer", got.uri)
}

func TestUnrelatedCookieStartsNewPair(t *testing.T) {
	var got seen
	h := testApp(attach(t, testConfig()), &got)
	tokenA, _ := getForm(t, h)
	_, cookieB := getFormWithCookie(t, h, &http.Cookie{Name: tokens.CookieName, Value: "garbage"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, postForm("/transfer", url.Values{tokens.FormField: {tokenA}}, cookieB))
	require.Equal(t, http.MethodGet, got.method)
	require.True(t, strings.HasPrefix(got.uri, "/csrf-violation"))
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestBodyPeekFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	var got seen
	h := testApp(attach(t, testConfig(), guard.WithLogger(zerolog.New(&logs))), &got)
	_, cookie := getForm(t, h)

	req := httptest.NewRequest(http.MethodPost, "/transfer", io.NopCloser(failingBody{}))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Contains(t, logs.String(), `"message":"csrf_body_peek_failed"`)
	require.Contains(t, logs.String(), "connection reset")
	require.Contains(t, logs.String(), `"reason":"missing_token"`)
}

func TestRejectedPostGoesToDefaultTarget(t *testing.T) {
	var got seen
	h := testApp(attach(t, testConfig()), &got)
	token, cookie := getForm(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, postForm("/transfer?amount=10", url.Values{"amount": {"10"}}, cookie))
	require.Equal(t, http.MethodGet, got.method)
	require.Equal(t, "/csrf-violation?uri=%2Ftransfer%3Famount%3D10", got.uri)

	flipped := []byte(token)
	flipped[len(flipped)/2] ^= 0x01
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, postForm("/transfer", url.Values{tokens.FormField: {string(flipped)}}, cookie))
	require.Equal(t, http.MethodGet, got.method)
	require.True(t, strings.HasPrefix(got.uri, "/csrf-violation?uri="))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, postForm("/transfer", url.Values{tokens.FormField: {token}}, nil))
	require.Equal(t, http.MethodGet, got.method)
}

func TestRejectedPostMatchingException(t *testing.T) {
	var got seen
	h := testApp(attach(t, testConfig()), &got)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, postForm("/hooks/github", url.Values{"payload": {"x"}}, nil))
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/hooks/github/rejected", got.uri)
	require.Equal(t, "payload=x", got.body)
}

func TestOnRequestSafeMethod(t *testing.T) {
	shared := attach(t, testConfig())
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)

	var d guard.RequestDecision
	h := shared.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec, ok := guard.DecisionFromContext(r.Context())
		require.True(t, ok)
		d.Decision = dec
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, security.Safe, d.State)
}

func TestSizeThresholdPolicy(t *testing.T) {
	shared := attach(t, testConfig())
	field := inject.HiddenField("tok")

	tr := shared.OnResponse(guard.BufferedResponse{
		Type: "text/html", RequestPath: "/form", Data: []byte(formPage), Issued: "tok",
	})
	require.Equal(t, guard.Materialized, tr.Mode)
	require.NoError(t, tr.Err)
	require.Len(t, tr.Body, len(formPage)+len(field))
	require.Equal(t, 1, tr.Injected)

	tr = shared.OnResponse(unknownLength{data: formPage})
	require.Equal(t, guard.Streamed, tr.Mode)
	out, err := io.ReadAll(tr.Stream)
	require.NoError(t, err)
	require.Len(t, out, len(formPage)+len(field))

	big := strings.Repeat("a", guard.DefaultMaxChunkSize) + formPage
	tr = shared.OnResponse(guard.BufferedResponse{Type: "text/html", RequestPath: "/", Data: []byte(big), Issued: "tok"})
	require.Equal(t, guard.Streamed, tr.Mode)
}

func TestOnResponseGates(t *testing.T) {
	shared := attach(t, testConfig())
	base := guard.BufferedResponse{Type: "text/html", RequestPath: "/form", Data: []byte(formPage), Issued: "tok"}

	nonHTML := base
	nonHTML.Type = "application/json"
	require.Equal(t, guard.Passthrough, shared.OnResponse(nonHTML).Mode)

	excluded := base
	excluded.RequestPath = "/raw/form"
	require.Equal(t, guard.Passthrough, shared.OnResponse(excluded).Mode)

	noToken := base
	noToken.Issued = ""
	require.Equal(t, guard.Passthrough, shared.OnResponse(noToken).Mode)

	noBody := base
	noBody.Data = nil
	require.Equal(t, guard.Passthrough, shared.OnResponse(noBody).Mode)

	cfg := testConfig()
	cfg.AutoInsert = false
	require.Equal(t, guard.Passthrough, attach(t, cfg).OnResponse(base).Mode)
}

type unknownLength struct{ data string }

func (u unknownLength) ContentType() string { return "text/html; charset=utf-8" }
func (u unknownLength) Path() string        { return "/" }
func (u unknownLength) Length() int64       { return -1 }
func (u unknownLength) Body() io.Reader     { return strings.NewReader(u.data) }
func (u unknownLength) Token() string       { return "tok" }

func TestMiddlewareMaterializesDeclaredSmallBody(t *testing.T) {
	var got seen
	h := testApp(attach(t, testConfig()), &got)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sized", nil))
	want := len(formPage) + len(inject.HiddenField(got.token))
	require.Equal(t, strconv.Itoa(want), rr.Header().Get("Content-Length"))
	require.Equal(t, want, rr.Body.Len())
}

func TestMiddlewareStreamsUnknownLength(t *testing.T) {
	var got seen
	h := testApp(attach(t, testConfig()), &got)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/form", nil))
	require.Empty(t, rr.Header().Get("Content-Length"))
	require.Contains(t, rr.Body.String(), inject.HiddenField(got.token))
}

func TestMiddlewarePassthrough(t *testing.T) {
	var got seen
	h := testApp(attach(t, testConfig()), &got)

	for _, path := range []string{"/raw/form", "/json"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.NotContains(t, rr.Body.String(), tokens.FormField, path)
		require.Empty(t, rr.Header().Get("Cache-Control"), path)
	}
}

func TestMiddlewareSniffsContentType(t *testing.T) {
	shared := attach(t, testConfig())
	h := shared.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "<!DOCTYPE html>"+formPage)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Contains(t, rr.Body.String(), `<input type="hidden" name="csrf-token"`)
}

func TestMiddlewareStatusWithoutBody(t *testing.T) {
	shared := attach(t, testConfig())
	h := shared.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/done")
		w.WriteHeader(http.StatusSeeOther)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/done", rr.Header().Get("Location"))
}

func TestMiddlewareOverlongDeclaredBodyFallsBackToStream(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChunkSize = 64
	shared := attach(t, cfg)
	var token string
	h := shared.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ = guard.TokenFromContext(r.Context())
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", "10")
		_, _ = io.WriteString(w, formPage)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Empty(t, rr.Header().Get("Content-Length"))
	require.Len(t, rr.Body.String(), len(formPage)+len(inject.HiddenField(token)))
}

func TestMiddlewareFlushPromotesToStream(t *testing.T) {
	shared := attach(t, testConfig())
	h := shared.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", strconv.Itoa(len(formPage)))
		_, _ = io.WriteString(w, formPage[:10])
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, formPage[10:])
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, rr.Flushed)
	require.Empty(t, rr.Header().Get("Content-Length"))
	require.Contains(t, rr.Body.String(), `name="csrf-token"`)
}

func TestTemplateFieldAndTokenHandler(t *testing.T) {
	shared := attach(t, testConfig())
	var field string
	mux := http.NewServeMux()
	mux.Handle("/csrf-token", guard.TokenHandler())
	mux.HandleFunc("/tpl", func(w http.ResponseWriter, r *http.Request) {
		field = string(guard.TemplateField(r.Context()))
	})
	h := shared.Middleware(mux)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Equal(t, tokens.FormField, payload["field"])
	require.NotEmpty(t, payload["token"])

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tpl", nil))
	require.Contains(t, field, `type="hidden" name="csrf-token"`)

	rr = httptest.NewRecorder()
	guard.TokenHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Empty(t, string(guard.TemplateField(httptest.NewRequest(http.MethodGet, "/", nil).Context())))
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := obs.NewCSRFMetrics("formguard", reg)
	var got seen
	h := testApp(attach(t, testConfig(), guard.WithMetrics(metrics)), &got)

	getForm(t, h)
	h.ServeHTTP(httptest.NewRecorder(), postForm("/transfer", url.Values{"a": {"1"}}, nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sized", nil))

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.Decisions.WithLabelValues("safe", "none")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Decisions.WithLabelValues("rejected", "missing_cookie")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Reroutes.WithLabelValues("default")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Responses.WithLabelValues("streamed")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Responses.WithLabelValues("materialized")))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.FormsInjected))
}

func TestCheckReportsSelfTest(t *testing.T) {
	shared := attach(t, testConfig())
	require.Equal(t, "csrf", shared.Name())
	require.NoError(t, shared.Check(t.Context(), 0))
}
