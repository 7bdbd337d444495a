package guard

import (
	"net/http"
	"strconv"

	"github.com/noah-isme/formguard/internal/inject"
	"github.com/noah-isme/formguard/internal/security"
)

// responseWriter defers the status line until the first body bytes (or the
// handler's return) so the injection mode can be chosen from the final
// headers. Declared-small HTML is buffered and materialized; everything else
// eligible is streamed through an inject.Writer.
type responseWriter struct {
	http.ResponseWriter
	shared *Shared
	token  string
	path   string
	head   bool

	status  int
	decided bool
	mode    Mode
	length  int64
	buf     []byte
	inj     *inject.Writer
	err     error
}

func newResponseWriter(w http.ResponseWriter, s *Shared, r *http.Request, token string) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		shared:         s,
		token:          token,
		path:           r.URL.Path,
		head:           r.Method == http.MethodHead,
	}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.decided || w.status != 0 {
		return
	}
	if code >= 100 && code <= 199 && code != http.StatusSwitchingProtocols {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.status = code
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.decided {
		w.decide(p)
	}
	switch w.mode {
	case Materialized:
		if int64(len(w.buf)+len(p)) > w.shared.cfg.MaxChunkSize {
			// the handler wrote more than it declared
			if err := w.promote(); err != nil {
				return 0, err
			}
			return w.streamWrite(p)
		}
		w.buf = append(w.buf, p...)
		return len(p), nil
	case Streamed:
		return w.streamWrite(p)
	default:
		return w.ResponseWriter.Write(p)
	}
}

func (w *responseWriter) decide(p []byte) {
	w.decided = true
	if w.status == 0 {
		w.status = http.StatusOK
	}
	h := w.Header()
	encoded := h.Get("Content-Encoding") != ""
	if h.Get("Content-Type") == "" && len(p) > 0 && !encoded {
		h.Set("Content-Type", http.DetectContentType(p))
	}
	w.length = -1
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			w.length = n
		}
	}

	w.mode = Passthrough
	if !w.head && !encoded && bodyAllowed(w.status) {
		w.mode = w.shared.plan(h.Get("Content-Type"), w.path, w.length, w.token)
	}
	switch w.mode {
	case Materialized:
		w.buf = make([]byte, 0, w.length)
	case Streamed:
		w.startStream()
	default:
		w.ResponseWriter.WriteHeader(w.status)
	}
}

func (w *responseWriter) startStream() {
	h := w.Header()
	h.Del("Content-Length")
	security.TokenPageHeaders(h)
	w.ResponseWriter.WriteHeader(w.status)
	w.inj = inject.NewWriter(w.ResponseWriter, w.token)
	w.mode = Streamed
}

// promote switches a buffered response to streaming.
func (w *responseWriter) promote() error {
	w.startStream()
	buffered := w.buf
	w.buf = nil
	if len(buffered) == 0 {
		return nil
	}
	_, err := w.streamWrite(buffered)
	return err
}

func (w *responseWriter) streamWrite(p []byte) (int, error) {
	n, err := w.inj.Write(p)
	if err != nil && w.err == nil {
		w.err = err
		w.shared.metrics.ObserveStreamError()
		w.shared.log.Error().Err(err).Str("path", w.path).Msg("csrf_stream_write_failed")
	}
	return n, err
}

// Flush commits a buffered response as a stream, since a flushed body can
// no longer be measured.
func (w *responseWriter) Flush() {
	if !w.decided {
		w.decide(nil)
	}
	if w.mode == Materialized {
		if err := w.promote(); err != nil {
			return
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// finish runs after the handler returns.
func (w *responseWriter) finish() {
	if !w.decided {
		if w.status != 0 {
			w.decided = true
			w.ResponseWriter.WriteHeader(w.status)
		}
		return
	}
	switch w.mode {
	case Materialized:
		h := w.Header()
		tr := w.shared.OnResponse(BufferedResponse{
			Type:        h.Get("Content-Type"),
			RequestPath: w.path,
			Data:        w.buf,
			Issued:      w.token,
		})
		out := w.buf
		if tr.Mode == Materialized && tr.Err == nil {
			out = tr.Body
			security.TokenPageHeaders(h)
		}
		h.Set("Content-Length", strconv.Itoa(len(out)))
		w.ResponseWriter.WriteHeader(w.status)
		if _, err := w.ResponseWriter.Write(out); err != nil {
			w.shared.log.Debug().Err(err).Str("path", w.path).Msg("csrf_response_write_failed")
		}
	case Streamed:
		w.shared.metrics.ObserveResponse(Streamed.String(), w.inj.Injected())
	}
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
