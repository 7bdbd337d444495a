package guard

import (
	"bytes"
	"io"
	"mime"
	"strings"

	"github.com/noah-isme/formguard/internal/inject"
)

// Mode is how a response body is treated.
type Mode int

const (
	// Passthrough leaves the body untouched.
	Passthrough Mode = iota
	// Materialized injects the whole body into one buffer.
	Materialized
	// Streamed injects lazily as the body is read.
	Streamed
)

func (m Mode) String() string {
	switch m {
	case Materialized:
		return "materialized"
	case Streamed:
		return "streamed"
	default:
		return "passthrough"
	}
}

// ResponseView is the host response as seen by OnResponse.
type ResponseView interface {
	ContentType() string
	// Path is the effective request path, after any reroute.
	Path() string
	// Length is the declared body length, or -1 when unknown.
	Length() int64
	// Body is nil when the response has none.
	Body() io.Reader
	// Token is the encoded token issued by OnRequest.
	Token() string
}

// ResponseTransform is the outcome of OnResponse. Body is set for
// Materialized, Stream for Streamed; Passthrough carries neither.
type ResponseTransform struct {
	Mode   Mode
	Body   []byte
	Stream *inject.Reader
	// Injected counts fields inserted into a materialized body.
	Injected int
	Err      error
}

// OnResponse gates the response and picks the injection strategy: bodies
// with a known length up to MaxChunkSize are materialized, everything else
// is streamed.
func (s *Shared) OnResponse(v ResponseView) ResponseTransform {
	body := v.Body()
	mode := s.plan(v.ContentType(), v.Path(), v.Length(), v.Token())
	if body == nil {
		mode = Passthrough
	}

	switch mode {
	case Materialized:
		out, n, err := inject.Materialize(body, v.Token(), v.Length())
		s.metrics.ObserveResponse(mode.String(), n)
		if err != nil {
			s.metrics.ObserveStreamError()
		}
		return ResponseTransform{Mode: mode, Body: out, Injected: n, Err: err}
	case Streamed:
		s.metrics.ObserveResponse(mode.String(), 0)
		return ResponseTransform{Mode: mode, Stream: inject.NewReader(body, v.Token())}
	default:
		return ResponseTransform{Mode: Passthrough}
	}
}

func (s *Shared) plan(contentType, path string, length int64, token string) Mode {
	if !s.cfg.AutoInsert || token == "" || length == 0 {
		return Passthrough
	}
	if !isHTML(contentType) || s.excluded(path) {
		return Passthrough
	}
	if length > 0 && length <= s.cfg.MaxChunkSize {
		return Materialized
	}
	return Streamed
}

func (s *Shared) excluded(path string) bool {
	for _, p := range s.cfg.AutoInsertDisablePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html"
}

// BufferedResponse is a ResponseView over an in-memory body.
type BufferedResponse struct {
	Type        string
	RequestPath string
	Data        []byte
	Issued      string
}

func (b BufferedResponse) ContentType() string { return b.Type }
func (b BufferedResponse) Path() string        { return b.RequestPath }
func (b BufferedResponse) Length() int64       { return int64(len(b.Data)) }
func (b BufferedResponse) Token() string       { return b.Issued }

func (b BufferedResponse) Body() io.Reader {
	if b.Data == nil {
		return nil
	}
	return bytes.NewReader(b.Data)
}
