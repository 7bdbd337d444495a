package inject

import (
	"bytes"
	"io"
)

// DefaultReadSize is the upstream read size of a Reader.
const DefaultReadSize = 4096

// Option customises a Reader.
type Option func(*Reader)

// WithReadSize sets how many bytes a Reader pulls from upstream per read.
func WithReadSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.chunk = make([]byte, n)
		}
	}
}

// Reader is a pull-based injector over an upstream body. Memory use is one
// upstream chunk plus the transformed output not yet handed out.
type Reader struct {
	src     io.Reader
	scan    *scanner
	chunk   []byte
	pending []byte
	off     int
	err     error
}

// NewReader wraps src so every form opening tag read through it is followed
// by a hidden token field.
func NewReader(src io.Reader, token string, opts ...Option) *Reader {
	r := &Reader{src: src, scan: newScanner(token)}
	for _, opt := range opts {
		opt(r)
	}
	if r.chunk == nil {
		r.chunk = make([]byte, DefaultReadSize)
	}
	return r
}

// Read implements io.Reader. An upstream error is returned once every byte
// read before it has been delivered, and is never replaced by io.EOF.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for r.off >= len(r.pending) {
		if r.err != nil {
			return 0, r.err
		}
		n, err := r.src.Read(r.chunk)
		r.pending = r.scan.transform(r.pending[:0], r.chunk[:n])
		r.off = 0
		r.err = err
		if n == 0 && err == nil {
			// nothing yet; let the caller retry rather than spin
			return 0, nil
		}
	}
	n := copy(p, r.pending[r.off:])
	r.off += n
	return n, nil
}

// Injected reports how many fields have been inserted so far.
func (r *Reader) Injected() int { return r.scan.injected }

// Writer is the push form of Reader: bytes written to it are transformed
// and forwarded to dst.
type Writer struct {
	dst  io.Writer
	scan *scanner
	buf  []byte
}

// NewWriter returns a Writer forwarding transformed output to dst.
func NewWriter(dst io.Writer, token string) *Writer {
	return &Writer{dst: dst, scan: newScanner(token)}
}

// Write transforms p and writes the result to dst. On success it reports
// len(p) bytes written, the count of input bytes consumed.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf = w.scan.transform(w.buf[:0], p)
	if _, err := w.dst.Write(w.buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Injected reports how many fields have been inserted so far.
func (w *Writer) Injected() int { return w.scan.injected }

// Materialize transforms the whole of src into a single buffer. sizeHint is
// the expected input length, or a negative value when unknown.
func Materialize(src io.Reader, token string, sizeHint int64) ([]byte, int, error) {
	var out bytes.Buffer
	if sizeHint > 0 {
		out.Grow(int(sizeHint) + len(HiddenField(token)))
	}
	w := NewWriter(&out, token)
	if _, err := io.Copy(w, src); err != nil {
		return nil, w.Injected(), err
	}
	return out.Bytes(), w.Injected(), nil
}
