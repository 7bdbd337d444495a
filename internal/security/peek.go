package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// PeekBody reads at most n leading bytes of the request body and puts them
// back in front of the unread remainder, so downstream handlers still see
// the whole body.
func PeekBody(r *http.Request, n int) ([]byte, error) {
	if n <= 0 || r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	buf := make([]byte, n)
	read, err := io.ReadFull(r.Body, buf)
	buf = buf[:read]
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}

	r.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(buf), r.Body),
		closer: r.Body,
	}
	return buf, err
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }
