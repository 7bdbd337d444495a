// Package ratelimit throttles clients whose requests keep failing CSRF
// verification.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// Result is the outcome of counting one event.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter counts events per key inside a window of length window, allowing
// at most max of them.
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration, max int) (Result, error)
}

func unlimited(window time.Duration, max int) Result {
	return Result{Allowed: true, Remaining: max, Reset: time.Now().Add(window)}
}

// ClientIP returns the host part of r.RemoteAddr. Run chi's RealIP first when
// the service sits behind a proxy.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
