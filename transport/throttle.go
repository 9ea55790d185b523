package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

type throttleConfig struct {
	rps   int
	burst int
}

// throttle is an http.RoundTripper using a token-bucket limiter to
// restrict outbound calls to the hub.
type throttle struct {
	limiter *rate.Limiter
	next    http.RoundTripper
	logFn   func() *slog.Logger
}

func newThrottle(cfg *throttleConfig, logFn func() *slog.Logger, next http.RoundTripper) *throttle {
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(cfg.rps), cfg.burst),
		next:    next,
		logFn:   logFn,
	}
}

func (t *throttle) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("throttle context ended early: %w", err)
	}

	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("throttle wait: %w", err)
	}

	if waited := time.Since(start); waited > time.Second {
		if logger := t.logFn(); logger != nil {
			logger.Warn("request throttled", "waited", waited.Round(time.Millisecond), "url", r.URL.Redacted())
		}
	}

	return t.next.RoundTrip(r)
}
