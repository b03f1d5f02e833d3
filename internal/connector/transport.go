package connector

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"painchain.app/ingest/core/config"
)

// ClientFactory hands out upstream HTTP clients with a shared timeout and a
// per-connector request rate.
type ClientFactory struct {
	timeout time.Duration
	limit   rate.Limit
	burst   int
	base    http.RoundTripper
}

func NewClientFactory(cfg config.ConnectorConfig) *ClientFactory {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &ClientFactory{
		timeout: cfg.HTTPTimeout,
		limit:   limit,
		burst:   burst,
		base:    http.DefaultTransport,
	}
}

// Limiter returns a fresh limiter. One connector instance shares one limiter.
func (f *ClientFactory) Limiter() *rate.Limiter {
	return rate.NewLimiter(f.limit, f.burst)
}

// HTTPClient wraps the base transport with limiter. A nil limiter leaves requests unthrottled.
func (f *ClientFactory) HTTPClient(limiter *rate.Limiter) *http.Client {
	transport := f.base
	if limiter != nil {
		transport = &rateLimitedTransport{base: f.base, limiter: limiter}
	}
	return &http.Client{Timeout: f.timeout, Transport: transport}
}

type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}
