// Package providers implements the perception capabilities on top of
// hosted inference APIs. Every client degrades to an empty result with a
// non-nil error on failure; malformed items are dropped at the boundary.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/remi71350-droid/perception-lab/internal/httputil"
)

var (
	// ErrUnavailable is returned when a provider lacks credentials or an
	// endpoint.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrMalformedPayload is returned when a response cannot be decoded.
	ErrMalformedPayload = errors.New("malformed provider payload")
	// ErrUnknownProvider is returned by the factory for unregistered names.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Options are shared by every HTTP-backed provider.
type Options struct {
	HTTP       httputil.HTTPClient
	Timeout    time.Duration
	RatePerSec float64 // <= 0 disables limiting
	Burst      int
	MaxBody    int64
}

func (o Options) withDefaults() Options {
	if o.HTTP == nil {
		o.HTTP = httputil.NewStandardClient(0)
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.MaxBody <= 0 {
		o.MaxBody = httputil.DefaultMaxResponseBytes
	}
	return o
}

// client carries the transport shared by the HTTP providers.
type client struct {
	name    string
	model   string
	http    httputil.HTTPClient
	limiter *rate.Limiter
	timeout time.Duration
	maxBody int64
}

func newClient(name, model string, opts Options) client {
	opts = opts.withDefaults()
	c := client{
		name:    name,
		model:   model,
		http:    opts.HTTP,
		timeout: opts.Timeout,
		maxBody: opts.MaxBody,
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst)
	}
	return c
}

// Provenance returns "provider:model".
func (c client) Provenance() string {
	return c.name + ":" + c.model
}

// send waits for the rate limiter, executes the request built by build
// under the client timeout and returns the 2xx body.
func (c client) send(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limit: %w", c.name, err)
		}
	}
	req, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.name, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	body, err := httputil.ReadResponse(resp, c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return body, nil
}

func (c client) malformed(err error) error {
	return fmt.Errorf("%s: %w: %v", c.name, ErrMalformedPayload, err)
}

func (c client) unavailable(reason string) error {
	return fmt.Errorf("%s: %w: %s", c.name, ErrUnavailable, reason)
}
