// ABOUTME: Functional options shared by the decision store backends
// ABOUTME: Configures TTL policy, clock and CAS retry budget

package store

import (
	"log/slog"
	"time"
)

// defaultMaxCASRetries bounds the optimistic write loop before giving up with ErrConflict.
const defaultMaxCASRetries = 16

type options struct {
	ttl        TTLPolicy
	now        func() time.Time
	maxRetries int
	logger     *slog.Logger
}

// Option configures a store backend.
type Option func(*options)

// WithTTLPolicy sets the accepted/rejected retention.
func WithTTLPolicy(p TTLPolicy) Option {
	return func(o *options) { o.ttl = p }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMaxRetries sets the optimistic write retry budget.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		ttl:        DefaultTTLPolicy(),
		now:        time.Now,
		maxRetries: defaultMaxCASRetries,
		logger:     slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
