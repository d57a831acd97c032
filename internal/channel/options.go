package channel

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"tickwire/internal/metrics"
)

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

type Option func(*Options)

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithClock replaces the wall clock used for timeouts and pings.
func WithClock(c clock.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

func Apply(opts []Option) Options {
	o := Options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}
