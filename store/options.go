package store

import (
	"time"

	"go.uber.org/zap"
)

// Options are shared by both translators.
type Options struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

type Option func(*Options)

// WithClock replaces the clock used to stamp created_at and updated_at.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func NewOptions(opts ...Option) Options {
	o := Options{
		Clock:  time.Now,
		Logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Now is the current time formatted for a timestamp column.
func (o Options) Now() string {
	return FormatTime(o.Clock())
}
