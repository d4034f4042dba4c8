package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/taskworker/pkg/log"
	"github.com/cuemby/taskworker/pkg/metrics"
	"github.com/cuemby/taskworker/pkg/types"
)

// Default retry parameters
const (
	DefaultAttempts            = 5
	DefaultInitialDelay        = time.Second
	DefaultMultiplier          = 2.0
	DefaultMaxDelay            = 2 * time.Minute
	DefaultRandomizationFactor = 0.5
)

// Classifier decides whether an error is worth another attempt
type Classifier func(error) bool

// Options tune a retry loop
type Options struct {
	Attempts            int
	InitialDelay        time.Duration
	Multiplier          float64
	MaxDelay            time.Duration
	RandomizationFactor float64
	// NoJitter forces a zero RandomizationFactor through With
	NoJitter  bool
	Transient Classifier
}

// Option modifies Options
type Option func(*Options)

// WithAttempts sets the total number of attempts, the first one included
func WithAttempts(n int) Option {
	return func(o *Options) { o.Attempts = n }
}

// WithDelays sets the first delay and the delay ceiling
func WithDelays(initial, max time.Duration) Option {
	return func(o *Options) {
		o.InitialDelay = initial
		o.MaxDelay = max
	}
}

// WithMultiplier sets the growth factor between delays
func WithMultiplier(m float64) Option {
	return func(o *Options) { o.Multiplier = m }
}

// WithJitter sets the randomization factor applied to each delay
func WithJitter(factor float64) Option {
	return func(o *Options) { o.RandomizationFactor = factor }
}

// WithClassifier replaces types.IsTransient as the retry predicate
func WithClassifier(c Classifier) Option {
	return func(o *Options) { o.Transient = c }
}

// With applies a pre-built Options value, zero fields keep their defaults
func With(base Options) Option {
	return func(o *Options) {
		if base.Attempts > 0 {
			o.Attempts = base.Attempts
		}
		if base.InitialDelay > 0 {
			o.InitialDelay = base.InitialDelay
		}
		if base.Multiplier > 0 {
			o.Multiplier = base.Multiplier
		}
		if base.MaxDelay > 0 {
			o.MaxDelay = base.MaxDelay
		}
		switch {
		case base.NoJitter:
			o.RandomizationFactor = 0
		case base.RandomizationFactor > 0:
			o.RandomizationFactor = base.RandomizationFactor
		}
		if base.Transient != nil {
			o.Transient = base.Transient
		}
	}
}

func defaults() Options {
	return Options{
		Attempts:            DefaultAttempts,
		InitialDelay:        DefaultInitialDelay,
		Multiplier:          DefaultMultiplier,
		MaxDelay:            DefaultMaxDelay,
		RandomizationFactor: DefaultRandomizationFactor,
		Transient:           types.IsTransient,
	}
}

// Do runs op until it succeeds, returns a non-transient error, runs out of
// attempts or ctx is done. The last error is returned unchanged.
func Do(ctx context.Context, name string, op func() error, opts ...Option) error {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.InitialDelay
	eb.Multiplier = o.Multiplier
	eb.MaxInterval = o.MaxDelay
	eb.RandomizationFactor = o.RandomizationFactor
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.Attempts-1)), ctx)

	logger := log.WithComponent("retry")
	attempt := 0

	operation := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !o.Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		metrics.RetriesTotal.WithLabelValues(name).Inc()
		logger.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Int("attempts", o.Attempts).
			Dur("delay", delay).
			Msg("Retrying after transient error")
	}

	return backoff.RetryNotify(operation, b, notify)
}
