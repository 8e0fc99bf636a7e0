package resilience

import "time"

// Config is the retry and breaker policy shared by every guarded operation
// of one executor.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

const (
	defaultAttempts       = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultMultiplier     = 2.0
	defaultMinRequests    = 5
	defaultFailureRatio   = 0.6
	defaultOpenTimeout    = 30 * time.Second
	defaultHalfOpenCalls  = 2
)

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:        defaultAttempts,
		RetryInitialBackoff:     defaultInitialBackoff,
		RetryMaxBackoff:         defaultMaxBackoff,
		RetryMultiplier:         defaultMultiplier,
		BreakerEnabled:          true,
		BreakerMinRequests:      defaultMinRequests,
		BreakerFailureRatio:     defaultFailureRatio,
		BreakerOpenTimeout:      defaultOpenTimeout,
		BreakerHalfOpenMaxCalls: defaultHalfOpenCalls,
	}
}

// Settings is the subset of the policy exposed through service configuration.
type Settings struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	FailureRatio   float64
	MinRequests    int
	OpenTimeout    time.Duration
}

// ConfigFrom overlays settings on the defaults. The breaker stays enabled.
func ConfigFrom(s Settings) Config {
	cfg := DefaultConfig()
	cfg.RetryMaxAttempts = s.MaxAttempts
	cfg.RetryInitialBackoff = s.InitialBackoff
	cfg.RetryMaxBackoff = s.MaxBackoff
	cfg.BreakerFailureRatio = s.FailureRatio
	if s.MinRequests > 0 {
		cfg.BreakerMinRequests = uint32(s.MinRequests)
	}
	cfg.BreakerOpenTimeout = s.OpenTimeout
	return cfg.normalize()
}

func (c Config) normalize() Config {
	c.RetryMaxAttempts = positiveOr(c.RetryMaxAttempts, defaultAttempts)
	c.RetryInitialBackoff = positiveOr(c.RetryInitialBackoff, defaultInitialBackoff)
	c.RetryMaxBackoff = max(positiveOr(c.RetryMaxBackoff, defaultMaxBackoff), c.RetryInitialBackoff)
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = defaultMultiplier
	}

	c.BreakerMinRequests = positiveOr(c.BreakerMinRequests, defaultMinRequests)
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		c.BreakerFailureRatio = defaultFailureRatio
	}
	c.BreakerOpenTimeout = positiveOr(c.BreakerOpenTimeout, defaultOpenTimeout)
	c.BreakerHalfOpenMaxCalls = positiveOr(c.BreakerHalfOpenMaxCalls, defaultHalfOpenCalls)
	return c
}

func positiveOr[T int | uint32 | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}
