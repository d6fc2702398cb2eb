package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Default backoff parameters for normal failures.
const (
	// DefaultC is the jitter base for normal failures.
	DefaultC = 100 * time.Millisecond

	// DefaultCMin is the minimum delay for normal failures.
	DefaultCMin = 100 * time.Millisecond

	// DefaultCMax is the maximum delay for normal failures.
	DefaultCMax = 10 * time.Second
)

// Default backoff parameters for throttling failures.
const (
	// ThrottledC is the jitter base when the service throttles.
	ThrottledC = 5 * time.Second

	// ThrottledCMin is the minimum delay when the service throttles.
	ThrottledCMin = 10 * time.Second

	// ThrottledCMax is the maximum delay when the service throttles.
	ThrottledCMax = 60 * time.Second
)

// Default jitter factors.
const (
	// DefaultJitterUp bounds how far the jitter stays below C (upper end).
	DefaultJitterUp = 0.25

	// DefaultJitterDown bounds how far the jitter drops below C (lower end).
	DefaultJitterDown = 0.5
)

// Parameters is one set of backoff constants.
type Parameters struct {
	C    time.Duration `yaml:"c"`
	CMin time.Duration `yaml:"cmin"`
	CMax time.Duration `yaml:"cmax"`
	Ju   float64       `yaml:"ju"`
	Jd   float64       `yaml:"jd"`
}

// DefaultNormalParameters returns the parameters used for normal failures.
func DefaultNormalParameters() Parameters {
	return Parameters{C: DefaultC, CMin: DefaultCMin, CMax: DefaultCMax, Ju: DefaultJitterUp, Jd: DefaultJitterDown}
}

// DefaultThrottledParameters returns the parameters used for throttling.
func DefaultThrottledParameters() Parameters {
	return Parameters{C: ThrottledC, CMin: ThrottledCMin, CMax: ThrottledCMax, Ju: DefaultJitterUp, Jd: DefaultJitterDown}
}

// ExponentialBackoffWithJitter is the default retry policy.
type ExponentialBackoffWithJitter struct {
	mu sync.Mutex

	immediateFirstRetry bool
	normal              Parameters
	throttled           Parameters
	filter              ErrorFilter

	// Random source for jitter
	rng *rand.Rand
}

// BackoffConfig allows customizing the policy.
type BackoffConfig struct {
	ImmediateFirstRetry bool
	Normal              Parameters
	Throttled           Parameters

	// Filter overrides DefaultErrorFilter when non-nil.
	Filter ErrorFilter

	// Rand overrides the jitter source, mainly for deterministic tests.
	Rand *rand.Rand
}

// DefaultBackoffConfig returns the default policy configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		ImmediateFirstRetry: true,
		Normal:              DefaultNormalParameters(),
		Throttled:           DefaultThrottledParameters(),
	}
}

// NewExponentialBackoffWithJitter creates the policy with default settings.
func NewExponentialBackoffWithJitter() *ExponentialBackoffWithJitter {
	return NewExponentialBackoffWithConfig(DefaultBackoffConfig())
}

// NewExponentialBackoffWithConfig creates the policy with custom settings.
// Zero parameter sets fall back to the defaults.
func NewExponentialBackoffWithConfig(cfg BackoffConfig) *ExponentialBackoffWithJitter {
	if cfg.Normal == (Parameters{}) {
		cfg.Normal = DefaultNormalParameters()
	}
	if cfg.Throttled == (Parameters{}) {
		cfg.Throttled = DefaultThrottledParameters()
	}
	if cfg.Filter == nil {
		cfg.Filter = DefaultErrorFilter()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &ExponentialBackoffWithJitter{
		immediateFirstRetry: cfg.ImmediateFirstRetry,
		normal:              cfg.Normal,
		throttled:           cfg.Throttled,
		filter:              cfg.Filter,
		rng:                 cfg.Rand,
	}
}

// ShouldRetry consults the error filter.
func (b *ExponentialBackoffWithJitter) ShouldRetry(err error) bool {
	return b.filter.Retryable(err)
}

// NextRetryTimeout returns the delay before retry number attempt (1-based).
func (b *ExponentialBackoffWithJitter) NextRetryTimeout(attempt int, throttled bool) time.Duration {
	if b.immediateFirstRetry && attempt <= 1 && !throttled {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	p := b.normal
	if throttled {
		p = b.throttled
	}

	low := float64(p.C) * (1 - p.Jd)
	high := float64(p.C) * (1 - p.Ju)
	jitter := low + b.uniform()*(high-low)

	delay := float64(p.CMin) + (math.Pow(2, float64(attempt-1))-1)*jitter
	if delay > float64(p.CMax) || math.IsInf(delay, 1) {
		return p.CMax
	}
	return time.Duration(delay)
}

// uniform returns a value in [0, 1).
func (b *ExponentialBackoffWithJitter) uniform() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64()
}
