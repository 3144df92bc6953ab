package notify

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// GuardConfig bounds how hard a channel may hit its provider.
type GuardConfig struct {
	// RateLimit is sends per second; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// The breaker opens once at least MinRequests were seen in Interval and
	// FailureRatio of them failed. It half-opens after OpenTimeout.
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	Interval     time.Duration `yaml:"interval"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
}

// DefaultGuard mirrors the breaker settings used for outbound extension calls.
var DefaultGuard = GuardConfig{
	RateLimit:    10,
	RateBurst:    5,
	MinRequests:  3,
	FailureRatio: 0.6,
	Interval:     5 * time.Second,
	OpenTimeout:  30 * time.Second,
}

// GuardedChannel wraps a Channel with a rate limiter and a circuit breaker.
// While the breaker is open, sends fail immediately and the queue schedules
// a retry as usual.
type GuardedChannel struct {
	Channel
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Guard wraps ch. ErrOffline does not count against the breaker: an agent
// without a socket says nothing about the provider's health.
func Guard(ch Channel, cfg GuardConfig) *GuardedChannel {
	g := &GuardedChannel{Channel: ch}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	minReq, ratio := cfg.MinRequests, cfg.FailureRatio
	if minReq == 0 {
		minReq = DefaultGuard.MinRequests
	}
	if ratio <= 0 {
		ratio = DefaultGuard.FailureRatio
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ch.Name(),
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minReq && failureRatio >= ratio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrOffline)
		},
	})
	return g
}

// Send waits for a rate token, then sends through the breaker.
func (g *GuardedChannel) Send(ctx context.Context, p types.NotificationPayload) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return errors.Wrapf(err, "%s rate limit", g.Name())
		}
	}
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.Channel.Send(ctx, p)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrapf(err, "%s provider", g.Name())
	}
	return err
}

// State exposes the breaker state for status output.
func (g *GuardedChannel) State() string {
	return g.cb.State().String()
}
