package notify

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

type offlineChannel struct{ fakeChannel }

func (c *offlineChannel) Send(context.Context, types.NotificationPayload) error {
	c.calls.Add(1)
	return ErrOffline
}

func TestGuardOpensAfterFailures(t *testing.T) {
	inner := &fakeChannel{name: "email"}
	inner.failures.Store(-1)
	g := Guard(inner, GuardConfig{MinRequests: 3, FailureRatio: 0.5, OpenTimeout: time.Minute})

	p := payload(types.EventJobAvailable, "agent-1")
	for i := 0; i < 3; i++ {
		assert.Error(t, g.Send(context.Background(), p))
	}
	assert.Equal(t, "open", g.State())

	err := g.Send(context.Background(), p)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(3), inner.calls.Load(), "open breaker short-circuits")
}

func TestGuardIgnoresOffline(t *testing.T) {
	inner := &offlineChannel{fakeChannel{name: "push"}}
	g := Guard(inner, GuardConfig{MinRequests: 2, FailureRatio: 0.5})

	p := payload(types.EventJobAvailable, "agent-1")
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, g.Send(context.Background(), p), ErrOffline)
	}
	assert.Equal(t, "closed", g.State())
	assert.Equal(t, int32(5), inner.calls.Load())
}

func TestGuardRateLimitHonoursContext(t *testing.T) {
	inner := &fakeChannel{name: "email"}
	g := Guard(inner, GuardConfig{RateLimit: 0.001, RateBurst: 1})
	p := payload(types.EventJobAvailable, "agent-1")

	assert.NoError(t, g.Send(context.Background(), p))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, g.Send(ctx, p))
	assert.Equal(t, int32(1), inner.calls.Load())
}
