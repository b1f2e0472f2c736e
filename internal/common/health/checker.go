package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Checker reports whether a component is healthy. A nil error means healthy.
type Checker interface {
	Check() error
}

// StartupCompleteChecker fails until MarkComplete has been called.
type StartupCompleteChecker struct {
	complete atomic.Value
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	checker := &StartupCompleteChecker{}
	checker.complete.Store(false)
	return checker
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load().(bool) {
		return nil
	}
	return errors.New("scheduler loops have not started yet")
}

// PingChecker adapts a context-aware ping, e.g. pgxpool.Pool.Ping, to a Checker. A ping that takes
// longer than timeout counts as a failure.
type PingChecker struct {
	ping    func(ctx context.Context) error
	timeout time.Duration
}

func NewPingChecker(ping func(ctx context.Context) error, timeout time.Duration) *PingChecker {
	return &PingChecker{ping: ping, timeout: timeout}
}

func (c *PingChecker) Check() error {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return errors.WithMessage(c.ping(ctx), "unreachable")
}
