// internal/inject/chain.go
package inject

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/target"
)

// ErrInjectionFailed is returned when no strategy delivered a payload.
var ErrInjectionFailed = errors.New("injection failed")

// Chain tries strategies in order. A strategy that is refused with
// target.ErrAccessDenied, or that times out, hands over to the next one. The first
// strategy that neither refuses nor times out ends the chain, whether it succeeded
// or not. Earlier strategies are never retried.
type Chain struct {
	strategies []Strategy
	timeout    time.Duration
	metrics    *Metrics
	log        *zap.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithTimeout bounds each attempt. Zero, the default, leaves attempts unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Chain) { c.timeout = d }
}

// WithMetrics records attempts and fallbacks.
func WithMetrics(m *Metrics) Option {
	return func(c *Chain) { c.metrics = m }
}

// WithStrategies replaces the default strategies.
func WithStrategies(s ...Strategy) Option {
	return func(c *Chain) { c.strategies = s }
}

// NewChain creates a chain over DefaultStrategies.
func NewChain(logger *zap.Logger, opts ...Option) *Chain {
	c := &Chain{
		strategies: DefaultStrategies(),
		log:        logger.Named("inject"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Inject delivers p into t and returns the name of the strategy that did it.
func (c *Chain) Inject(ctx context.Context, t target.Target, p *target.Payload) (string, error) {
	log := c.log.With(
		zap.String("script", p.Script.Name),
		zap.String("target", t.Identity()),
		zap.String("url", t.URL()),
	)

	var (
		refused string
		lastErr error
	)
	for _, s := range c.strategies {
		if !s.Supports(t) {
			log.Debug("Skipping unsupported strategy", zap.String("strategy", s.Name()), zap.Stringer("capabilities", t.Capabilities()))
			continue
		}
		if refused != "" {
			log.Info("Falling back to next strategy", zap.String("from", refused), zap.String("to", s.Name()))
			c.metrics.fallback(refused)
		}
		log.Debug("Attempting injection", zap.String("strategy", s.Name()))

		err := c.attempt(ctx, s, t, p)
		switch {
		case err == nil:
			c.metrics.attempt(s.Name(), "success")
			log.Info("Script injected", zap.String("strategy", s.Name()))
			return s.Name(), nil
		case ctx.Err() != nil:
			c.metrics.attempt(s.Name(), "cancelled")
			log.Debug("Injection cancelled", zap.String("strategy", s.Name()), zap.Error(ctx.Err()))
			return "", ctx.Err()
		case errors.Is(err, target.ErrAccessDenied):
			c.metrics.attempt(s.Name(), "denied")
			log.Warn("Strategy refused by target", zap.String("strategy", s.Name()), zap.Error(err))
		case errors.Is(err, context.DeadlineExceeded):
			c.metrics.attempt(s.Name(), "timeout")
			log.Warn("Strategy timed out", zap.String("strategy", s.Name()), zap.Duration("timeout", c.timeout), zap.Error(err))
		default:
			c.metrics.attempt(s.Name(), "error")
			log.Error("Injection failed", zap.String("strategy", s.Name()), zap.Error(err))
			return "", fmt.Errorf("%w: %s into %s via %s: %v", ErrInjectionFailed, p.Script.Name, t.Identity(), s.Name(), err)
		}
		refused, lastErr = s.Name(), err
	}

	if lastErr == nil {
		log.Error("No injection strategy supports target", zap.Stringer("capabilities", t.Capabilities()))
		return "", fmt.Errorf("%w: %s into %s: no strategy supports capabilities %s", ErrInjectionFailed, p.Script.Name, t.Identity(), t.Capabilities())
	}
	log.Error("All injection strategies exhausted", zap.Error(lastErr))
	return "", fmt.Errorf("%w: %s into %s: %v", ErrInjectionFailed, p.Script.Name, t.Identity(), lastErr)
}

func (c *Chain) attempt(ctx context.Context, s Strategy, t target.Target, p *target.Payload) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return s.Inject(ctx, t, p)
}
