package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/worldsync/internal/credential"
)

// Hooks observe engine activity. Nil hooks are skipped.
type Hooks struct {
	OnRetry    func(source string, attempt int, err error)
	OnCooldown func(source string, wait time.Duration)
}

// Engine gates and retries requests for one source
type Engine struct {
	desc    Descriptor
	limiter *rate.Limiter
	logger  *slog.Logger
	hooks   Hooks
	sleep   func(context.Context, time.Duration) error

	retries   int
	cooldowns int
}

// Option configures an Engine
type Option func(*Engine)

// WithHooks installs observation hooks
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithSleep replaces the backoff sleep, used by tests
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// NewEngine creates an engine for desc
func NewEngine(desc Descriptor, logger *slog.Logger, opts ...Option) *Engine {
	limit := rate.Inf
	if desc.MinInterval > 0 {
		limit = rate.Every(desc.MinInterval)
	}

	e := &Engine{
		desc:    desc,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("adapter", desc.Name),
		sleep:   Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn behind the rate gate, retrying transient failures with
// exponential backoff. Authentication and permanent errors return at once.
func (e *Engine) Do(ctx context.Context, fn func(context.Context) error) error {
	policy := e.desc.Retry
	retries := 0
	cooldowns := 0

	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate gate: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if credential.IsAuthError(err) || IsPermanent(err) {
			return err
		}

		var overloaded *OverloadedError
		if errors.As(err, &overloaded) && policy.MaxCooldowns > 0 {
			if cooldowns >= policy.MaxCooldowns {
				return fmt.Errorf("%w: still overloaded after %d cooldowns: %w", ErrRetriesExhausted, cooldowns, err)
			}
			cooldowns++
			e.cooldowns++

			wait := max(overloaded.Cooldown, policy.OverloadCooldown)
			e.logger.Warn("source overloaded, cooling down",
				"cooldown", wait,
				"cooldowns", cooldowns,
				"error", err)
			if e.hooks.OnCooldown != nil {
				e.hooks.OnCooldown(e.desc.Name, wait)
			}

			if err := e.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if retries >= policy.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, retries+1, err)
		}
		retries++
		e.retries++

		delay := policy.Backoff(retries)
		e.logger.Warn("request failed, retrying",
			"attempt", retries,
			"max_retries", policy.MaxRetries,
			"delay", delay,
			"error", err)
		if e.hooks.OnRetry != nil {
			e.hooks.OnRetry(e.desc.Name, retries, err)
		}

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
