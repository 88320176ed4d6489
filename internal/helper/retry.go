package helper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig bounds an external call: at most Attempts tries, each limited to Timeout.
type RetryConfig struct {
	Name     string
	Attempts int
	Timeout  time.Duration
	Base     time.Duration
}

// Retry runs fn until it succeeds, the attempts are exhausted or ctx is done.
// Every attempt gets its own deadline so a hung call cannot block the caller.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return err
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}

		log.Debug().Err(err).Str("call", cfg.Name).Int("attempt", attempt+1).Int("max", attempts).Msg("External call failed")
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(RetryDelay(cfg.Base, attempt)):
		}
	}
	return err
}

// RetryDelay is exponential backoff from base, capped at 5s.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	d := base << attempt
	if d > 5*time.Second || d <= 0 {
		d = 5 * time.Second
	}
	return d
}
