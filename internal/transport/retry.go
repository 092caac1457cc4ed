package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Retrier wraps a Backend with bounded exponential-backoff retry on
// Put. Retry is per chunk: a transient failure re-sends only the
// current object, never the whole backup. When retries are exhausted
// the Put fails with ErrTransport and staged data stays in place.
type Retrier struct {
	Backend

	maxRetries   uint64
	chunkTimeout time.Duration
	logger       zerolog.Logger

	// OnRetry is invoked for each re-send attempt, used for metrics.
	OnRetry func()
}

// NewRetrier wraps the backend.
func NewRetrier(b Backend, maxRetries int, chunkTimeout time.Duration, logger zerolog.Logger) *Retrier {
	return &Retrier{
		Backend:      b,
		maxRetries:   uint64(maxRetries),
		chunkTimeout: chunkTimeout,
		logger:       logger.With().Str("component", "transport").Logger(),
	}
}

// Put uploads one object, retrying transient failures with exponential
// backoff. Each attempt is bounded by the per-chunk timeout.
func (r *Retrier) Put(ctx context.Context, backupID, name string, data []byte) error {
	attempt := 0
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.chunkTimeout)
		defer cancel()

		err := r.Backend.Put(attemptCtx, backupID, name, data)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Cancellation is not a transient failure.
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		if r.OnRetry != nil {
			r.OnRetry()
		}
		r.logger.Warn().
			Str("object", name).
			Int("attempt", attempt).
			Err(err).
			Msg("chunk upload failed, retrying")
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: upload %s after %d attempts: %v", ErrTransport, name, attempt+1, err)
	}
	return nil
}
