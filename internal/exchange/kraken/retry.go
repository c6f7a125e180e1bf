package kraken

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"kraken-manager/internal/core"
)

const DefaultMaxRetries = 3

// RetryPolicy repeats a single call immediately on transient network errors,
// server unavailability and stale nonces. Every attempt must build and sign a
// new request. Rate limits, malformed responses and rejections are returned
// on first sight.
type RetryPolicy struct {
	MaxRetries int
	Logger     *zap.Logger
}

// Attempt performs one signed or unsigned request.
type Attempt func(ctx context.Context) (json.RawMessage, error)

func (p RetryPolicy) Do(ctx context.Context, method string, attempt Attempt) (json.RawMessage, error) {
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tries := 0
	op := func() (json.RawMessage, error) {
		tries++
		res, err := attempt(ctx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !core.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			logger.Warn("kraken_call_retry",
				zap.String("method", method),
				zap.Int("attempt", tries),
				zap.String("outcome", string(Classify(err))),
				zap.Error(err))
		}),
	)
	if err == nil {
		return res, nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return nil, err
}
