package netutil

import (
	"context"
	"errors"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// RetryDownloader decorates a Downloader with bounded exponential retries.
type RetryDownloader struct {
	Inner    Downloader
	Attempts uint
	Delay    time.Duration
	Log      zerolog.Logger
}

// Download retries transient failures until attempts are spent or ctx ends.
// Status errors other than 429/5xx and request setup errors fail at once.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := r.Attempts
	if attempts == 0 {
		attempts = 1
	}

	return retry.DoWithData(
		func() ([]byte, error) {
			return r.Inner.Download(ctx, url)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(r.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(shouldRetry),
		retry.OnRetry(func(n uint, err error) {
			r.Log.Warn().Err(err).Uint("attempt", n+1).Str("url", url).Msg("download failed, retrying")
		}),
	)
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}

	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}
