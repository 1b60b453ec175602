package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"creative-engine/internal/render"
	"creative-engine/internal/retry"
	"creative-engine/internal/telemetry"
)

// RateLimiter gates upload throughput. Wait blocks until the caller may
// proceed. A nil limiter on the Publisher disables the cap.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}

// Reference is the durable pointer to one published creative.
type Reference struct {
	StorageKey string
	CDNURL     string
}

// PublishParams identify where a buffer lands. The storage key derives from
// these identifiers alone, never from content, so re-running a failed item
// overwrites any prior partial result instead of colliding beside it.
type PublishParams struct {
	TeamID     string
	BatchID    string
	CreativeID string
	Format     string
}

// Publisher uploads encoded buffers under deterministic keys with bounded
// retries and an upload rate cap shared across workers.
type Publisher struct {
	uploader   Uploader
	limiter    RateLimiter
	maxRetries int
	backoff    time.Duration
	backoffMax time.Duration
	logger     zerolog.Logger
}

// NewPublisher wraps an uploader. maxRetries bounds upload attempts beyond
// the first; backoff/backoffMax shape the retry delays.
func NewPublisher(uploader Uploader, limiter RateLimiter, maxRetries int, backoff, backoffMax time.Duration, logger zerolog.Logger) *Publisher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	return &Publisher{
		uploader:   uploader,
		limiter:    limiter,
		maxRetries: maxRetries,
		backoff:    backoff,
		backoffMax: backoffMax,
		logger:     logger,
	}
}

// Key returns the deterministic, collision-free storage key for params.
func Key(p PublishParams) string {
	return path.Join(
		"teams", sanitizeSegment(p.TeamID),
		"batches", sanitizeSegment(p.BatchID),
		"creatives", sanitizeSegment(p.CreativeID)+"."+render.Extension(p.Format),
	)
}

// Publish uploads body under the derived key, retrying transient failures
// with backoff. A persistent failure is returned to the caller as an error,
// never a crash.
func (p *Publisher) Publish(ctx context.Context, body []byte, params PublishParams) (Reference, error) {
	key := Key(params)
	contentType := render.ContentType(params.Format)

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			telemetry.UploadRetries.Inc()
			select {
			case <-ctx.Done():
				return Reference{}, ctx.Err()
			case <-time.After(retry.BackoffWithJitter(p.backoff, p.backoffMax, attempt)):
			}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx, "rl:uploads"); err != nil {
				return Reference{}, fmt.Errorf("upload rate limit: %w", err)
			}
		}
		url, err := p.uploader.Upload(ctx, key, body, contentType)
		if err == nil {
			return Reference{StorageKey: key, CDNURL: url}, nil
		}
		lastErr = err
		p.logger.Warn().Err(err).Str("key", key).Int("attempt", attempt+1).Msg("upload failed")
	}
	return Reference{}, fmt.Errorf("upload %s: %w", key, lastErr)
}

func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "..", "-")
	if s == "" {
		return "unknown"
	}
	return s
}
