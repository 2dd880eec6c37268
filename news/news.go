// Package news defines the ingestion/classification boundary. Ingestion,
// classification heuristics, and LLM adapters are pluggable and left to the
// caller — this package only specifies the collaborator shape and the rate
// limiter/fallback policy the orchestrator depends on.
package news

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/apollo-trading/futures-core/domain"
)

// Item is one ingested news item, prior to classification.
type Item struct {
	Headline   string
	Source     string
	PublishedAt time.Time
}

// Classification is the output of running an Item through a Classifier.
type Classification struct {
	Level             domain.NewsLevel
	Reason            string
	Confidence        float64
	SymbolsMentioned  []string
}

// Ingester fetches new items since the last poll. External; opaque.
type Ingester interface {
	Poll(ctx context.Context) ([]Item, error)
}

// Classifier scores one item. Implementations (LLM-backed or otherwise) are
// out of scope; this repo only specifies the fallback when one fails.
type Classifier interface {
	Classify(ctx context.Context, item Item) (Classification, error)
}

// RateLimiter wraps golang.org/x/time/rate, sized from the configured
// per-minute budget for classifier/ingester calls.
type RateLimiter struct {
	limiter *rate.Limiter
}

func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)}
}

func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// ClassifyWithFallback retries the classifier with backoff and falls back to
// a neutral LOW classification on exhaustion, so a classifier failure never
// blocks the strategy loop.
func ClassifyWithFallback(ctx context.Context, classifier Classifier, item Item, attempts int, backoff time.Duration) Classification {
	var lastErr error
	for i := 0; i < attempts; i++ {
		result, err := classifier.Classify(ctx, item)
		if err == nil {
			return result
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return neutralFallback(item, lastErr)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return neutralFallback(item, lastErr)
}

func neutralFallback(item Item, cause error) Classification {
	reason := "classifier unavailable, defaulting to neutral risk"
	if cause != nil {
		reason = reason + ": " + cause.Error()
	}
	return Classification{Level: domain.NewsLow, Reason: reason, Confidence: 0}
}
