// Package search turns a hospital record into ranked price-transparency
// page candidates using web search.
package search

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pricefinder/internal/config"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/resilience"
	"github.com/sells-group/pricefinder/pkg/serpapi"
)

// RetryRecorder is notified once per retried search attempt for a hospital.
type RetryRecorder func(hospitalID string, attempt int, err error)

// Adapter issues price-transparency searches for hospitals.
type Adapter struct {
	client     serpapi.Client
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
	maxResults int
	timeout    time.Duration
	retryCfg   resilience.RetryConfig
	recorder   RetryRecorder
}

// NewAdapter creates a search adapter. The limiter paces outbound queries
// across all workers sharing this adapter.
func NewAdapter(client serpapi.Client, cfg config.SearchConfig) *Adapter {
	retryCfg := resilience.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.MaxAttempts
	}
	retryCfg.OnRetry = resilience.RetryLogger("serpapi", "search")

	return &Adapter{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breaker:    resilience.NewProviderBreaker("serpapi"),
		maxResults: cfg.MaxResults,
		timeout:    time.Duration(cfg.TimeoutSecs) * time.Second,
		retryCfg:   retryCfg,
	}
}

// RecordRetries installs a callback invoked before each retried attempt, in
// addition to the standard retry log line. Used to keep rate-limit retries
// in the per-hospital audit trail.
func (a *Adapter) RecordRetries(fn RetryRecorder) {
	a.recorder = fn
}

// Search runs the transparency query for one hospital and returns ranked
// candidates. No matches is a normal outcome, not an error.
func (a *Adapter) Search(ctx context.Context, h *model.Hospital) ([]model.SearchCandidate, error) {
	query := h.SearchQuery()

	retryCfg := a.retryCfg
	if a.recorder != nil {
		base := retryCfg.OnRetry
		retryCfg.OnRetry = func(attempt int, err error) {
			if base != nil {
				base(attempt, err)
			}
			a.recorder(h.ID, attempt, err)
		}
	}

	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*serpapi.SearchResponse, error) {
		// Every attempt pays the limiter, so retries cannot outrun the
		// provider quota.
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "search: limiter wait")
		}
		return resilience.Guard(ctx, a.breaker, func(ctx context.Context) (*serpapi.SearchResponse, error) {
			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			return a.client.Search(callCtx, query, a.maxResults)
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "search: query")
	}

	now := time.Now().UTC()
	candidates := make([]model.SearchCandidate, 0, len(resp.OrganicResults))
	for _, r := range resp.OrganicResults {
		candidates = append(candidates, model.SearchCandidate{
			HospitalID:  h.ID,
			URL:         r.Link,
			Title:       r.Title,
			Snippet:     r.Snippet,
			Rank:        r.Position,
			RetrievedAt: now,
		})
	}

	zap.L().Debug("search complete",
		zap.String("hospital_id", h.ID),
		zap.String("query", query),
		zap.Int("results", len(candidates)),
	)

	return candidates, nil
}
