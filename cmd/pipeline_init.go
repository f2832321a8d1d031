package main

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricefinder/internal/analyzer"
	"github.com/sells-group/pricefinder/internal/crawler"
	"github.com/sells-group/pricefinder/internal/download"
	"github.com/sells-group/pricefinder/internal/match"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/pipeline"
	"github.com/sells-group/pricefinder/internal/search"
	"github.com/sells-group/pricefinder/internal/tracker"
	"github.com/sells-group/pricefinder/internal/validate"
	anthropicpkg "github.com/sells-group/pricefinder/pkg/anthropic"
	"github.com/sells-group/pricefinder/pkg/renderfetch"
	"github.com/sells-group/pricefinder/pkg/serpapi"
)

// pipelineEnv holds the tracker and orchestrator used by the batch and
// reprocess commands.
type pipelineEnv struct {
	Tracker      tracker.Tracker
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Tracker != nil {
		_ = pe.Tracker.Close()
	}
}

// initPipeline sets up the tracker, all API clients, and the orchestrator.
// Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}

	tr, err := initTracker(ctx)
	if err != nil {
		return nil, err
	}

	serpClient := serpapi.NewClient(cfg.Serpapi.Key, serpapi.WithBaseURL(cfg.Serpapi.BaseURL))
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	var renderClient renderfetch.Client
	if cfg.RenderFetch.Key != "" {
		renderClient = renderfetch.NewClient(cfg.RenderFetch.Key, renderfetch.WithBaseURL(cfg.RenderFetch.BaseURL))
	}

	matcher := match.New(anthropicClient, cfg.Anthropic, cfg.Match)
	if cfg.Match.RulesPath != "" {
		rules, err := match.LoadRules(cfg.Match.RulesPath)
		if err != nil {
			_ = tr.Close()
			return nil, err
		}
		matcher.UseRules(rules)
	}

	searcher := search.NewAdapter(serpClient, cfg.Search)
	searcher.RecordRetries(func(hospitalID string, attempt int, err error) {
		_ = tr.LogEvent(ctx, &model.SearchLog{
			HospitalID: hospitalID,
			Stage:      model.StageSearch,
			Outcome:    model.OutcomeFailure,
			Detail:     fmt.Sprintf("retry %d: %v", attempt, err),
		})
	})

	orch := pipeline.New(
		cfg,
		tr,
		searcher,
		analyzer.New(anthropicClient, cfg.Anthropic, cfg.Analyzer),
		crawler.New(renderClient, cfg.Crawl),
		download.New(cfg.Download),
		validate.New(anthropicClient, cfg.Anthropic, cfg.Validate),
		matcher,
	)

	return &pipelineEnv{Tracker: tr, Orchestrator: orch}, nil
}

// initTracker opens the configured tracking backend and applies migrations.
func initTracker(ctx context.Context) (tracker.Tracker, error) {
	tr, err := tracker.New(ctx, cfg.Tracker)
	if err != nil {
		return nil, err
	}
	if err := tr.Migrate(ctx); err != nil {
		_ = tr.Close()
		return nil, eris.Wrap(err, "migrate tracker")
	}
	return tr, nil
}
