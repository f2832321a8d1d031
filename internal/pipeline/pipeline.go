package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricefinder/internal/config"
	"github.com/sells-group/pricefinder/internal/crawler"
	"github.com/sells-group/pricefinder/internal/download"
	"github.com/sells-group/pricefinder/internal/match"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/tracker"
	"github.com/sells-group/pricefinder/internal/validate"
)

// Searcher finds candidate pages for a hospital's price transparency file.
type Searcher interface {
	Search(ctx context.Context, h *model.Hospital) ([]model.SearchCandidate, error)
}

// Analyzer scores and filters search candidates.
type Analyzer interface {
	Analyze(ctx context.Context, h *model.Hospital, candidates []model.SearchCandidate) ([]model.SearchCandidate, error)
}

// Crawler extracts machine-readable file links from a candidate page.
type Crawler interface {
	Crawl(ctx context.Context, candidate *model.SearchCandidate) ([]model.FileLink, error)
}

// Downloader fetches a file link to local disk.
type Downloader interface {
	Fetch(ctx context.Context, hospitalID string, link *model.FileLink) (*download.Result, error)
}

// Validator scores a downloaded file as a price transparency dataset.
type Validator interface {
	Validate(ctx context.Context, h *model.Hospital, path, fileType string) (*validate.Result, error)
}

// Matcher confirms a file or page belongs to the hospital being processed.
type Matcher interface {
	Match(ctx context.Context, h *model.Hospital, candidate match.Candidate) (*match.Result, error)
}

// Orchestrator drives the discovery pipeline for individual hospitals and
// whole batches: claim, search, analyze, crawl, download, validate, match.
type Orchestrator struct {
	tracker    tracker.Tracker
	searcher   Searcher
	analyzer   Analyzer
	crawler    Crawler
	downloader Downloader
	validator  Validator
	matcher    Matcher

	concurrency int
	grace       time.Duration
	earlyStop   float64
}

// New creates an Orchestrator with all stage dependencies.
func New(
	cfg *config.Config,
	tr tracker.Tracker,
	searcher Searcher,
	analyzer Analyzer,
	crawler Crawler,
	downloader Downloader,
	validator Validator,
	matcher Matcher,
) *Orchestrator {
	return &Orchestrator{
		tracker:     tr,
		searcher:    searcher,
		analyzer:    analyzer,
		crawler:     crawler,
		downloader:  downloader,
		validator:   validator,
		matcher:     matcher,
		concurrency: cfg.Batch.Concurrency,
		grace:       time.Duration(cfg.Batch.ShutdownGraceSecs) * time.Second,
		earlyStop:   cfg.Analyzer.EarlyStopConfidence,
	}
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	Processed      int
	FilesFound     int
	FilesValidated int
	Errors         int
	StartTime      time.Time
	EndTime        time.Time
}

// ProcessResult counts the files recorded while processing one hospital.
type ProcessResult struct {
	Files     int
	Validated int
}

// RunBatch claims and processes hospitals with bounded concurrency. An
// explicit hospital list takes precedence; with a nil list the batch draws
// up to limit claimable hospitals from the tracker. Individual failures are
// recorded against the hospital and do not abort the batch.
func (o *Orchestrator) RunBatch(ctx context.Context, hospitals []model.Hospital, limit int) (*BatchResult, error) {
	result := &BatchResult{StartTime: time.Now().UTC()}

	if hospitals == nil {
		var err error
		hospitals, err = o.tracker.GetPending(ctx, limit)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: get pending")
		}
	}
	if len(hospitals) == 0 {
		zap.L().Info("pipeline: no pending hospitals")
		result.EndTime = time.Now().UTC()
		return result, nil
	}

	zap.L().Info("pipeline: processing batch",
		zap.Int("hospitals", len(hospitals)),
		zap.Int("concurrency", o.concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	var processed, errs, filesFound, filesValidated atomic.Int64
	for i := range hospitals {
		h := hospitals[i]
		g.Go(func() error {
			log := zap.L().With(zap.String("hospital_id", h.ID), zap.String("hospital", h.Name))

			epoch, claimed, claimErr := o.tracker.Claim(gctx, h.ID)
			if claimErr != nil {
				errs.Add(1)
				log.Error("pipeline: claim failed", zap.Error(claimErr))
				return nil
			}
			if !claimed {
				log.Debug("pipeline: already claimed by another worker")
				return nil
			}
			h.ClaimEpoch = epoch
			o.logEvent(gctx, h.ID, model.StageClaim, model.OutcomeSuccess, "")

			pres, procErr := o.Process(gctx, &h)
			filesFound.Add(int64(pres.Files))
			filesValidated.Add(int64(pres.Validated))
			if procErr != nil {
				errs.Add(1)
				log.Error("pipeline: hospital failed", zap.Error(procErr))
				return nil // don't abort batch on individual failure
			}
			processed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result.Processed = int(processed.Load())
	result.Errors = int(errs.Load())
	result.FilesFound = int(filesFound.Load())
	result.FilesValidated = int(filesValidated.Load())
	result.EndTime = time.Now().UTC()

	zap.L().Info("pipeline: batch complete",
		zap.Int("processed", result.Processed),
		zap.Int("errors", result.Errors),
		zap.Int("files_found", result.FilesFound),
		zap.Duration("elapsed", result.EndTime.Sub(result.StartTime)),
	)
	return result, nil
}

// Process runs the discovery flow for a single claimed hospital, reporting
// how many files it recorded. The caller must have claimed the hospital and
// set its claim epoch. On failure the hospital is marked error so a later
// batch can reclaim it; the mark is written on a detached context so
// shutdown cancellation cannot lose it.
func (o *Orchestrator) Process(ctx context.Context, h *model.Hospital) (ProcessResult, error) {
	state := model.StateSearching
	var res ProcessResult
	err := o.discover(ctx, h, &state, &res)
	if err == nil {
		return res, nil
	}

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.grace)
	defer cancel()
	if terr := o.tracker.Transition(mctx, h.ID, state, model.StateError, h.ClaimEpoch); terr != nil {
		zap.L().Warn("pipeline: mark error failed",
			zap.String("hospital_id", h.ID), zap.Error(terr))
	}
	return res, err
}

func (o *Orchestrator) discover(ctx context.Context, h *model.Hospital, state *model.DiscoveryState, res *ProcessResult) error {
	log := zap.L().With(zap.String("hospital_id", h.ID), zap.String("hospital", h.Name))

	candidates, err := o.searcher.Search(ctx, h)
	if err != nil {
		o.logEvent(ctx, h.ID, model.StageSearch, model.OutcomeFailure, err.Error())
		return eris.Wrap(err, "pipeline: search")
	}
	o.logEvent(ctx, h.ID, model.StageSearch, model.OutcomeSuccess, fmt.Sprintf("%d results", len(candidates)))
	if len(candidates) == 0 {
		return o.finish(ctx, h, state, false, "no search results")
	}

	ranked, err := o.analyzer.Analyze(ctx, h, candidates)
	if err != nil {
		o.logEvent(ctx, h.ID, model.StageAnalyze, model.OutcomeFailure, err.Error())
		return eris.Wrap(err, "pipeline: analyze")
	}
	o.logEvent(ctx, h.ID, model.StageAnalyze, model.OutcomeSuccess, fmt.Sprintf("%d candidates above threshold", len(ranked)))
	if len(ranked) == 0 {
		return o.finish(ctx, h, state, false, "no candidates above threshold")
	}

	if err := o.advance(ctx, h, state, model.StateCandidatesFound); err != nil {
		return err
	}

	validated := false
	for i := range ranked {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "pipeline: canceled")
		}
		cand := &ranked[i]

		links, crawlErr := o.crawler.Crawl(ctx, cand)
		if errors.Is(crawlErr, crawler.ErrRobotsDisallowed) {
			o.logEvent(ctx, h.ID, model.StageCrawl, model.OutcomeSkipped, "robots.txt disallows "+cand.URL)
			continue
		}
		if crawlErr != nil {
			o.logEvent(ctx, h.ID, model.StageCrawl, model.OutcomeFailure, crawlErr.Error())
			if ctx.Err() != nil {
				return eris.Wrap(crawlErr, "pipeline: crawl")
			}
			log.Warn("pipeline: crawl failed, trying next candidate",
				zap.String("url", cand.URL), zap.Error(crawlErr))
			continue
		}
		o.logEvent(ctx, h.ID, model.StageCrawl, model.OutcomeSuccess,
			fmt.Sprintf("%d file links on %s", len(links), cand.URL))
		if len(links) == 0 {
			continue
		}

		if err := o.advance(ctx, h, state, model.StateDownloading); err != nil {
			return err
		}

		downloads := 0
		for j := range links {
			link := &links[j]
			fileValidated, dlErr := o.handleLink(ctx, h, state, cand, link, res)
			if dlErr != nil {
				if ctx.Err() != nil {
					return dlErr
				}
				continue
			}
			downloads++
			if fileValidated {
				validated = true
				break
			}
		}
		if validated {
			break
		}
		// A high-confidence candidate that yielded real files settles the
		// question even when none validated. Lower-ranked candidates would
		// only add noise.
		if downloads > 0 && cand.Confidence >= o.earlyStop {
			log.Info("pipeline: early stop after high-confidence candidate",
				zap.String("url", cand.URL), zap.Float64("confidence", cand.Confidence))
			break
		}
	}

	return o.finish(ctx, h, state, validated, "")
}

// handleLink downloads, validates, matches, and records one file link. It
// reports whether the file passed both content validation and identity match.
func (o *Orchestrator) handleLink(ctx context.Context, h *model.Hospital, state *model.DiscoveryState, cand *model.SearchCandidate, link *model.FileLink, res *ProcessResult) (bool, error) {
	dres, err := o.downloader.Fetch(ctx, h.ID, link)
	if err != nil {
		o.logEvent(ctx, h.ID, model.StageDownload, model.OutcomeFailure, fmt.Sprintf("%s: %s", link.URL, err.Error()))
		return false, eris.Wrap(err, "pipeline: download")
	}
	o.logEvent(ctx, h.ID, model.StageDownload, model.OutcomeSuccess,
		fmt.Sprintf("%s (%d bytes)", link.URL, dres.Size))

	if err := o.advance(ctx, h, state, model.StateValidating); err != nil {
		return false, err
	}

	vres, err := o.validator.Validate(ctx, h, dres.Path, dres.FileType)
	if err != nil {
		o.logEvent(ctx, h.ID, model.StageValidate, model.OutcomeFailure, err.Error())
		return false, eris.Wrap(err, "pipeline: validate")
	}

	mres, err := o.matcher.Match(ctx, h, fileIdentity(dres.Path, cand))
	if err != nil {
		o.logEvent(ctx, h.ID, model.StageMatch, model.OutcomeFailure, err.Error())
		return false, eris.Wrap(err, "pipeline: match")
	}

	file := &model.PriceFile{
		HospitalID:      h.ID,
		FileURL:         link.URL,
		FileType:        dres.FileType,
		DownloadedPath:  dres.Path,
		FileSize:        dres.Size,
		StructuralScore: vres.StructuralScore,
		SemanticScore:   vres.SemanticScore,
		MatchScore:      mres.Score,
		Validated:       vres.Validated && mres.Matched,
	}
	if file.Validated {
		now := time.Now().UTC()
		file.ValidationDate = &now
	}
	if err := o.tracker.RecordFile(ctx, file); err != nil {
		return false, eris.Wrap(err, "pipeline: record file")
	}
	res.Files++
	if file.Validated {
		res.Validated++
	}

	outcome := model.OutcomeFailure
	detail := vres.Reason
	if vres.Validated {
		outcome = model.OutcomeSuccess
		detail = fmt.Sprintf("combined %.2f", vres.Combined)
	}
	o.logEvent(ctx, h.ID, model.StageValidate, outcome, detail)

	outcome = model.OutcomeFailure
	if mres.Matched {
		outcome = model.OutcomeSuccess
	}
	o.logEvent(ctx, h.ID, model.StageMatch, outcome, fmt.Sprintf("%.2f via %s", mres.Score, mres.Method))

	return file.Validated, nil
}

// advance moves the hospital forward to next if it is not already there or
// further along. States only move forward within a run.
func (o *Orchestrator) advance(ctx context.Context, h *model.Hospital, state *model.DiscoveryState, next model.DiscoveryState) error {
	if *state == next || !model.CanTransition(*state, next) {
		return nil
	}
	if err := o.tracker.Transition(ctx, h.ID, *state, next, h.ClaimEpoch); err != nil {
		return eris.Wrapf(err, "pipeline: advance to %s", next)
	}
	*state = next
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, h *model.Hospital, state *model.DiscoveryState, validated bool, reason string) error {
	final := model.StateNotFound
	if validated {
		final = model.StateFound
	}
	if err := o.tracker.Transition(ctx, h.ID, *state, final, h.ClaimEpoch); err != nil {
		return eris.Wrapf(err, "pipeline: finish %s", final)
	}
	*state = final

	zap.L().Info("pipeline: hospital complete",
		zap.String("hospital_id", h.ID),
		zap.String("status", string(final)),
		zap.String("reason", reason),
	)
	return nil
}

func (o *Orchestrator) logEvent(ctx context.Context, hospitalID string, stage model.Stage, outcome model.Outcome, detail string) {
	err := o.tracker.LogEvent(ctx, &model.SearchLog{
		HospitalID: hospitalID,
		Stage:      stage,
		Outcome:    outcome,
		Detail:     detail,
	})
	if err != nil {
		zap.L().Warn("pipeline: log event failed",
			zap.String("hospital_id", hospitalID), zap.Error(err))
	}
}

// fileIdentity derives the identity to match against from the CMS naming
// convention <ein>_<hospital-name>_standardcharges.<ext> when the downloaded
// file follows it, falling back to the candidate page title.
func fileIdentity(path string, cand *model.SearchCandidate) match.Candidate {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	parts := strings.Split(base, "_")
	if len(parts) >= 3 && strings.EqualFold(parts[len(parts)-1], "standardcharges") {
		name := strings.Join(parts[1:len(parts)-1], " ")
		name = strings.ReplaceAll(name, "-", " ")
		return match.Candidate{Name: name}
	}
	return match.Candidate{Name: cand.Title}
}
