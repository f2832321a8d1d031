package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricefinder/internal/config"
	"github.com/sells-group/pricefinder/internal/crawler"
	"github.com/sells-group/pricefinder/internal/download"
	"github.com/sells-group/pricefinder/internal/match"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/resilience"
	"github.com/sells-group/pricefinder/internal/tracker"
	"github.com/sells-group/pricefinder/internal/validate"
)

// --- stage stubs ---

type stubSearcher struct {
	mu         sync.Mutex
	calls      int
	candidates []model.SearchCandidate
	err        error
}

func (s *stubSearcher) Search(_ context.Context, h *model.Hospital) ([]model.SearchCandidate, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]model.SearchCandidate, len(s.candidates))
	copy(out, s.candidates)
	for i := range out {
		out[i].HospitalID = h.ID
	}
	return out, nil
}

type stubAnalyzer struct {
	err error
}

func (s *stubAnalyzer) Analyze(_ context.Context, _ *model.Hospital, candidates []model.SearchCandidate) ([]model.SearchCandidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	return candidates, nil
}

type stubCrawler struct {
	mu    sync.Mutex
	calls int
	links map[string][]model.FileLink
	err   error
}

func (s *stubCrawler) Crawl(_ context.Context, candidate *model.SearchCandidate) ([]model.FileLink, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.links[candidate.URL], nil
}

type stubDownloader struct {
	err  error
	path string
}

func (s *stubDownloader) Fetch(_ context.Context, _ string, link *model.FileLink) (*download.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	path := s.path
	if path == "" {
		path = filepath.Join("/tmp", filepath.Base(link.URL))
	}
	return &download.Result{Path: path, Size: 2048, FileType: link.FileType}, nil
}

type stubValidator struct {
	result *validate.Result
	err    error
}

func (s *stubValidator) Validate(context.Context, *model.Hospital, string, string) (*validate.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubMatcher struct {
	mu       sync.Mutex
	received []match.Candidate
	result   *match.Result
}

func (s *stubMatcher) Match(_ context.Context, _ *model.Hospital, candidate match.Candidate) (*match.Result, error) {
	s.mu.Lock()
	s.received = append(s.received, candidate)
	s.mu.Unlock()
	return s.result, nil
}

// --- helpers ---

type fixture struct {
	tracker    *tracker.SQLiteTracker
	searcher   *stubSearcher
	crawler    *stubCrawler
	downloader *stubDownloader
	validator  *stubValidator
	matcher    *stubMatcher
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr, err := tracker.NewSQLite(filepath.Join(t.TempDir(), "test.db"), 30*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() }) //nolint:errcheck
	require.NoError(t, tr.Migrate(context.Background()))

	f := &fixture{
		tracker: tr,
		searcher: &stubSearcher{candidates: []model.SearchCandidate{
			{URL: "https://mercy.example.org/pricing", Title: "Price Transparency | Mercy General Hospital", Rank: 1, Confidence: 0.85},
		}},
		crawler: &stubCrawler{links: map[string][]model.FileLink{
			"https://mercy.example.org/pricing": {
				{URL: "https://mercy.example.org/123456789_mercy-general-hospital_standardcharges.csv", FileType: "csv", Score: 0.9},
			},
		}},
		downloader: &stubDownloader{path: "/tmp/123456789_mercy-general-hospital_standardcharges.csv"},
		validator:  &stubValidator{result: &validate.Result{StructuralScore: 0.9, SemanticScore: 0.85, Combined: 0.88, Validated: true}},
		matcher:    &stubMatcher{result: &match.Result{Score: 0.95, Matched: true, Method: "exact"}},
	}

	cfg := &config.Config{}
	cfg.Batch.Concurrency = 2
	cfg.Batch.ShutdownGraceSecs = 5
	cfg.Analyzer.EarlyStopConfidence = 0.9

	f.orch = New(cfg, tr, f.searcher, &stubAnalyzer{}, f.crawler, f.downloader, f.validator, f.matcher)
	return f
}

func (f *fixture) register(t *testing.T, ids ...string) {
	t.Helper()
	var hospitals []model.Hospital
	for _, id := range ids {
		hospitals = append(hospitals, model.Hospital{ID: id, Name: "Mercy General Hospital", City: "Sacramento", State: "CA"})
	}
	_, err := f.tracker.RegisterHospitals(context.Background(), hospitals)
	require.NoError(t, err)
}

func (f *fixture) claim(t *testing.T, id string) *model.Hospital {
	t.Helper()
	_, claimed, err := f.tracker.Claim(context.Background(), id)
	require.NoError(t, err)
	require.True(t, claimed)
	h, err := f.tracker.GetHospital(context.Background(), id)
	require.NoError(t, err)
	return h
}

func (f *fixture) status(t *testing.T, id string) model.DiscoveryState {
	t.Helper()
	h, err := f.tracker.GetHospital(context.Background(), id)
	require.NoError(t, err)
	return h.Status
}

// --- single hospital scenarios ---

func TestProcess_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.register(t, "h1")
	h := f.claim(t, "h1")

	_, err := f.orch.Process(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, model.StateFound, f.status(t, "h1"))

	files, err := f.tracker.GetFiles(context.Background(), "h1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Validated)
	assert.Equal(t, 0.9, files[0].StructuralScore)
	assert.Equal(t, 0.95, files[0].MatchScore)
	require.NotNil(t, files[0].ValidationDate)

	// Identity comes from the CMS filename convention, not the page title.
	require.Len(t, f.matcher.received, 1)
	assert.Equal(t, "mercy general hospital", f.matcher.received[0].Name)

	logs, err := f.tracker.GetLogs(context.Background(), "h1", 50)
	require.NoError(t, err)
	stages := make(map[model.Stage]bool)
	for _, l := range logs {
		stages[l.Stage] = true
	}
	for _, stage := range []model.Stage{model.StageSearch, model.StageAnalyze, model.StageCrawl, model.StageDownload, model.StageValidate, model.StageMatch} {
		assert.True(t, stages[stage], "missing log for stage %s", stage)
	}
}

func TestProcess_NoSearchResults(t *testing.T) {
	f := newFixture(t)
	f.searcher.candidates = nil
	f.register(t, "h1")
	h := f.claim(t, "h1")

	_, err := f.orch.Process(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, model.StateNotFound, f.status(t, "h1"))
	assert.Zero(t, f.crawler.calls)
}

func TestProcess_NoFileLinks(t *testing.T) {
	f := newFixture(t)
	f.crawler.links = nil
	f.register(t, "h1")
	h := f.claim(t, "h1")

	_, err := f.orch.Process(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, model.StateNotFound, f.status(t, "h1"))

	files, err := f.tracker.GetFiles(context.Background(), "h1")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestProcess_ValidationFails(t *testing.T) {
	f := newFixture(t)
	f.validator.result = &validate.Result{StructuralScore: 0.3, SemanticScore: 0.2, Combined: 0.25, Reason: "too few rows"}
	f.register(t, "h1")
	h := f.claim(t, "h1")

	_, err := f.orch.Process(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, model.StateNotFound, f.status(t, "h1"))

	// The rejected file is still recorded for audit.
	files, err := f.tracker.GetFiles(context.Background(), "h1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, files[0].Validated)
}

func TestProcess_MatchFails(t *testing.T) {
	f := newFixture(t)
	f.matcher.result = &match.Result{Score: 0.4, Matched: false, Method: "fuzzy"}
	f.register(t, "h1")
	h := f.claim(t, "h1")

	_, err := f.orch.Process(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, model.StateNotFound, f.status(t, "h1"))

	files, err := f.tracker.GetFiles(context.Background(), "h1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, files[0].Validated)
	assert.Equal(t, 0.4, files[0].MatchScore)
}

func TestProcess_SearchErrorMarksErrorAndReclaimable(t *testing.T) {
	f := newFixture(t)
	f.searcher.err = resilience.NewTransientError(eris.New("connection reset"), 0)
	f.register(t, "h1")
	h := f.claim(t, "h1")

	_, err := f.orch.Process(context.Background(), h)
	require.Error(t, err)

	assert.Equal(t, model.StateError, f.status(t, "h1"))

	// An errored hospital can be claimed again on the next batch.
	_, claimed, err := f.tracker.Claim(context.Background(), "h1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestProcess_EarlyStopSkipsLowerCandidates(t *testing.T) {
	f := newFixture(t)
	f.searcher.candidates = []model.SearchCandidate{
		{URL: "https://mercy.example.org/pricing", Title: "Pricing", Rank: 1, Confidence: 0.95},
		{URL: "https://other.example.org/pricing", Title: "Other", Rank: 2, Confidence: 0.7},
	}
	f.crawler.links = map[string][]model.FileLink{
		"https://mercy.example.org/pricing": {{URL: "https://mercy.example.org/charges.csv", FileType: "csv", Score: 0.9}},
		"https://other.example.org/pricing": {{URL: "https://other.example.org/charges.csv", FileType: "csv", Score: 0.9}},
	}
	f.validator.result = &validate.Result{StructuralScore: 0.3, Combined: 0.3, Reason: "too few rows"}
	f.register(t, "h1")
	h := f.claim(t, "h1")

	_, err := f.orch.Process(context.Background(), h)
	require.NoError(t, err)

	// First candidate is above the early-stop bar and produced a file, so
	// the second candidate is never crawled.
	assert.Equal(t, 1, f.crawler.calls)
	assert.Equal(t, model.StateNotFound, f.status(t, "h1"))
}

func TestProcess_SecondCandidateWins(t *testing.T) {
	f := newFixture(t)
	f.searcher.candidates = []model.SearchCandidate{
		{URL: "https://mercy.example.org/news", Title: "News", Rank: 1, Confidence: 0.8},
		{URL: "https://mercy.example.org/pricing", Title: "Price Transparency | Mercy General Hospital", Rank: 2, Confidence: 0.75},
	}
	// First candidate has no file links, second has the real file.
	f.crawler.links = map[string][]model.FileLink{
		"https://mercy.example.org/pricing": {
			{URL: "https://mercy.example.org/123456789_mercy-general-hospital_standardcharges.csv", FileType: "csv", Score: 0.9},
		},
	}
	f.register(t, "h1")
	h := f.claim(t, "h1")

	_, err := f.orch.Process(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, 2, f.crawler.calls)
	assert.Equal(t, model.StateFound, f.status(t, "h1"))
}

// --- batch scenarios ---

func TestRunBatch_ProcessesAllPending(t *testing.T) {
	f := newFixture(t)
	f.register(t, "h1", "h2", "h3")

	result, err := f.orch.RunBatch(context.Background(), nil, 10)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Zero(t, result.Errors)
	assert.Equal(t, 3, result.FilesFound)
	assert.Equal(t, 3, result.FilesValidated)
	for _, id := range []string{"h1", "h2", "h3"} {
		assert.Equal(t, model.StateFound, f.status(t, id))
	}
}

func TestRunBatch_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "h1")

	result, err := f.orch.RunBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	searches := f.searcher.calls

	// A second run finds nothing claimable and does no work.
	result, err = f.orch.RunBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Zero(t, result.Errors)
	assert.Equal(t, searches, f.searcher.calls)
}

func TestRunBatch_IndividualFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.searcher.err = resilience.NewTransientError(eris.New("upstream down"), 503)
	f.register(t, "h1", "h2")

	result, err := f.orch.RunBatch(context.Background(), nil, 10)
	require.NoError(t, err)

	assert.Zero(t, result.Processed)
	assert.Equal(t, 2, result.Errors)
	assert.Equal(t, model.StateError, f.status(t, "h1"))
	assert.Equal(t, model.StateError, f.status(t, "h2"))
}

func TestRunBatch_Limit(t *testing.T) {
	f := newFixture(t)
	f.register(t, "h1", "h2", "h3")

	result, err := f.orch.RunBatch(context.Background(), nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	pending, err := f.tracker.GetPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRunBatch_FileCountsAreBatchScoped(t *testing.T) {
	f := newFixture(t)
	f.register(t, "h1")

	result, err := f.orch.RunBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesFound)
	assert.Equal(t, 1, result.FilesValidated)

	// A later batch reports only its own files, not database totals.
	f.register(t, "h2")
	result, err = f.orch.RunBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.FilesFound)
	assert.Equal(t, 1, result.FilesValidated)
}

func TestRunBatch_ExplicitHospitalList(t *testing.T) {
	f := newFixture(t)
	f.register(t, "h1", "h2")

	h1, err := f.tracker.GetHospital(context.Background(), "h1")
	require.NoError(t, err)

	result, err := f.orch.RunBatch(context.Background(), []model.Hospital{*h1}, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, model.StateFound, f.status(t, "h1"))
	assert.Equal(t, model.StatePending, f.status(t, "h2"))
}

func TestProcess_RobotsDisallowedLogsSkip(t *testing.T) {
	f := newFixture(t)
	f.crawler.err = crawler.ErrRobotsDisallowed
	f.register(t, "h1")
	h := f.claim(t, "h1")

	_, err := f.orch.Process(context.Background(), h)
	require.NoError(t, err)

	// A blocked page is not a failure; the hospital ends terminal with an
	// auditable skip entry.
	assert.Equal(t, model.StateNotFound, f.status(t, "h1"))

	logs, err := f.tracker.GetLogs(context.Background(), "h1", 50)
	require.NoError(t, err)
	var skipped bool
	for _, l := range logs {
		if l.Stage == model.StageCrawl && l.Outcome == model.OutcomeSkipped {
			skipped = true
			assert.Contains(t, l.Detail, "robots.txt")
		}
	}
	assert.True(t, skipped)
}

func TestFileIdentity(t *testing.T) {
	cand := &model.SearchCandidate{Title: "Price Transparency | Mercy General Hospital"}

	got := fileIdentity("/data/123456789_mercy-general-hospital_standardcharges.csv", cand)
	assert.Equal(t, "mercy general hospital", got.Name)

	// Files outside the CMS convention fall back to the page title.
	got = fileIdentity("/data/charges.csv", cand)
	assert.Equal(t, cand.Title, got.Name)
}
