// Package analyzer scores search candidates for likelihood of leading to a
// machine-readable standard-charges file.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/pricefinder/internal/config"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/resilience"
	"github.com/sells-group/pricefinder/pkg/anthropic"
)

const scoreSystemPrompt = `You evaluate web search results for a hospital price transparency pipeline.
Given a search result (URL, title, snippet) for a specific hospital, estimate the
probability that the page leads to the hospital's machine-readable standard
charges file (CSV, JSON, or XLSX, as required by the CMS price transparency rule).

Respond with ONLY a JSON object: {"score": <0.0-1.0>, "rationale": "<one sentence>"}`

const scoreUserPrompt = `Hospital: %s (%s, %s)

Search result:
URL: %s
Title: %s
Snippet: %s`

// Analyzer ranks search candidates by confidence.
type Analyzer struct {
	llm       anthropic.Client
	model     string
	maxTokens int64
	breaker   *resilience.Breaker
	retryCfg  resilience.RetryConfig

	threshold     float64
	maxCandidates int
}

// New creates an Analyzer.
func New(llm anthropic.Client, aiCfg config.AnthropicConfig, cfg config.AnalyzerConfig) *Analyzer {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("anthropic", "score_link")

	return &Analyzer{
		llm:           llm,
		model:         aiCfg.Model,
		maxTokens:     int64(aiCfg.MaxTokens),
		breaker:       resilience.NewProviderBreaker("anthropic"),
		retryCfg:      retryCfg,
		threshold:     cfg.LinkConfidenceThreshold,
		maxCandidates: cfg.MaxCrawlCandidates,
	}
}

// Analyze scores every candidate, drops those below the confidence
// threshold, and returns the top candidates ordered by score, then original
// search rank, then retrieval recency. When the LLM is unavailable or
// returns malformed output the heuristic score is used instead, so a judge
// outage degrades ranking quality rather than halting the batch.
func (a *Analyzer) Analyze(ctx context.Context, h *model.Hospital, candidates []model.SearchCandidate) ([]model.SearchCandidate, error) {
	scored := make([]model.SearchCandidate, 0, len(candidates))
	for i := range candidates {
		c := candidates[i]

		score, rationale, err := a.scoreLLM(ctx, h, &c)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			score = heuristicScore(c.URL, c.Title, c.Snippet)
			rationale = "heuristic fallback"
			zap.L().Warn("link scoring fell back to heuristic",
				zap.String("hospital_id", h.ID),
				zap.String("url", c.URL),
				zap.Error(err),
			)
		}

		c.Confidence = score
		c.Rationale = rationale
		if c.Confidence >= a.threshold {
			scored = append(scored, c)
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Confidence != scored[j].Confidence {
			return scored[i].Confidence > scored[j].Confidence
		}
		if scored[i].Rank != scored[j].Rank {
			return scored[i].Rank < scored[j].Rank
		}
		return scored[i].RetrievedAt.After(scored[j].RetrievedAt)
	})

	if a.maxCandidates > 0 && len(scored) > a.maxCandidates {
		scored = scored[:a.maxCandidates]
	}

	return scored, nil
}

func (a *Analyzer) scoreLLM(ctx context.Context, h *model.Hospital, c *model.SearchCandidate) (float64, string, error) {
	prompt := fmt.Sprintf(scoreUserPrompt, h.Name, h.City, h.State, c.URL, c.Title, c.Snippet)

	resp, err := resilience.DoVal(ctx, a.retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.Guard(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return a.llm.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     a.model,
				MaxTokens: a.maxTokens,
				System:    scoreSystemPrompt,
				Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
			})
		})
	})
	if err != nil {
		return 0, "", err
	}

	return parseScore(resp.Text())
}

func parseScore(text string) (float64, string, error) {
	text = cleanJSON(text)

	var result struct {
		Score     float64 `json:"score"`
		Rationale string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return 0, "", resilience.NewParseError("llm response", err)
	}

	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 1 {
		result.Score = 1
	}
	return result.Score, result.Rationale, nil
}

// cleanJSON extracts a JSON object from text that may contain markdown code
// fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// heuristicScore mirrors the judge's intent without a model call. Direct
// file links start at 0.5 and keywords in the URL or text add weight.
func heuristicScore(url, title, snippet string) float64 {
	lurl := strings.ToLower(url)
	ltext := strings.ToLower(title + " " + snippet)

	var score float64
	for _, ext := range []string{".csv", ".json", ".xlsx", ".xls"} {
		if strings.HasSuffix(lurl, ext) || strings.Contains(lurl, ext+"?") {
			score = 0.5
			break
		}
	}

	for _, kw := range []string{"price", "charge", "transparency", "standardcharges", "chargemaster", "cdm"} {
		if strings.Contains(lurl, kw) {
			score += 0.1
		}
	}
	for _, kw := range []string{"price transparency", "standard charges", "machine-readable", "chargemaster"} {
		if strings.Contains(ltext, kw) {
			score += 0.2
		}
	}
	if strings.Contains(ltext, "price") && strings.Contains(ltext, "transparency") {
		score += 0.3
	}

	if score > 1 {
		score = 1
	}
	return score
}
