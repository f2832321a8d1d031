// Package match confirms that a validated price file belongs to the
// hospital it was discovered for.
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/pricefinder/internal/config"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/resilience"
	"github.com/sells-group/pricefinder/pkg/anthropic"
)

const matchSystemPrompt = `You decide whether two hospital references describe the same facility.
Consider name variations, abbreviations, health-system branding, and location.

Respond with ONLY a JSON object: {"score": <0.0-1.0>, "rationale": "<one sentence>"}`

const matchUserPrompt = `Reference A (our record): %s, %s, %s
Reference B (found in file or page): %s, %s, %s`

// Candidate is a hospital reference extracted from a downloaded file or the
// page it was found on.
type Candidate struct {
	Name  string
	City  string
	State string
}

// Result is the outcome of matching one candidate.
type Result struct {
	Score   float64
	Matched bool
	Method  string // "exact", "alias", "variation", "fuzzy", "llm"
}

// Matcher scores hospital identity matches, escalating to the LLM only when
// the rule-based score lands too close to the threshold to trust.
type Matcher struct {
	llm       anthropic.Client
	model     string
	maxTokens int64
	breaker   *resilience.Breaker
	retryCfg  resilience.RetryConfig

	threshold float64
	llmBand   float64
	rules     *Rules
}

// New creates a Matcher. A nil llm disables escalation.
func New(llm anthropic.Client, aiCfg config.AnthropicConfig, cfg config.MatchConfig) *Matcher {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("anthropic", "match_hospital")

	return &Matcher{
		llm:       llm,
		model:     aiCfg.Model,
		maxTokens: int64(aiCfg.MaxTokens),
		breaker:   resilience.NewProviderBreaker("anthropic"),
		retryCfg:  retryCfg,
		threshold: cfg.HospitalMatchThreshold,
		llmBand:   cfg.LLMBand,
	}
}

// UseRules installs deployment-specific alias and abbreviation rules.
func (m *Matcher) UseRules(r *Rules) {
	m.rules = r
}

// Match scores how likely candidate refers to hospital h.
func (m *Matcher) Match(ctx context.Context, h *model.Hospital, candidate Candidate) (*Result, error) {
	score, method := m.ruleScore(h, candidate)

	// Uncertain rule scores get a second opinion. Confident ones, either
	// way, do not burn tokens.
	if m.llm != nil && math.Abs(score-m.threshold) < m.llmBand {
		llmScore, err := m.llmScore(ctx, h, candidate)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			zap.L().Warn("match escalation failed, keeping rule score",
				zap.String("hospital_id", h.ID),
				zap.Error(err),
			)
		case llmScore > 0.9:
			// A confident judge overrides the rules entirely.
			score = llmScore
			method = "llm"
		default:
			score = (score + llmScore) / 2
			method = "llm"
		}
	}

	return &Result{
		Score:   score,
		Matched: score >= m.threshold,
		Method:  method,
	}, nil
}

// ruleScore compares normalized names: exact 0.95, known variation 0.8,
// otherwise trigram similarity. Matching city adds 0.1, state 0.05.
func (m *Matcher) ruleScore(h *model.Hospital, candidate Candidate) (float64, string) {
	if strings.TrimSpace(candidate.Name) == "" {
		return 0, "fuzzy"
	}

	ourVariations := variationsFrom(m.rules.expand(normalizeName(h.Name)))
	theirVariations := variationsFrom(m.rules.expand(normalizeName(candidate.Name)))

	var score float64
	method := "fuzzy"

	switch {
	case ourVariations[0] == theirVariations[0]:
		score = 0.95
		method = "exact"
	case m.rules.aliasOf(h.Name, candidate.Name):
		score = 0.95
		method = "alias"
	case intersects(ourVariations, theirVariations):
		score = 0.8
		method = "variation"
	default:
		score = trigramSimilarity(ourVariations[0], theirVariations[0])
	}

	if candidate.City != "" && strings.EqualFold(strings.TrimSpace(candidate.City), strings.TrimSpace(h.City)) {
		score += 0.1
	}
	if candidate.State != "" && strings.EqualFold(strings.TrimSpace(candidate.State), strings.TrimSpace(h.State)) {
		score += 0.05
	}
	if score > 1 {
		score = 1
	}
	return score, method
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

func (m *Matcher) llmScore(ctx context.Context, h *model.Hospital, candidate Candidate) (float64, error) {
	prompt := fmt.Sprintf(matchUserPrompt,
		h.Name, h.City, h.State,
		candidate.Name, candidate.City, candidate.State,
	)

	resp, err := resilience.DoVal(ctx, m.retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.Guard(ctx, m.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return m.llm.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     m.model,
				MaxTokens: m.maxTokens,
				System:    matchSystemPrompt,
				Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
			})
		})
	})
	if err != nil {
		return 0, err
	}

	return parseMatchScore(resp.Text())
}

func parseMatchScore(text string) (float64, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}

	var result struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return 0, resilience.NewParseError("llm response", err)
	}
	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 1 {
		result.Score = 1
	}
	return result.Score, nil
}
