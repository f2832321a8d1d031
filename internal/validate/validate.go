// Package validate decides whether a downloaded file is a genuine
// machine-readable standard-charges file.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/pricefinder/internal/config"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/resilience"
	"github.com/sells-group/pricefinder/pkg/anthropic"
)

var priceValueRe = regexp.MustCompile(`^\s*\$?\s*\d+(?:[,.]\d+)*\s*$`)

var priceHeaderKeywords = []string{"price", "charge", "rate", "fee", "amount", "cash", "gross", "payer"}

var serviceHeaderKeywords = []string{"description", "service", "procedure", "cpt", "hcpcs", "drg", "code", "item", "ndc"}

const semanticSystemPrompt = `You review tabular data extracted from a file claimed to be a hospital's
machine-readable standard charges file under the CMS price transparency rule.
Judge whether the sample really is standard-charges data: service or billing
code descriptions paired with dollar amounts.

Respond with ONLY a JSON object: {"score": <0.0-1.0>, "rationale": "<one sentence>"}`

const semanticUserPrompt = `Hospital: %s

Column headers: %s

First rows:
%s`

// Result is the outcome of validating one downloaded file.
type Result struct {
	StructuralScore float64
	SemanticScore   float64
	Combined        float64
	Validated       bool
	Reason          string
}

// Validator scores downloaded files structurally and semantically.
type Validator struct {
	llm       anthropic.Client
	model     string
	maxTokens int64
	breaker   *resilience.Breaker
	retryCfg  resilience.RetryConfig

	minRows          int
	minPriceColumns  int
	structuralWeight float64
	threshold        float64
	sampleRows       int
}

// New creates a Validator. A nil llm disables semantic scoring; the
// structural score then stands in for both halves.
func New(llm anthropic.Client, aiCfg config.AnthropicConfig, cfg config.ValidateConfig) *Validator {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("anthropic", "validate_content")

	return &Validator{
		llm:              llm,
		model:            aiCfg.Model,
		maxTokens:        int64(aiCfg.MaxTokens),
		breaker:          resilience.NewProviderBreaker("anthropic"),
		retryCfg:         retryCfg,
		minRows:          cfg.MinRows,
		minPriceColumns:  cfg.MinPriceColumns,
		structuralWeight: cfg.StructuralWeight,
		threshold:        cfg.ContentValidationThreshold,
		sampleRows:       cfg.SampleRows,
	}
}

// Validate scores a downloaded file. Malformed files are a normal negative
// outcome: they come back with zero scores and a reason, not an error.
// Only context cancellation propagates as an error.
func (v *Validator) Validate(ctx context.Context, h *model.Hospital, path, fileType string) (*Result, error) {
	t, err := parseFile(path, fileType)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zap.L().Info("file failed to parse",
			zap.String("hospital_id", h.ID),
			zap.String("path", path),
			zap.Error(err),
		)
		return &Result{Reason: "unparseable: " + err.Error()}, nil
	}

	structural, reason := v.structuralScore(t)

	semantic := structural
	if v.llm != nil && structural > 0 {
		s, err := v.semanticScore(ctx, h, t)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			zap.L().Warn("semantic validation fell back to structural score",
				zap.String("hospital_id", h.ID),
				zap.String("path", path),
				zap.Error(err),
			)
		} else {
			semantic = s
		}
	}

	combined := v.structuralWeight*structural + (1-v.structuralWeight)*semantic

	return &Result{
		StructuralScore: structural,
		SemanticScore:   semantic,
		Combined:        combined,
		Validated:       combined >= v.threshold,
		Reason:          reason,
	}, nil
}

// structuralScore checks the table shape: price columns, a service or code
// column, enough rows, and price-like values where prices should be.
func (v *Validator) structuralScore(t *table) (float64, string) {
	priceCols := headerMatches(t.Headers, priceHeaderKeywords)
	serviceCols := headerMatches(t.Headers, serviceHeaderKeywords)

	var score float64
	var missing []string

	if len(priceCols) >= v.minPriceColumns {
		score += 0.3
	} else {
		missing = append(missing, "price columns")
	}
	if len(serviceCols) >= 1 {
		score += 0.2
	} else {
		missing = append(missing, "service column")
	}
	if t.TotalRows >= v.minRows {
		score += 0.25
	} else {
		missing = append(missing, fmt.Sprintf("rows (%d < %d)", t.TotalRows, v.minRows))
	}
	if priceValueFraction(t, priceCols) >= 0.5 {
		score += 0.25
	} else {
		missing = append(missing, "numeric price values")
	}

	reason := ""
	if len(missing) > 0 {
		reason = "missing " + strings.Join(missing, ", ")
	}
	return score, reason
}

func (v *Validator) semanticScore(ctx context.Context, h *model.Hospital, t *table) (float64, error) {
	sample := t.Rows
	if v.sampleRows > 0 && len(sample) > v.sampleRows {
		sample = sample[:v.sampleRows]
	}

	var sb strings.Builder
	for _, row := range sample {
		sb.WriteString(strings.Join(row, " | "))
		sb.WriteByte('\n')
	}

	prompt := fmt.Sprintf(semanticUserPrompt, h.Name, strings.Join(t.Headers, " | "), sb.String())

	resp, err := resilience.DoVal(ctx, v.retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.Guard(ctx, v.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return v.llm.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     v.model,
				MaxTokens: v.maxTokens,
				System:    semanticSystemPrompt,
				Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
			})
		})
	})
	if err != nil {
		return 0, err
	}

	return parseSemanticScore(resp.Text())
}

func parseSemanticScore(text string) (float64, error) {
	text = cleanJSON(text)

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

// cleanJSON extracts a JSON object from text that may contain markdown code
// fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
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

// headerMatches returns the column indexes whose header contains any keyword.
func headerMatches(headers, keywords []string) []int {
	var cols []int
	for i, h := range headers {
		lh := strings.ToLower(h)
		for _, kw := range keywords {
			if strings.Contains(lh, kw) {
				cols = append(cols, i)
				break
			}
		}
	}
	return cols
}

// priceValueFraction samples the candidate price columns and reports the
// fraction of non-empty values that look like prices.
func priceValueFraction(t *table, priceCols []int) float64 {
	if len(priceCols) == 0 {
		return 0
	}

	sample := t.Rows
	if len(sample) > 200 {
		sample = sample[:200]
	}

	var total, pricey int
	for _, row := range sample {
		for _, col := range priceCols {
			if col >= len(row) {
				continue
			}
			val := strings.TrimSpace(row[col])
			if val == "" {
				continue
			}
			total++
			if priceValueRe.MatchString(val) {
				pricey++
			}
		}
	}

	if total == 0 {
		return 0
	}
	return float64(pricey) / float64(total)
}
