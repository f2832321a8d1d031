package match

import (
	"context"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricefinder/internal/config"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/pkg/anthropic"
)

type mockLLM struct {
	calls int
	fn    func() (*anthropic.MessageResponse, error)
}

func (m *mockLLM) CreateMessage(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m.calls++
	return m.fn()
}

func llmScoring(score float64) *mockLLM {
	return &mockLLM{fn: func() (*anthropic.MessageResponse, error) {
		return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{
			{Type: "text", Text: fmt.Sprintf(`{"score": %v, "rationale": "same facility"}`, score)},
		}}, nil
	}}
}

func newTestMatcher(llm anthropic.Client) *Matcher {
	m := New(llm,
		config.AnthropicConfig{Model: "claude-haiku-4-5-20251001", MaxTokens: 256},
		config.MatchConfig{HospitalMatchThreshold: 0.8, LLMBand: 0.15},
	)
	m.retryCfg.MaxAttempts = 1
	return m
}

func mercy() *model.Hospital {
	return &model.Hospital{ID: "h-1", Name: "Mercy General Hospital", City: "Sacramento", State: "CA"}
}

func TestMatch_ExactName(t *testing.T) {
	llm := llmScoring(0.5)
	m := newTestMatcher(llm)

	res, err := m.Match(context.Background(), mercy(), Candidate{
		Name: "Mercy General Hospital", City: "Sacramento", State: "CA",
	})

	require.NoError(t, err)
	assert.Equal(t, "exact", res.Method)
	assert.True(t, res.Matched)
	assert.InDelta(t, 1.0, res.Score, 0.011)
	assert.Zero(t, llm.calls, "confident rule score must not escalate")
}

func TestMatch_SuffixVariation(t *testing.T) {
	m := newTestMatcher(llmScoring(0.5))

	res, err := m.Match(context.Background(), mercy(), Candidate{
		Name: "Mercy General", City: "Sacramento", State: "CA",
	})

	require.NoError(t, err)
	assert.Equal(t, "variation", res.Method)
	assert.True(t, res.Matched)
}

func TestMatch_SaintAbbreviation(t *testing.T) {
	m := newTestMatcher(nil)
	h := &model.Hospital{ID: "h-2", Name: "Saint Joseph Medical Center", City: "Tacoma", State: "WA"}

	res, err := m.Match(context.Background(), h, Candidate{Name: "St. Joseph Medical Center"})

	require.NoError(t, err)
	assert.Equal(t, "exact", res.Method)
	assert.True(t, res.Matched)
}

func TestMatch_AccentInsensitive(t *testing.T) {
	m := newTestMatcher(nil)
	h := &model.Hospital{ID: "h-3", Name: "Hopital General", City: "Miami", State: "FL"}

	res, err := m.Match(context.Background(), h, Candidate{Name: "Hôpital Général"})

	require.NoError(t, err)
	assert.Equal(t, "exact", res.Method)
}

func TestMatch_DifferentHospitalRejected(t *testing.T) {
	m := newTestMatcher(nil)

	res, err := m.Match(context.Background(), mercy(), Candidate{
		Name: "Sutter Roseville Medical Center", City: "Roseville", State: "CA",
	})

	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Less(t, res.Score, 0.65)
}

func TestMatch_UncertainEscalatesToLLM(t *testing.T) {
	llm := llmScoring(0.95)
	m := newTestMatcher(llm)

	// Share enough trigrams with the reference to land near the threshold.
	res, err := m.Match(context.Background(), mercy(), Candidate{
		Name: "Mercy General Hosp of Sacramento", City: "Sacramento", State: "CA",
	})

	require.NoError(t, err)
	assert.Equal(t, 1, llm.calls)
	assert.Equal(t, "llm", res.Method)
	// A confident judge overrides the rule score.
	assert.InDelta(t, 0.95, res.Score, 0.001)
	assert.True(t, res.Matched)
}

func TestMatch_LLMFailureKeepsRuleScore(t *testing.T) {
	llm := &mockLLM{fn: func() (*anthropic.MessageResponse, error) {
		return nil, eris.New("anthropic: unavailable")
	}}
	m := newTestMatcher(llm)

	res, err := m.Match(context.Background(), mercy(), Candidate{
		Name: "Mercy General Hosp of Sacramento", City: "Sacramento", State: "CA",
	})

	require.NoError(t, err)
	assert.Equal(t, 1, llm.calls)
	assert.NotEqual(t, "llm", res.Method)
}

func TestMatch_EmptyCandidateName(t *testing.T) {
	m := newTestMatcher(nil)

	res, err := m.Match(context.Background(), mercy(), Candidate{})

	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Zero(t, res.Score)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Mercy General Hospital", "mercy general hospital"},
		{"St. Joseph's Medical Ctr.", "saint joseph s medical center"},
		{"MT. SINAI HOSP", "mount sinai hospital"},
		{"Barnes & Jewish", "barnes and jewish"},
		{"Hôpital Général", "hopital general"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeName(tt.in))
		})
	}
}

func TestNameVariations(t *testing.T) {
	vars := nameVariations("Mercy General Hospital")
	assert.Equal(t, "mercy general hospital", vars[0])
	assert.Contains(t, vars, "mercy general")

	vars = nameVariations("Sutter Memorial Medical Center")
	assert.Contains(t, vars, "sutter memorial")
	assert.Contains(t, vars, "sutter")
}

func TestTrigramSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, trigramSimilarity("mercy general", "mercy general"), 0.001)
	assert.Greater(t, trigramSimilarity("mercy general", "mercy genral"), 0.5)
	assert.Less(t, trigramSimilarity("mercy general", "sutter roseville"), 0.2)
	assert.Zero(t, trigramSimilarity("", "anything"))
}
