package match

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rules extend the built-in matching heuristics with deployment-specific
// knowledge: extra abbreviation expansions and known aliases for hospitals
// whose file names never resemble their registry names (rebrands, former
// names, health-system branding).
type Rules struct {
	Abbreviations map[string]string   `yaml:"abbreviations"`
	Aliases       map[string][]string `yaml:"aliases"`

	// normalized alias sets keyed by normalized hospital name
	aliasIndex map[string]map[string]bool
}

// LoadRules reads match rules from a YAML file with a top-level "match" key.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "match: read rules %s", path)
	}

	var wrapper struct {
		Match Rules `yaml:"match"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "match: parse rules")
	}

	r := &wrapper.Match
	lowered := make(map[string]string, len(r.Abbreviations))
	for abbr, full := range r.Abbreviations {
		lowered[strings.ToLower(strings.TrimSpace(abbr))] = normalizeName(full)
	}
	r.Abbreviations = lowered

	r.aliasIndex = make(map[string]map[string]bool, len(r.Aliases))
	for name, aliases := range r.Aliases {
		set := make(map[string]bool, len(aliases))
		for _, alias := range aliases {
			set[r.expand(normalizeName(alias))] = true
		}
		r.aliasIndex[normalizeName(name)] = set
	}

	return r, nil
}

// expand applies the custom abbreviation expansions to an already
// normalized name.
func (r *Rules) expand(name string) string {
	if r == nil || len(r.Abbreviations) == 0 {
		return name
	}
	words := strings.Fields(name)
	for i, w := range words {
		if full, ok := r.Abbreviations[w]; ok {
			words[i] = full
		}
	}
	return strings.Join(words, " ")
}

// aliasOf reports whether candidate is a configured alias of hospital.
func (r *Rules) aliasOf(hospital, candidate string) bool {
	if r == nil || len(r.aliasIndex) == 0 {
		return false
	}
	set, ok := r.aliasIndex[normalizeName(hospital)]
	if !ok {
		return false
	}
	return set[r.expand(normalizeName(candidate))]
}
