package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes diacritics so "Hôpital Général" compares equal to
// "Hopital General".
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// corporateSuffixes are dropped when building name variations.
var corporateSuffixes = []string{
	"hospital", "medical center", "health center", "health system",
	"healthcare", "health", "clinic", "regional", "community",
	"memorial", "inc", "llc", "corp", "corporation",
}

// abbreviations expand common shorthand before comparison.
var abbreviations = map[string]string{
	"st":    "saint",
	"st.":   "saint",
	"mt":    "mount",
	"mt.":   "mount",
	"ctr":   "center",
	"ctr.":  "center",
	"med":   "medical",
	"med.":  "medical",
	"hosp":  "hospital",
	"hosp.": "hospital",
	"univ":  "university",
	"univ.": "university",
	"gen":   "general",
	"gen.":  "general",
	"&":     "and",
}

// normalizeName lowercases, strips accents and punctuation, expands
// abbreviations, and collapses whitespace.
func normalizeName(name string) string {
	s, _, err := transform.String(stripMarks, name)
	if err != nil {
		s = name
	}
	s = strings.ToLower(s)

	var sb strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '&':
			sb.WriteRune(r)
		case r == '.':
			sb.WriteRune(r) // kept so "st." can be expanded below
		default:
			sb.WriteByte(' ')
		}
	}

	words := strings.Fields(sb.String())
	for i, w := range words {
		if full, ok := abbreviations[w]; ok {
			words[i] = full
		} else {
			words[i] = strings.TrimSuffix(w, ".")
		}
	}
	return strings.Join(words, " ")
}

// nameVariations returns the normalized name plus progressively
// suffix-stripped forms, most specific first.
func nameVariations(name string) []string {
	return variationsFrom(normalizeName(name))
}

func variationsFrom(base string) []string {
	seen := map[string]bool{base: true}
	out := []string{base}

	current := base
	for stripped := stripOneSuffix(current); stripped != current && stripped != ""; stripped = stripOneSuffix(current) {
		current = stripped
		if !seen[current] {
			seen[current] = true
			out = append(out, current)
		}
	}
	return out
}

func stripOneSuffix(name string) string {
	for _, suffix := range corporateSuffixes {
		if strings.HasSuffix(name, " "+suffix) {
			return strings.TrimSpace(strings.TrimSuffix(name, " "+suffix))
		}
	}
	return name
}

// trigramSimilarity is the Jaccard similarity of the two names' trigram
// sets, the same measure pg_trgm uses.
func trigramSimilarity(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		if a == b {
			return 1
		}
		return 0
	}

	var shared int
	for g := range ta {
		if tb[g] {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	return float64(shared) / float64(union)
}

func trigrams(s string) map[string]bool {
	out := make(map[string]bool)
	for _, word := range strings.Fields(s) {
		padded := "  " + word + " "
		for i := 0; i+3 <= len(padded); i++ {
			out[padded[i:i+3]] = true
		}
	}
	return out
}
