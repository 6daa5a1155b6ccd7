package matching

import (
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Legal form suffixes carry no signal when comparing counterparties.
var stopTokens = map[string]struct{}{
	"gmbh": {}, "ag": {}, "kg": {}, "ug": {}, "ltd": {}, "llc": {},
	"inc": {}, "co": {}, "sa": {}, "sarl": {}, "bv": {}, "plc": {},
}

// Normalize lowercases s, strips diacritics and punctuation, drops legal
// form suffixes and collapses whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)

	var kept []string
	for _, tok := range strings.Fields(folded) {
		if _, stop := stopTokens[tok]; stop {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

// Similarity scores two free text values in [0, 1]. A whole word
// containment of the shorter value scores 0.95; everything else uses the
// Levenshtein ratio of the normalized strings.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	short, long := na, nb
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) >= 3 && strings.Contains(" "+long+" ", " "+short+" ") {
		return 0.95
	}
	return levenshtein.RatioForStrings([]rune(na), []rune(nb), levenshtein.DefaultOptions)
}
