// Package trace records how each field of an extraction was derived without
// ever keeping raw document text.
package trace

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// Redacted replaces every sensitive match.
	Redacted = "[REDACTED]"

	// Ellipsis marks truncated text.
	Ellipsis = "…"

	// DefaultMaxLength bounds free text kept in trace events.
	DefaultMaxLength = 80
)

type pattern struct {
	re        *regexp.Regexp
	minDigits int
}

// Order matters: emails and IBANs contain digit runs the card and phone
// patterns would otherwise split.
var sensitivePatterns = []pattern{
	{re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{re: regexp.MustCompile(`(?i)\b[A-Z]{2}\d{2}(?:[ ]?[A-Z0-9]{4}){2,7}(?:[ ]?[A-Z0-9]{1,4})?\b`), minDigits: 6},
	{re: regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`), minDigits: 13},
	{re: regexp.MustCompile(`(?:\+|\b00)\d[\d ()./\-]{6,}\d`), minDigits: 8},
	{re: regexp.MustCompile(`\b0\d[\d ()/\-]{5,}\d\b`), minDigits: 7},
	{re: regexp.MustCompile(`\(?\b\d{3}\)?[ .\-]?\d{3}[ .\-]\d{4}\b`), minDigits: 10},
}

// Line breaks fold into one space so an event stays on one line. Other
// whitespace is kept as is.
var lineBreaks = regexp.MustCompile(`[ \t]*[\r\n]+[ \t]*`)

// Sanitize redacts account numbers, card numbers, phone numbers and email
// addresses, folds line breaks and truncates the result to maxLength
// runes plus an ellipsis. maxLength <= 0 disables truncation. Text with
// nothing to redact and no line breaks comes back unchanged.
func Sanitize(text string, maxLength int) string {
	out := lineBreaks.ReplaceAllString(strings.Trim(text, "\r\n"), " ")
	for _, p := range sensitivePatterns {
		minDigits := p.minDigits
		out = p.re.ReplaceAllStringFunc(out, func(m string) string {
			if digits(m) < minDigits {
				return m
			}
			return Redacted
		})
	}
	if maxLength > 0 && utf8.RuneCountInString(out) > maxLength {
		runes := []rune(out)
		out = strings.TrimRight(string(runes[:maxLength]), " ") + Ellipsis
	}
	return out
}

func digits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
