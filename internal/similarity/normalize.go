// Package similarity scores textual and fare-vector likeness between
// candidate entities and selects the best candidate per anchor.
package similarity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// tollPrefixes are leading words that carry no identity in tollbooth names.
// Longer entries come first so "PLAZA DE COBRO" wins over "PLAZA".
var tollPrefixes = []string{
	"CASETA DE COBRO ",
	"PLAZA DE COBRO ",
	"CASETA DE PEAJE ",
	"CASETA ",
	"PLAZA ",
	"PC ",
	"CAS ",
}

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	numberTagRe  = regexp.MustCompile(`^(NO|NUM|N)\s*\d+\s+`)
)

// NormalizeName standardizes a tollbooth or stretch name for comparison:
//  1. Folding accents (ó becomes O)
//  2. Converting to uppercase
//  3. Stripping punctuation
//  4. Removing leading "plaza de cobro"/"caseta" boilerplate and number tags
//  5. Collapsing whitespace
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = strings.ToUpper(foldAccents(name))

	name = strings.NewReplacer(
		",", " ",
		".", "",
		"'", "",
		"\"", "",
		"#", "",
		"&", " Y ",
		"-", " ",
		"/", " ",
		"(", " ",
		")", " ",
	).Replace(name)
	name = multiSpaceRe.ReplaceAllString(strings.TrimSpace(name), " ")

	for _, p := range tollPrefixes {
		if strings.HasPrefix(name, p) {
			name = strings.TrimPrefix(name, p)
			break
		}
	}
	name = numberTagRe.ReplaceAllString(name, "")

	return strings.TrimSpace(name)
}

// foldAccents removes combining marks after canonical decomposition.
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Tokens splits a normalized name into its distinct words.
func Tokens(s string) []string {
	fields := strings.Fields(s)
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
