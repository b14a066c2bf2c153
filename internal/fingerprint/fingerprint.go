// Package fingerprint derives stable content fingerprints used to skip
// re-scoring content that has not changed since its last successful analysis.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalization regexes compiled once at package init.
var (
	reHTMLTag    = regexp.MustCompile(`<[^>]*>`)
	reInvisible  = regexp.MustCompile("[\u200B\u200C\u200D\u2060\uFEFF\u00AD]")
	reWhitespace = regexp.MustCompile(`[\s\p{Zs}]+`)
)

// Normalize canonicalizes text so that inputs differing only in case,
// whitespace runs, or volatile formatting compare equal.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = reInvisible.ReplaceAllString(text, "")
	text = reHTMLTag.ReplaceAllString(text, " ")
	// A Caser is stateful, so one is built per call.
	text = cases.Fold().String(text)
	text = reWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Hash returns the hex SHA-256 digest (64 characters) of the normalized text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// ForContent fingerprints content under a scoring configuration. The same text
// scored under a different configuration yields a different fingerprint.
func ForContent(text, configurationID string) string {
	h := sha256.New()
	h.Write([]byte(Normalize(text)))
	h.Write([]byte{0})
	h.Write([]byte(configurationID))
	return hex.EncodeToString(h.Sum(nil))
}
