// Package output recovers a structured score record from a provider's raw text.
//
// Recovery runs as an ordered chain of small strategies: direct decode, fenced
// block strip, brace balancing for truncated output, score sign normalization
// and, when no structure survives, labeled-field pattern extraction.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadOutput means no score could be recovered by any strategy, or the
// recovered score lies outside the scale.
var ErrBadOutput = errors.New("unparseable provider output")

const (
	DefaultMinScore = -2
	DefaultMaxScore = 2
)

// maxTailCuts bounds how many incomplete trailing members are dropped while
// repairing truncated output.
const maxTailCuts = 3

// Result is the recovered score record.
type Result struct {
	Score    int      `json:"score"`
	Comment  string   `json:"comment"`
	Evidence []string `json:"evidence"`
	Detail   string   `json:"detail,omitempty"`
}

// Parser validates scores against an inclusive integer scale.
type Parser struct {
	MinScore int
	MaxScore int
}

// Parse recovers a Result using the default −2..+2 scale.
func Parse(raw string) (Result, error) {
	return Parser{MinScore: DefaultMinScore, MaxScore: DefaultMaxScore}.Parse(raw)
}

func (p Parser) Parse(raw string) (Result, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrBadOutput)
	}

	if res, ok := decodeStructured(text); ok {
		return p.validate(res)
	}

	if res, ok := ExtractFields(text); ok {
		return p.validate(res)
	}

	return Result{}, fmt.Errorf("%w: no score found", ErrBadOutput)
}

func (p Parser) validate(res Result) (Result, error) {
	if res.Score < p.MinScore || res.Score > p.MaxScore {
		return Result{}, fmt.Errorf("%w: score %d outside %d..%d", ErrBadOutput, res.Score, p.MinScore, p.MaxScore)
	}
	if res.Evidence == nil {
		res.Evidence = []string{}
	}
	res.Comment = strings.TrimSpace(res.Comment)
	return res, nil
}

// decodeStructured tries, in order: the text as-is, the fenced block body,
// and the brace-balanced object with incomplete trailing members dropped.
func decodeStructured(text string) (Result, bool) {
	if res, ok := decodeRecord(text); ok {
		return res, true
	}

	body := text
	if inner, ok := StripFence(text); ok {
		body = inner
		if res, ok := decodeRecord(body); ok {
			return res, true
		}
	}

	obj, ok := objectSpan(body)
	if !ok {
		return Result{}, false
	}
	if res, ok := decodeRecord(obj); ok {
		return res, true
	}

	candidate := obj
	for i := 0; i <= maxTailCuts; i++ {
		if res, ok := decodeRecord(BalanceBraces(candidate)); ok {
			return res, true
		}
		cut, ok := cutIncompleteTail(candidate)
		if !ok {
			break
		}
		candidate = cut
	}
	return Result{}, false
}

type record struct {
	Score    json.RawMessage `json:"score"`
	Comment  json.RawMessage `json:"comment"`
	Evidence json.RawMessage `json:"evidence"`
	Detail   json.RawMessage `json:"detail"`
}

func decodeRecord(s string) (Result, bool) {
	var rec record
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return Result{}, false
	}
	if len(rec.Score) == 0 {
		return Result{}, false
	}
	score, ok := NormalizeScore(string(rec.Score))
	if !ok {
		return Result{}, false
	}
	return Result{
		Score:    score,
		Comment:  rawString(rec.Comment),
		Evidence: rawStrings(rec.Evidence),
		Detail:   rawString(rec.Detail),
	}, true
}

// objectSpan returns the text from the first '{' to the last '}', or to the
// end of input when the object was cut off.
func objectSpan(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	end := strings.LastIndexByte(s, '}')
	if end < start {
		return s[start:], true
	}
	// Keep a truncated tail when more openers than closers follow the last '}'.
	if depth(s[start:]) > 0 {
		return s[start:], true
	}
	return s[start : end+1], true
}

// rawString renders a JSON value as plain text: strings are unquoted, null is
// empty, anything else keeps its JSON form.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func rawStrings(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		if s := strings.TrimSpace(rawString(raw)); s != "" {
			return []string{s}
		}
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s := evidenceText(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// evidenceText accepts plain strings or objects carrying a quote/text field.
func evidenceText(item json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(item, &obj); err == nil {
		for _, key := range []string{"quote", "text", "excerpt"} {
			if v, ok := obj[key]; ok {
				return strings.TrimSpace(rawString(v))
			}
		}
		return ""
	}
	return strings.TrimSpace(rawString(item))
}
