package output

import (
	"regexp"
	"strconv"
	"strings"
)

const maxEvidence = 2

var (
	reFence = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\\r?\\n?(.*?)(?:```|$)")

	reScoreValue = regexp.MustCompile(`^([+-]?)\s*(\d+)(?:\.(\d+))?`)

	// Ordered most to least specific: field-style, label style, bare token.
	scorePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)"score"\s*:\s*"?\s*([+\-\x{2212}]?\s*\d+(?:\.\d+)?)`),
		regexp.MustCompile(`(?i)\b(?:score|rating)\b\s*(?:[:=]|is|of)?\s*[*_]*\s*\(?\s*([+\-\x{2212}]?\s*\d+(?:\.\d+)?)`),
		regexp.MustCompile(`(?m)^\s*[*_\[(]*\s*([+\-\x{2212}]?\d)\s*[*_\])]*\s*$`),
	}

	reCommentLabel = regexp.MustCompile(`(?im)^\s*[*_]*"?comment"?[*_]*\s*[:=]\s*(.+?)\s*$`)
	reQuoted       = regexp.MustCompile(`"([^"\n]{2,})"`)
	reBullet       = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+(.+?)\s*$`)
	reSentenceEnd  = regexp.MustCompile(`[.!?](?:\s|$)`)
)

var fieldNames = map[string]bool{
	"score":    true,
	"rating":   true,
	"comment":  true,
	"evidence": true,
	"detail":   true,
	"details":  true,
}

// StripFence returns the body of the first fenced block. An unterminated fence
// (output cut off) yields everything after the opening line.
func StripFence(s string) (string, bool) {
	if !strings.Contains(s, "```") {
		return s, false
	}
	m := reFence.FindStringSubmatch(s)
	if m == nil {
		return s, false
	}
	return strings.TrimSpace(m[1]), true
}

// scanStructure calls visit for every byte outside JSON string literals and
// reports whether the input ends inside a string (and after a backslash).
func scanStructure(s string, visit func(i int, c byte)) (inString, escaped bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			continue
		}
		visit(i, c)
	}
	return inString, escaped
}

// BalanceBraces closes an unterminated string and appends the minimum closing
// brackets implied by the bracket depth. A trailing comma is dropped.
func BalanceBraces(s string) string {
	var stack []byte
	inString, escaped := scanStructure(s, func(_ int, c byte) {
		switch c {
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	})

	out := s
	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out += `"`
	}
	out = strings.TrimRight(out, " \t\r\n")
	out = strings.TrimSuffix(out, ",")

	var b strings.Builder
	b.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// cutIncompleteTail drops everything from the last comma outside a string,
// discarding a member that was cut off mid-way (e.g. a key with no value).
func cutIncompleteTail(s string) (string, bool) {
	last := -1
	scanStructure(s, func(i int, c byte) {
		if c == ',' {
			last = i
		}
	})
	if last < 0 {
		return s, false
	}
	return s[:last], true
}

// depth is the number of unclosed brackets outside strings.
func depth(s string) int {
	d := 0
	scanStructure(s, func(_ int, c byte) {
		switch c {
		case '{', '[':
			d++
		case '}', ']':
			d--
		}
	})
	return d
}

// NormalizeScore converts score spellings such as `+2`, `"-1"`, `1.0` or
// `+1 (good)` into a plain signed integer. Fractional scores are rejected.
func NormalizeScore(s string) (int, bool) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.ReplaceAll(s, "\u2212", "-")
	s = strings.TrimSpace(s)

	m := reScoreValue.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	if frac := m[3]; frac != "" && strings.Trim(frac, "0") != "" {
		return 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	if m[1] == "-" {
		n = -n
	}
	return n, true
}

// ExtractFields is the last-resort strategy for output with no usable
// structure: a labeled score token, a comment, and up to two evidence spans.
func ExtractFields(text string) (Result, bool) {
	score, ok := extractScore(text)
	if !ok {
		return Result{}, false
	}
	comment := extractComment(text)
	return Result{
		Score:    score,
		Comment:  comment,
		Evidence: extractEvidence(text, comment),
	}, true
}

func extractScore(text string) (int, bool) {
	for _, re := range scorePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if n, ok := NormalizeScore(m[1]); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func extractComment(text string) string {
	if m := reCommentLabel.FindStringSubmatch(text); m != nil {
		if c := cleanSpan(m[1]); c != "" && !isFieldOrScore(c) {
			return c
		}
	}

	for _, m := range reQuoted.FindAllStringSubmatch(text, -1) {
		if c := strings.TrimSpace(m[1]); !isFieldOrScore(c) {
			return c
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") || reBullet.MatchString(line) || isScoreLine(line) {
			continue
		}
		line = strings.TrimLeft(line, "#*_> ")
		if loc := reSentenceEnd.FindStringIndex(line); loc != nil {
			line = line[:loc[0]+1]
		}
		if c := cleanSpan(line); c != "" && !isFieldOrScore(c) {
			return c
		}
	}
	return ""
}

func extractEvidence(text, comment string) []string {
	evidence := make([]string, 0, maxEvidence)
	seen := map[string]bool{comment: true}

	add := func(s string) {
		s = cleanSpan(s)
		if s == "" || seen[s] || isFieldOrScore(s) || len(evidence) >= maxEvidence {
			return
		}
		seen[s] = true
		evidence = append(evidence, s)
	}

	for _, m := range reBullet.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range reQuoted.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return evidence
}

func isScoreLine(line string) bool {
	for _, re := range scorePatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func isFieldOrScore(s string) bool {
	if fieldNames[strings.ToLower(strings.TrimSpace(s))] {
		return true
	}
	_, ok := NormalizeScore(s)
	return ok && len(strings.TrimSpace(s)) <= 4
}

func cleanSpan(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ",")
	s = strings.Trim(s, `"'*_ `)
	return strings.TrimSpace(s)
}
