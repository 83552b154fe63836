package redact

import (
	"regexp"
	"strconv"
	"strings"
)

var patternToken = regexp.MustCompile(`\{(first|last)(\d+)\}`)

// MaskPattern substitutes {firstN} and {lastN} tokens with the first or
// last N characters of value. Everything else in pattern is literal.
func MaskPattern(value, pattern string) string {
	runes := []rune(value)
	return patternToken.ReplaceAllStringFunc(pattern, func(tok string) string {
		m := patternToken.FindStringSubmatch(tok)
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return ""
		}
		n = min(n, len(runes))
		if m[1] == "first" {
			return string(runes[:n])
		}
		return string(runes[len(runes)-n:])
	})
}

// AutoMask picks a mask by the shape of value: email addresses keep the
// first local-part character and the domain, phone-like digit strings keep
// the first two and last three characters, and anything else keeps its
// first and last character (fully masked at two characters or fewer).
func AutoMask(value string) string {
	if at := strings.LastIndex(value, "@"); at >= 0 {
		return maskEmail(value[:at], value[at:])
	}
	if looksLikePhone(value) {
		return keepEnds(value, 2, 3)
	}
	return keepEnds(value, 1, 1)
}

func maskEmail(local, domain string) string {
	runes := []rune(local)
	if len(runes) == 0 {
		return "***" + domain
	}
	return string(runes[0]) + "***" + domain
}

// looksLikePhone accepts strings of at least seven digits once common
// separators are removed.
func looksLikePhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 7
}

// keepEnds masks every rune except the first head and last tail runes.
func keepEnds(s string, head, tail int) string {
	runes := []rune(s)
	if len(runes) <= 2 || len(runes) <= head+tail {
		return strings.Repeat("*", len(runes))
	}
	var b strings.Builder
	b.WriteString(string(runes[:head]))
	b.WriteString(strings.Repeat("*", len(runes)-head-tail))
	b.WriteString(string(runes[len(runes)-tail:]))
	return b.String()
}
