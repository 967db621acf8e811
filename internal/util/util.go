package util

import (
	"strconv"
	"strings"
	"unicode"
)

// ParseNumericValue extracts a number from a free-form model reply.
// Preference order: direct parse, "is|equals N" pattern, then the first numeric token.
func ParseNumericValue(response string) (float64, bool) {
	response = strings.TrimSpace(response)
	if val, err := strconv.ParseFloat(response, 64); err == nil {
		return val, true
	}
	fields := strings.Fields(response)
	var numbers []float64
	for i := 0; i < len(fields); i++ {
		token := strings.Trim(fields[i], ".,!?:;()\"'")
		if v, err := strconv.ParseFloat(token, 64); err == nil {
			numbers = append(numbers, v)
		}
		if (strings.EqualFold(token, "equals") || strings.EqualFold(token, "is")) && i+1 < len(fields) {
			next := strings.Trim(fields[i+1], ".,!?:;()\"'")
			if v, err := strconv.ParseFloat(next, 64); err == nil {
				return v, true
			}
		}
	}
	if len(numbers) > 0 {
		return numbers[0], true
	}
	return 0, false
}

// TruncateString truncates s to maxLen runes and appends "..." if truncated.
// If preserveWords is true, truncates at the last space before maxLen when possible.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		if idx := lastSpaceBeforeRune(runes, cut); idx > 0 {
			cut = idx
		}
	}
	return string(runes[:cut]) + "..."
}

// TruncateTail keeps the head of s within maxLen runes, replacing the dropped
// tail with marker. The marker counts toward maxLen.
func TruncateTail(s string, maxLen int, marker string) string {
	runes := []rune(s)
	if maxLen <= 0 || len(runes) <= maxLen {
		return s
	}
	m := []rune(marker)
	if len(m) >= maxLen {
		return string(m[:maxLen])
	}
	return string(runes[:maxLen-len(m)]) + marker
}

// Words splits on anything that is not a letter or digit and lower-cases the tokens.
func Words(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

func lastSpaceBeforeRune(runes []rune, pos int) int {
	if pos > len(runes) {
		pos = len(runes)
	}
	for i := pos - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}
