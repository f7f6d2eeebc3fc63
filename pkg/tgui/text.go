package tgui

import (
	"strconv"
	"unicode/utf8"
)

// TruncRunes returns s truncated to at most n runes, ending in "…" when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

// Thousands formats n with comma separators: 12345 -> "12,345".
func Thousands(n int) string {
	s := strconv.Itoa(n)
	neg := n < 0
	if neg {
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

// Clock renders seconds as m:ss, or "unlimited" for 0.
func Clock(seconds int) string {
	if seconds <= 0 {
		return "unlimited"
	}
	m, s := seconds/60, seconds%60
	if s < 10 {
		return strconv.Itoa(m) + ":0" + strconv.Itoa(s)
	}
	return strconv.Itoa(m) + ":" + strconv.Itoa(s)
}
