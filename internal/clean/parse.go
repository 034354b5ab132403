package clean

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// nullSentinels are placeholder strings that public datasets use for
// suppressed or unavailable values.
var nullSentinels = map[string]bool{
	"":     true,
	"*":    true,
	"**":   true,
	"#":    true,
	"-":    true,
	"--":   true,
	"n/a":  true,
	"na":   true,
	"null": true,
	"none": true,
	"nan":  true,
	"(d)":  true,
	"(na)": true,
	"(x)":  true,
	"(z)":  true,
}

// isSentinel reports whether s is a null placeholder.
func isSentinel(s string) bool {
	return nullSentinels[strings.ToLower(strings.TrimSpace(s))]
}

// RangePick selects the bound of a "low .. high" range value.
type RangePick string

const (
	RangeMid  RangePick = "mid"
	RangeLow  RangePick = "low"
	RangeHigh RangePick = "high"
)

// ParseNumber converts a JSON value into a float. Strings go through the
// tolerant parser. NaN and Inf never come back as ok.
func ParseNumber(v any, pick RangePick) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, false
	case json.Number:
		return ParseNumberString(x.String(), pick)
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case string:
		return ParseNumberString(x, pick)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseNumberString parses messy numeric text: "$1,234.50", "(300)",
// "12.5%", " 7 ", and ranges like "20,000 .. 50,000".
func ParseNumberString(s string, pick RangePick) (float64, bool) {
	s = strings.TrimSpace(s)
	if isSentinel(s) {
		return 0, false
	}

	if lo, hi, found := strings.Cut(s, ".."); found {
		l, okL := ParseNumberString(lo, pick)
		h, okH := ParseNumberString(hi, pick)
		if !okL || !okH {
			return 0, false
		}
		switch pick {
		case RangeLow:
			return l, true
		case RangeHigh:
			return h, true
		default:
			return (l + h) / 2, true
		}
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == ',' || r == '_' || r == '%' || unicode.IsSpace(r):
		case unicode.Is(unicode.Sc, r):
		default:
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if strings.HasPrefix(clean, "-") && neg {
		return 0, false
	}
	if clean == "" || clean == "-" || clean == "+" {
		return 0, false
	}

	f, err := strconv.ParseFloat(clean, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// ParseInteger parses a whole number. Fractional values are rejected.
func ParseInteger(v any) (float64, bool) {
	f, ok := ParseNumber(v, RangeMid)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return f, true
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15",
	"2006-01-02",
	"20060102",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan, 2006",
	"2 Jan 2006",
	"2006-01",
	"2006",
}

// twoDigitYear matches layouts whose year is ambiguous.
var twoDigitYear = []string{"01/02/06", "1/2/06", "06-01-02"}

// ParseDate converts a JSON value into a UTC instant. Integers longer than
// eight digits are unix epoch seconds; shorter ones are tried as years.
// Two-digit years are refused.
func ParseDate(v any) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case json.Number:
		if i, err := x.Int64(); err == nil && len(x.String()) > 8 {
			return time.Unix(i, 0).UTC(), true
		}
		return ParseDateString(x.String())
	case float64:
		if x > 99999999 {
			return time.Unix(int64(x), 0).UTC(), true
		}
		return ParseDateString(strconv.FormatFloat(x, 'f', -1, 64))
	case int64:
		return time.Unix(x, 0).UTC(), true
	case int:
		return time.Unix(int64(x), 0).UTC(), true
	case string:
		return ParseDateString(x)
	default:
		return time.Time{}, false
	}
}

// ParseDateString parses the date layouts found across public datasets.
func ParseDateString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if isSentinel(s) {
		return time.Time{}, false
	}
	for _, layout := range twoDigitYear {
		if len(s) == len(layout) {
			if _, err := time.Parse(layout, s); err == nil {
				return time.Time{}, false
			}
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if len(s) > 8 && allDigits(s) {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(i, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseBool accepts the usual true/false spellings plus Y/N.
func ParseBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case json.Number:
		return ParseBool(x.String())
	case float64:
		return x != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "1":
			return true, true
		case "false", "f", "no", "n", "0":
			return false, true
		}
	}
	return false, false
}

// NormalizeString trims, collapses internal whitespace, drops control
// characters, and applies NFC.
func NormalizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// stringify renders a scalar JSON value as text.
func stringify(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	default:
		return "", false
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
