package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText trims, applies Unicode NFC and collapses runs of whitespace.
// Registries mix composed and decomposed Hangul, which would otherwise change
// data hashes without any real change.
func NormalizeText(input string) string {
	s := norm.NFC.String(input)
	return strings.Join(strings.Fields(s), " ")
}

// rawString renders a loose document value as a trimmed string. Maps and
// lists are not scalar and render empty.
func rawString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

// ToText returns a normalized string, or nil when the value is absent.
func ToText(v any) *string {
	s := NormalizeText(rawString(v))
	if s == "" {
		return nil
	}
	return &s
}

// ToFloat coerces leniently: empty, missing and non-numeric values are nil,
// never zero.
func ToFloat(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	default:
		s := strings.ReplaceAll(rawString(t), ",", "")
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ToInt accepts integral numbers only ("50", "50.0", "1,200").
func ToInt(v any) *int {
	f := ToFloat(v)
	if f == nil || *f != math.Trunc(*f) || math.Abs(*f) > math.MaxInt32 {
		return nil
	}
	n := int(*f)
	return &n
}

// ToCoordinate treats 0 as missing; registries use it as a placeholder.
func ToCoordinate(v any) *float64 {
	f := ToFloat(v)
	if f == nil || *f == 0 {
		return nil
	}
	return f
}

func ToBool(v any) *bool {
	if b, ok := v.(bool); ok {
		return &b
	}
	var out bool
	switch strings.ToLower(NormalizeText(rawString(v))) {
	case "y", "yes", "true", "1", "운영", "유", "있음":
		out = true
	case "n", "no", "false", "0", "미운영", "무", "없음":
		out = false
	default:
		return nil
	}
	return &out
}

var (
	dateDashed  = regexp.MustCompile(`^(\d{4})[-./](\d{1,2})[-./](\d{1,2})$`)
	dateCompact = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})$`)
)

// ToDate renders recognized dates as YYYY-MM-DD. Unrecognized non-empty values
// are kept verbatim so no upstream information is dropped.
func ToDate(v any) *string {
	s := NormalizeText(rawString(v))
	if s == "" {
		return nil
	}
	if m := dateCompact.FindStringSubmatch(s); m != nil {
		out := m[1] + "-" + m[2] + "-" + m[3]
		return &out
	}
	if m := dateDashed.FindStringSubmatch(s); m != nil {
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		out := fmt.Sprintf("%s-%02d-%02d", m[1], mo, d)
		return &out
	}
	return &s
}

func sumInts(values ...*int) *int {
	var total int
	seen := false
	for _, v := range values {
		if v == nil {
			continue
		}
		seen = true
		total += *v
	}
	if !seen {
		return nil
	}
	return &total
}
