package ingest

import "strings"

const (
	StatusOpen      = "OPEN"
	StatusSuspended = "SUSPENDED"
	StatusClosed    = "CLOSED"
)

// NormalizeStatus maps the registries' operating-status vocabulary onto a
// small canonical set:
// - 정상/운영/재개/open -> OPEN
// - 휴지/휴원/suspended -> SUSPENDED
// - 폐지/폐원/closed -> CLOSED
// - anything else is kept as given
func NormalizeStatus(v any) *string {
	s := ToText(v)
	if s == nil {
		return nil
	}
	var out string
	switch strings.ToLower(*s) {
	case "정상", "운영", "운영중", "재개", "open":
		out = StatusOpen
	case "휴지", "휴원", "suspended":
		out = StatusSuspended
	case "폐지", "폐원", "closed":
		out = StatusClosed
	default:
		return s
	}
	return &out
}
