package utils

import (
	"strings"
	"time"
)

// Flex payloads carry timestamps in several shapes depending on query
// configuration. Layouts are tried in order; the first success wins.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"20060102;150405",
	"2006-01-02,15:04:05",
	"2006-01-02 15:04:05",
	"20060102",
	"2006-01-02",
	"2006/01/02",
}

var dateLayouts = []string{
	"2006-01-02",
	"20060102",
	"2006/01/02",
}

// Fixed abbreviation→offset table for the named-timezone timestamp format
// ("20060102;150405 EST"). Offsets in seconds east of UTC.
var zoneOffsets = map[string]int{
	"EST":  -5 * 3600,
	"EDT":  -4 * 3600,
	"CST":  -6 * 3600,
	"CDT":  -5 * 3600,
	"MST":  -7 * 3600,
	"PST":  -8 * 3600,
	"PDT":  -7 * 3600,
	"GMT":  0,
	"UTC":  0,
	"BST":  1 * 3600,
	"CET":  1 * 3600,
	"CEST": 2 * 3600,
}

// ParseTimestampUTC parses one source timestamp value and normalizes it to
// UTC. Offset-naive values are taken as already-UTC. Returns false when no
// supported layout matches.
func ParseTimestampUTC(value string) (time.Time, bool) {
	normalized := strings.TrimSpace(value)
	if normalized == "" {
		return time.Time{}, false
	}

	if parsed, ok := parseNamedZoneTimestamp(normalized); ok {
		return parsed, true
	}

	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, normalized)
		if err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseLocalDate parses one source date value into canonical YYYY-MM-DD
// text. Trailing time portions after ';', 'T' or ' ' are discarded.
func ParseLocalDate(value string) (string, bool) {
	normalized := strings.TrimSpace(value)
	if normalized == "" {
		return "", false
	}

	for _, sep := range []string{";", "T", " "} {
		if idx := strings.Index(normalized, sep); idx > 0 {
			normalized = normalized[:idx]
			break
		}
	}

	for _, layout := range dateLayouts {
		parsed, err := time.Parse(layout, normalized)
		if err == nil {
			return parsed.Format("2006-01-02"), true
		}
	}
	return "", false
}

func parseNamedZoneTimestamp(value string) (time.Time, bool) {
	idx := strings.LastIndex(value, " ")
	if idx <= 0 {
		return time.Time{}, false
	}
	abbrev := value[idx+1:]
	offset, known := zoneOffsets[abbrev]
	if !known {
		return time.Time{}, false
	}

	base := strings.TrimSpace(value[:idx])
	location := time.FixedZone(abbrev, offset)
	for _, layout := range []string{"20060102;150405", "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02,15:04:05"} {
		parsed, err := time.ParseInLocation(layout, base, location)
		if err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}
