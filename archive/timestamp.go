package archive

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// epochMillisCutoff separates epoch seconds from epoch milliseconds.
// Integer values >= 10^12 are interpreted as milliseconds (10^12 seconds is
// past the year 33000, 10^12 milliseconds is 2001).
const epochMillisCutoff = 1_000_000_000_000

// timestampLayouts are tried in order against string inputs.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp converts the timestamp shapes found in provider exports into
// a UTC time.
//
// Accepted inputs:
//   - integers: epoch seconds if < 10^12, epoch milliseconds otherwise
//   - floats: epoch seconds with fractional part
//   - json.Number: as above, depending on whether it carries a fraction
//   - strings: ISO 8601 / RFC 3339 with or without fractional seconds or
//     zone, plus a small set of common human formats; numeric strings fall
//     back to the epoch rules
//
// Returns (zero, false) on anything it cannot interpret. Callers treat that
// as "missing" and record a warning; a bad timestamp never fails a
// conversation.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case int64:
		return fromEpochInt(t), true
	case int:
		return fromEpochInt(int64(t)), true
	case float64:
		return fromEpochFloat(t)
	case json.Number:
		if !strings.ContainsAny(t.String(), ".eE") {
			if i, err := t.Int64(); err == nil {
				return fromEpochInt(i), true
			}
		}
		if f, err := t.Float64(); err == nil {
			return fromEpochFloat(f)
		}
		return time.Time{}, false
	case string:
		return parseTimestampString(t)
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

func fromEpochInt(v int64) time.Time {
	if v >= epochMillisCutoff || v <= -epochMillisCutoff {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func fromEpochFloat(v float64) (time.Time, bool) {
	if v == 0 {
		return time.Time{}, false
	}
	if v >= epochMillisCutoff || v <= -epochMillisCutoff {
		return time.UnixMilli(int64(v)).UTC(), true
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC(), true
}

func parseTimestampString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	// Some exports serialize epochs as strings.
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpochInt(i), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpochFloat(f)
	}
	return time.Time{}, false
}
