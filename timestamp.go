package yourmaster

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Zone-less layouts are interpreted as UTC, which is what the backend's
// LocalDateTime columns hold.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// ParseTimestamp parses the JSON encoding of a timestamp in any form the
// backend emits: a LocalDateTime component array [y, M, d, h, m, s, nanos],
// a quoted ISO-8601 string with or without offset, or epoch milliseconds.
func ParseTimestamp(raw string) (time.Time, error) {
	return parseTimestamp(gjson.Parse(raw))
}

func parseTimestamp(v gjson.Result) (time.Time, error) {
	switch {
	case v.IsArray():
		parts := v.Array()
		if len(parts) < 3 {
			return time.Time{}, fmt.Errorf("timestamp array too short: %s", v.Raw)
		}
		var f [7]int
		for i := 0; i < len(parts) && i < len(f); i++ {
			f[i] = int(parts[i].Int())
		}
		return time.Date(f[0], time.Month(f[1]), f[2], f[3], f[4], f[5], f[6], time.UTC), nil
	case v.Type == gjson.Number:
		return time.UnixMilli(v.Int()).UTC(), nil
	case v.Type == gjson.String:
		s := strings.TrimSpace(v.Str)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		for _, layout := range localLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	default:
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
}
