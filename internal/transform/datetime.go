package transform

import (
	"fmt"
	"strings"
	"time"
)

// DateOrder is the fixed rule for reading numeric day/month dates.
type DateOrder string

const (
	DayFirst   DateOrder = "day-first"
	MonthFirst DateOrder = "month-first"
)

// ParseDateOrder validates a configured order.
func ParseDateOrder(s string) (DateOrder, error) {
	switch DateOrder(strings.ToLower(strings.TrimSpace(s))) {
	case DayFirst:
		return DayFirst, nil
	case MonthFirst:
		return MonthFirst, nil
	}
	return "", fmt.Errorf("invalid legacy date order %q: want %q or %q", s, DayFirst, MonthFirst)
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseISO8601 parses modern export timestamps. Values without a zone are UTC.
func ParseISO8601(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 timestamp")
}

var legacyTimeLayouts = []string{
	" 3:04:05 PM",
	" 3:04 PM",
	" 15:04:05",
	" 15:04",
	"",
}

// ParseLegacy parses legacy portal dates such as "3/12/2025 8:19:41 AM".
// The numeric date is read strictly according to order; a value that is only
// valid under the other order is rejected. Year-first ISO values are
// unambiguous and accepted as well.
func ParseLegacy(s string, order DateOrder, loc *time.Location) (time.Time, error) {
	s = strings.ToUpper(strings.Join(strings.Fields(s), " "))
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := ParseISO8601(s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}

	datePart := "2/1/2006"
	if order == MonthFirst {
		datePart = "1/2/2006"
	}
	for _, tl := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(datePart+tl, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not a %s legacy date", order)
}
