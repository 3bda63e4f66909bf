package normalizer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/propbot/propbot/internal/opportunity"
)

var missingDeadline = map[string]bool{"": true, "n/a": true, "na": true, "none": true, "tbd": true}

// Layouts tried when a value does not match the feed's native format.
// Layouts without a zone are read as UTC.
var genericLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"01/02/2006 15:04",
	"Jan 2, 2006",
	"January 2, 2006",
}

// ParseDeadline converts a feed deadline into a UTC instant. grants.gov
// sends MMDDYYYY dates, which become 23:59:59 of that day; sam.gov sends
// ISO-8601 with an offset. Other values go through the generic layouts,
// where a date without a time of day also becomes 23:59:59. Missing values
// yield nil; anything unparseable is an error.
func ParseDeadline(raw string, source opportunity.Source) (*time.Time, error) {
	s := strings.TrimSpace(raw)
	if missingDeadline[strings.ToLower(s)] {
		return nil, nil
	}

	if source == opportunity.SourceGrants && len(s) == 8 && isDigits(s) {
		t, err := time.Parse("01022006", s)
		if err != nil {
			return nil, fmt.Errorf("invalid MMDDYYYY date %q", s)
		}
		t = endOfDay(t)
		return &t, nil
	}

	if source == opportunity.SourceSAM {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
		// SAM occasionally omits the colon in the offset.
		if t, err := time.Parse("2006-01-02T15:04:05-0700", s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}

	for _, layout := range genericLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		t = t.UTC()
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			t = endOfDay(t)
		}
		return &t, nil
	}
	return nil, fmt.Errorf("unrecognized date %q", s)
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var errNegativeFunding = errors.New("funding_amount must not be negative")

// ParseFunding reads amounts such as "1,500,000", "$250000.00" or "75000".
// Thousands separators and the fractional part are dropped. Values that are
// not numbers yield nil without error; negative amounts are rejected.
func ParseFunding(raw string) (*int64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return nil, nil
	}
	if whole, _, ok := strings.Cut(s, "."); ok {
		s = whole
		if s == "" || s == "-" {
			s += "0"
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, nil
	}
	if n < 0 || strings.HasPrefix(s, "-") {
		return nil, errNegativeFunding
	}
	return &n, nil
}
