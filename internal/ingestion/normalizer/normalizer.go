// Package normalizer turns raw source records into validated opportunities.
// It parses the feed-specific deadline formats, coerces funding amounts and
// enforces the required fields, returning per-field error details.
package normalizer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/propbot/propbot/internal/opportunity"
	apperrors "github.com/propbot/propbot/pkg/errors"
)

const maxIDLength = 255

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrValidation
}

// Normalize validates raw and converts it to an Opportunity. A non-nil
// error is always a *ValidationError.
func Normalize(raw opportunity.RawRecord) (*opportunity.Opportunity, error) {
	errs := make(map[string]string)
	if raw.Err != nil {
		errs["record"] = raw.Err.Error()
		return nil, &ValidationError{Fields: errs}
	}

	id := strings.TrimSpace(raw.ID)
	if id == "" {
		errs["opportunity_id"] = "opportunity_id is required"
	} else if len(id) > maxIDLength {
		errs["opportunity_id"] = fmt.Sprintf("opportunity_id must be at most %d characters", maxIDLength)
	}
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		errs["title"] = "title is required"
	}

	deadline, err := ParseDeadline(raw.Deadline, raw.Source)
	if err != nil {
		errs["deadline"] = err.Error()
	}
	funding, err := ParseFunding(raw.FundingAmount)
	if err != nil {
		errs["funding_amount"] = err.Error()
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	cfda := make([]string, 0, len(raw.CFDANumbers))
	for _, n := range raw.CFDANumbers {
		if n = strings.TrimSpace(n); n != "" {
			cfda = append(cfda, n)
		}
	}

	return &opportunity.Opportunity{
		OpportunityID:   id,
		Source:          raw.Source,
		Title:           title,
		Description:     strings.TrimSpace(raw.Description),
		Agency:          strings.TrimSpace(raw.Agency),
		Deadline:        deadline,
		FundingAmount:   funding,
		NAICSCode:       strings.TrimSpace(raw.NAICSCode),
		CFDANumbers:     cfda,
		NoticeType:      strings.TrimSpace(raw.NoticeType),
		URL:             strings.TrimSpace(raw.URL),
		MatchedKeywords: []string{},
		MatchedNAICS:    []string{},
	}, nil
}

// Expired reports whether the deadline's UTC date is before the UTC date of
// runStart. A deadline on the run date is still open. Records without a
// deadline are kept unless dropMissing is set.
func Expired(deadline *time.Time, runStart time.Time, dropMissing bool) bool {
	if deadline == nil {
		return dropMissing
	}
	d := deadline.UTC()
	r := runStart.UTC()
	dy, dm, dd := d.Date()
	ry, rm, rd := r.Date()
	return time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC).Before(time.Date(ry, rm, rd, 0, 0, 0, 0, time.UTC))
}
