// Package opportunity defines the records that flow between the source
// adapters, the ingest pipeline, the store and the analyzer.
package opportunity

import (
	"fmt"
	"time"
)

// Source identifies an upstream feed.
type Source string

const (
	SourceGrants Source = "grants.gov"
	SourceSAM    Source = "sam.gov"
)

// Sources lists every known feed in ingest order.
var Sources = []Source{SourceGrants, SourceSAM}

// ParseSource validates a feed name.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceGrants, SourceSAM:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown source %q (want %s or %s)", s, SourceGrants, SourceSAM)
}

// RFI notice types. A sam.gov opportunity with one of these is a request
// for information rather than a contract.
var RFINoticeTypes = []string{"Sources Sought", "Special Notice"}

// Opportunity is a normalized funding or contract notice.
type Opportunity struct {
	OpportunityID   string     `json:"opportunity_id"`
	Source          Source     `json:"source"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Agency          string     `json:"agency,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	FundingAmount   *int64     `json:"funding_amount,omitempty"`
	NAICSCode       string     `json:"naics_code,omitempty"`
	CFDANumbers     []string   `json:"cfda_numbers"`
	NoticeType      string     `json:"notice_type,omitempty"`
	URL             string     `json:"url,omitempty"`
	MatchedKeywords []string   `json:"matched_keywords"`
	MatchedNAICS    []string   `json:"matched_naics"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsRFI reports whether the notice is a sources-sought or special notice.
func (o *Opportunity) IsRFI() bool {
	if o.Source != SourceSAM {
		return false
	}
	for _, t := range RFINoticeTypes {
		if o.NoticeType == t {
			return true
		}
	}
	return false
}

// RawRecord is a source record before normalization. Field values are kept
// as the feed delivered them; normalization parses dates and amounts.
type RawRecord struct {
	Source        Source
	ID            string
	Title         string
	Description   string
	Agency        string
	Deadline      string
	FundingAmount string
	NAICSCode     string
	CFDANumbers   []string
	NoticeType    string
	URL           string
	// Err is set when the adapter could not decode this record; the
	// pipeline counts it as invalid and moves on.
	Err error
}

// FilterType distinguishes keyword and NAICS capability filters.
type FilterType string

const (
	FilterKeyword FilterType = "keyword"
	FilterNAICS   FilterType = "naics"
)

// CapabilityFilter is one configured relevance criterion.
type CapabilityFilter struct {
	ID          int64      `json:"id"`
	FilterType  FilterType `json:"filter_type"`
	Value       string     `json:"value"`
	Description string     `json:"description,omitempty"`
	Active      bool       `json:"active"`
}

// CompanyProfile is the organization's capability statement used as
// analysis context. There is a single profile.
type CompanyProfile struct {
	CompanyName     string   `json:"company_name" yaml:"company_name"`
	OwnerName       string   `json:"owner_name" yaml:"owner_name"`
	Location        string   `json:"location" yaml:"location"`
	ClearanceLevel  string   `json:"clearance_level" yaml:"clearance_level"`
	Capabilities    []string `json:"capabilities" yaml:"capabilities"`
	TechnicalSkills []string `json:"technical_skills" yaml:"technical_skills"`
	NAICSCodes      []string `json:"naics_codes" yaml:"naics_codes"`
	PastPerformance []string `json:"past_performance" yaml:"past_performance"`
	Certifications  []string `json:"certifications" yaml:"certifications"`
	Constraints     []string `json:"constraints" yaml:"constraints"`
	Summary         string   `json:"summary" yaml:"summary"`
}

// Document is a stored attachment or description page for an opportunity.
type Document struct {
	OpportunityID string    `json:"opportunity_id"`
	DocumentType  string    `json:"document_type"`
	Filename      string    `json:"filename"`
	SourceURL     string    `json:"source_url"`
	ContentText   string    `json:"content_text,omitempty"`
	SizeBytes     int64     `json:"size_bytes"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// UpsertResult reports whether an upsert created or modified a row.
type UpsertResult int

const (
	Inserted UpsertResult = iota + 1
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}
