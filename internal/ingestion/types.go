// Package ingestion drives ingest runs: it pulls raw records from a source
// adapter, normalizes them, drops expired and irrelevant ones, upserts the
// rest and keeps the run's audit counters.
package ingestion

import (
	"time"

	"github.com/propbot/propbot/internal/opportunity"
)

// Event types published for upserted opportunities.
const (
	EventInserted = "opportunity.inserted"
	EventUpdated  = "opportunity.updated"
)

// OpportunityEvent is the Kafka payload produced after an opportunity is
// inserted or updated by a run.
type OpportunityEvent struct {
	Type            string             `json:"type"`
	RunID           int64              `json:"run_id"`
	OpportunityID   string             `json:"opportunity_id"`
	Source          opportunity.Source `json:"source"`
	Title           string             `json:"title"`
	Agency          string             `json:"agency,omitempty"`
	Deadline        *time.Time         `json:"deadline,omitempty"`
	MatchedKeywords []string           `json:"matched_keywords"`
	MatchedNAICS    []string           `json:"matched_naics"`
	OccurredAt      time.Time          `json:"occurred_at"`
}

// IngestRequest is the Kafka payload asking a worker to run ingestion. An
// empty Source means every enabled source.
type IngestRequest struct {
	Source      string    `json:"source,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID        int64                   `json:"run_id"`
	Source       opportunity.Source      `json:"source"`
	Status       opportunity.RunStatus   `json:"status"`
	Counters     opportunity.RunCounters `json:"counters"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	Duration     time.Duration           `json:"duration"`
}
