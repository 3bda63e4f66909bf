package opportunity

import "time"

// RunStatus is the lifecycle state of an ingest run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run has been finalized.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// RunCounters are the per-run audit counters. Every fetched record lands in
// exactly one of the other buckets.
type RunCounters struct {
	Fetched            int `json:"records_fetched"`
	FilteredExpired    int `json:"records_filtered_expired"`
	FilteredCapability int `json:"records_filtered_capability"`
	Inserted           int `json:"records_inserted"`
	Updated            int `json:"records_updated"`
	RejectedInvalid    int `json:"records_rejected_invalid"`
}

// Reconciles reports whether the buckets sum to the fetched count.
func (c RunCounters) Reconciles() bool {
	return c.Fetched == c.FilteredExpired+c.FilteredCapability+c.Inserted+c.Updated+c.RejectedInvalid
}

// IngestRun is the audit record of one execution against one source.
type IngestRun struct {
	ID           int64      `json:"id"`
	Source       Source     `json:"source"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Status       RunStatus  `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RunCounters
}
