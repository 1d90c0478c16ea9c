package domain

import "time"

// LedgerEntry is an append-only cost record. Seq is a monotonic ULID assigned
// at commit so entries are totally ordered even within one millisecond.
type LedgerEntry struct {
	Seq      string    `json:"seq"`
	At       time.Time `json:"at"`
	JobID    string    `json:"job_id"`
	Amount   float64   `json:"amount"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
}

// SpendSummary is the aggregate cost view for one reporting period.
type SpendSummary struct {
	Period     string             `json:"period"`
	Total      float64            `json:"total"`
	ByModel    map[string]float64 `json:"by_model"`
	ByProvider map[string]float64 `json:"by_provider"`
}

// LedgerRepository persists cost entries. Insert is idempotent by
// (job_id, amount): re-recording the same pair is a no-op, which tolerates
// poller retries after a crash.
type LedgerRepository interface {
	Insert(ctx Context, e LedgerEntry) (inserted bool, err error)
	SumSince(ctx Context, since time.Time) (float64, error)
	SumRange(ctx Context, from, to time.Time) (float64, error)
	Summary(ctx Context, from, to time.Time) (SpendSummary, error)
	ListSince(ctx Context, since time.Time) ([]LedgerEntry, error)
	ListByJob(ctx Context, jobID string) ([]LedgerEntry, error)
}
