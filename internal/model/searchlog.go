package model

import "time"

// Stage identifies the pipeline stage that produced a log entry.
type Stage string

const (
	StageSearch   Stage = "search"
	StageAnalyze  Stage = "analyze"
	StageCrawl    Stage = "crawl"
	StageDownload Stage = "download"
	StageValidate Stage = "validate"
	StageMatch    Stage = "match"
	StageClaim    Stage = "claim"
)

// Outcome is the result of a stage for audit purposes.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// SearchLog is one append-only audit entry. Every state transition writes a
// log row alongside it so the trail and current state cannot diverge.
type SearchLog struct {
	ID         int64     `json:"id" db:"id"`
	HospitalID string    `json:"hospital_id" db:"hospital_id"`
	Stage      Stage     `json:"stage" db:"stage"`
	Outcome    Outcome   `json:"outcome" db:"outcome"`
	Detail     string    `json:"detail,omitempty" db:"detail"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}
