package models

import "time"

// BatchOptions are the caller-supplied knobs for one batch. Concurrency and
// DelayMs override the per-domain strategy when greater than zero.
type BatchOptions struct {
	EnableSMTP       bool `json:"enable_smtp"`
	DeepVerification bool `json:"deep_verification"`
	Concurrency      int  `json:"concurrency" validate:"min=0,max=50"`
	DelayMs          int  `json:"delay_ms" validate:"min=0,max=60000"`
}

// Progress is reported to callers as sub-batches finish.
type Progress struct {
	JobID         string  `json:"job_id,omitempty"`
	Completed     int     `json:"completed"`
	Total         int     `json:"total"`
	Percentage    float64 `json:"percentage"`
	CurrentDomain string  `json:"current_domain"`
}

// NewProgress fills in the percentage for completed out of total.
func NewProgress(completed, total int, domain string) Progress {
	pct := 100.0
	if total > 0 {
		pct = float64(completed) * 100 / float64(total)
	}
	return Progress{
		Completed:     completed,
		Total:         total,
		Percentage:    pct,
		CurrentDomain: domain,
	}
}

const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// BatchJob tracks an asynchronous batch from submission until its results
// are collected.
type BatchJob struct {
	ID          string                `json:"id"`
	RequesterID string                `json:"requester_id,omitempty"`
	Status      string                `json:"status"`
	Options     BatchOptions          `json:"options"`
	Progress    Progress              `json:"progress"`
	Results     []VerificationVerdict `json:"results,omitempty"`
	Summary     *BatchSummary         `json:"summary,omitempty"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// BatchSummary aggregates a batch's verdicts.
type BatchSummary struct {
	Total      int `json:"total"`
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	High       int `json:"high"`
	Medium     int `json:"medium"`
	Low        int `json:"low"`
	Unknown    int `json:"unknown"`
	CatchAll   int `json:"catch_all"`
	Enterprise int `json:"enterprise"`
}

// Summarize counts verdicts by validity and confidence.
func Summarize(verdicts []VerificationVerdict) BatchSummary {
	s := BatchSummary{Total: len(verdicts)}
	for _, v := range verdicts {
		if v.Valid {
			s.Valid++
		} else {
			s.Invalid++
		}
		switch v.Confidence {
		case ConfidenceHigh:
			s.High++
		case ConfidenceMedium:
			s.Medium++
		case ConfidenceLow:
			s.Low++
		default:
			s.Unknown++
		}
		if v.CatchAll {
			s.CatchAll++
		}
		if v.IsEnterpriseDomain {
			s.Enterprise++
		}
	}
	return s
}
