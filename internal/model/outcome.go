package model

import "time"

// OutcomeKind is the terminal result class of one UploadEvent.
type OutcomeKind string

const (
	OutcomeCommitted        OutcomeKind = "Committed"
	OutcomeRejected         OutcomeKind = "Rejected"
	OutcomeTimedOut         OutcomeKind = "TimedOut"
	OutcomeDuplicateSkipped OutcomeKind = "DuplicateSkipped"
)

// IngestionOutcome is returned to the caller and appended to the audit sink.
type IngestionOutcome struct {
	Kind     OutcomeKind `json:"kind"`
	RecordID string      `json:"record_id,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

func Committed(recordID string) IngestionOutcome {
	return IngestionOutcome{Kind: OutcomeCommitted, RecordID: recordID}
}

func Rejected(reason string) IngestionOutcome {
	return IngestionOutcome{Kind: OutcomeRejected, Reason: reason}
}

func TimedOut() IngestionOutcome {
	return IngestionOutcome{Kind: OutcomeTimedOut}
}

func DuplicateSkipped() IngestionOutcome {
	return IngestionOutcome{Kind: OutcomeDuplicateSkipped}
}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID              string        `json:"id"`
	SourceReference string        `json:"source_reference"`
	IdempotencyKey  string        `json:"idempotency_key"`
	Outcome         OutcomeKind   `json:"outcome"`
	RecordID        *string       `json:"record_id,omitempty"`
	Reason          *string       `json:"reason,omitempty"`
	JobHandle       *string       `json:"job_handle,omitempty"`
	FailureDetail   *string       `json:"failure_detail,omitempty"`
	LastState       string        `json:"last_state"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Duration        time.Duration `json:"duration"`
}
