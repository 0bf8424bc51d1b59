package model

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of one extraction job.
type JobStatus string

const (
	JobSubmitted JobStatus = "Submitted"
	JobRunning   JobStatus = "Running"
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
	JobTimedOut  JobStatus = "TimedOut"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobTimedOut
}

// ErrInvalidTransition is returned when a job would re-enter or skip back a state.
type ErrInvalidTransition struct {
	From, To JobStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.From, e.To)
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobSubmitted: {JobRunning, JobSucceeded, JobFailed, JobTimedOut},
	JobRunning:   {JobSucceeded, JobFailed, JobTimedOut},
}

// ExtractionJob is one in-flight or completed call to the extraction service.
type ExtractionJob struct {
	Handle        string
	SubmittedAt   time.Time
	Status        JobStatus
	Payload       *ExtractionPayload
	FailureDetail string
	Polls         int
	FinishedAt    time.Time
}

// NewExtractionJob returns a job in the Submitted state.
func NewExtractionJob(handle string, submittedAt time.Time) *ExtractionJob {
	return &ExtractionJob{Handle: handle, SubmittedAt: submittedAt, Status: JobSubmitted}
}

// Advance moves the job forward. Running -> Running is a no-op; every other
// repeated or backwards move is rejected.
func (j *ExtractionJob) Advance(to JobStatus) error {
	if j.Status == to && to == JobRunning {
		return nil
	}
	for _, next := range jobTransitions[j.Status] {
		if next == to {
			j.Status = to
			return nil
		}
	}
	return &ErrInvalidTransition{From: j.Status, To: to}
}

// Succeed stores the payload and finishes the job.
func (j *ExtractionJob) Succeed(p *ExtractionPayload, at time.Time) error {
	if err := j.Advance(JobSucceeded); err != nil {
		return err
	}
	j.Payload = p
	j.FinishedAt = at
	return nil
}

// Fail records the service's failure detail verbatim.
func (j *ExtractionJob) Fail(detail string, at time.Time) error {
	if err := j.Advance(JobFailed); err != nil {
		return err
	}
	j.FailureDetail = detail
	j.FinishedAt = at
	return nil
}

// TimeOut marks the local view of the job as abandoned. The remote job is left alone.
func (j *ExtractionJob) TimeOut(at time.Time) error {
	if err := j.Advance(JobTimedOut); err != nil {
		return err
	}
	j.FinishedAt = at
	return nil
}

// ExtractionPayload is the normalized output of the extraction service.
type ExtractionPayload struct {
	Fields []ExtractedField `json:"fields"`
	Tables []ExtractedTable `json:"tables"`
	Lines  []ExtractedLine  `json:"lines"`
	// Partial is set when the service reported only partial success.
	Partial bool `json:"partial"`
}

// ExtractedField is one free-form key/value pair.
type ExtractedField struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractedTable is a detected table as a list of cells.
type ExtractedTable struct {
	Cells []ExtractedCell `json:"cells"`
}

// ExtractedCell is a single table cell addressed by zero-based row/column.
type ExtractedCell struct {
	Row        int     `json:"row"`
	Column     int     `json:"column"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ExtractedLine is a raw detected text line.
type ExtractedLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}
