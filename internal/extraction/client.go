// Package extraction talks to the external OCR extraction service. A client
// performs exactly one round trip per call and never waits on job progress;
// driving a job to completion is the poller's concern.
package extraction

import (
	"context"
	"errors"
	"fmt"

	"invoiceingest/internal/model"
)

// ErrInvalidReference is returned by Submit before any network call when the
// document reference cannot be sent.
var ErrInvalidReference = errors.New("invalid document reference")

// DocumentRef tells the service where to read the source document.
type DocumentRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	URL    string `json:"url,omitempty"`
}

func (r DocumentRef) validate() error {
	if r.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidReference)
	}
	if r.Bucket == "" && r.URL == "" {
		return fmt.Errorf("%w: %s has neither bucket nor url", ErrInvalidReference, r.Key)
	}
	return nil
}

// PollResult is the normalized answer of one status call. Status is one of
// JobRunning, JobSucceeded or JobFailed.
type PollResult struct {
	Status        model.JobStatus
	Payload       *model.ExtractionPayload
	FailureDetail string
}

// Client is the job client contract.
type Client interface {
	// Submit starts a job and returns its opaque handle.
	Submit(ctx context.Context, ref DocumentRef) (string, error)
	// PollOnce asks for the job's current status once.
	PollOnce(ctx context.Context, handle string) (PollResult, error)
}

// SubmissionError means the service did not accept the job. Retryable marks
// throttling and server-side faults; the caller decides whether to retry.
type SubmissionError struct {
	StatusCode int
	Retryable  bool
	Detail     string
	Err        error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("submission failed: %v", e.Err)
	case e.Detail != "":
		return fmt.Sprintf("submission rejected (status %d): %s", e.StatusCode, e.Detail)
	default:
		return fmt.Sprintf("submission rejected (status %d)", e.StatusCode)
	}
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a SubmissionError worth another attempt.
func IsRetryable(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Retryable
}

// ExtractionFailure is a terminal failure reported by the service. Detail is
// kept verbatim for the audit trail.
type ExtractionFailure struct {
	Handle string
	Detail string
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("extraction job %s failed: %s", e.Handle, e.Detail)
}
