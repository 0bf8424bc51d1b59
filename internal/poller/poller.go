// Package poller drives a submitted extraction job to a terminal state within
// a wall-clock budget. Timeout is reported separately from extraction failure,
// and the remote job is never cancelled.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"invoiceingest/internal/config"
	"invoiceingest/internal/extraction"
	"invoiceingest/internal/logging"
	"invoiceingest/internal/metrics"
	"invoiceingest/internal/model"
)

// ErrPollTimeout is returned when the budget runs out, or the caller's context
// ends, before the job reaches a terminal state.
var ErrPollTimeout = errors.New("poll budget exhausted before terminal state")

// Clock abstracts time so the wait loop can be driven without real sleeps.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poller waits on extraction jobs. One Poller is shared; each Wait call owns its job.
type Poller struct {
	client  extraction.Client
	cfg     config.PollerConfig
	clock   Clock
	log     *slog.Logger
	metrics *metrics.Ingest
}

type Option func(*Poller)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithMetrics records poll durations and counts.
func WithMetrics(m *metrics.Ingest) Option {
	return func(p *Poller) { p.metrics = m }
}

func New(client extraction.Client, cfg config.PollerConfig, log *slog.Logger, opts ...Option) *Poller {
	p := &Poller{
		client: client,
		cfg:    cfg,
		clock:  realClock{},
		log:    logging.Component(log, "poller"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.RandomizationFactor = p.cfg.Jitter
	b.Multiplier = 2
	b.Reset()
	return b
}

// Wait polls until the job is Succeeded or Failed, or marks it TimedOut.
//
// The effective deadline is the earlier of the configured budget and ctx's
// deadline. The last sleep is clamped to that deadline and followed by one
// final poll, so the budget is overrun by at most one status call.
//
// Returns nil on success, *extraction.ExtractionFailure on failure and an
// error wrapping ErrPollTimeout on timeout. In every case job is left in a
// terminal state.
func (p *Poller) Wait(ctx context.Context, job *model.ExtractionJob) error {
	start := p.clock.Now()
	deadline := start.Add(p.cfg.Budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	b := p.newBackOff()
	log := p.log.With("job_handle", job.Handle)

	for {
		if err := ctx.Err(); err != nil {
			return p.timeOut(job, start, err)
		}

		res, err := p.client.PollOnce(ctx, job.Handle)
		job.Polls++
		if err != nil {
			log.Warn("poll_failed", "event", "poll", "attempt", job.Polls, "error", err)
		} else {
			switch res.Status {
			case model.JobSucceeded:
				if err := job.Succeed(res.Payload, p.clock.Now()); err != nil {
					return err
				}
				p.finish(job, start)
				return nil
			case model.JobFailed:
				if err := job.Fail(res.FailureDetail, p.clock.Now()); err != nil {
					return err
				}
				p.finish(job, start)
				return &extraction.ExtractionFailure{Handle: job.Handle, Detail: res.FailureDetail}
			default:
				if err := job.Advance(model.JobRunning); err != nil {
					return err
				}
			}
		}

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return p.timeOut(job, start, nil)
		}
		wait := b.NextBackOff()
		if wait > remaining {
			wait = remaining
		}
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return p.timeOut(job, start, err)
		}
	}
}

func (p *Poller) timeOut(job *model.ExtractionJob, start time.Time, cause error) error {
	if err := job.TimeOut(p.clock.Now()); err != nil {
		return err
	}
	p.finish(job, start)
	if cause != nil {
		return fmt.Errorf("%w after %d polls: %w", ErrPollTimeout, job.Polls, cause)
	}
	return fmt.Errorf("%w after %d polls", ErrPollTimeout, job.Polls)
}

func (p *Poller) finish(job *model.ExtractionJob, start time.Time) {
	waited := job.FinishedAt.Sub(start)
	p.metrics.ObservePoll(string(job.Status), waited, job.Polls)
	p.log.Info("poll_finished",
		"event", "poll",
		"job_handle", job.Handle,
		"status", string(job.Status),
		"polls", job.Polls,
		"waited_ms", waited.Milliseconds(),
	)
}
