package metrics

import "time"

// Sink records operational metrics. All methods are fire-and-forget:
// implementations MUST NOT block or propagate errors.
type Sink interface {
	// Ingestion metrics
	WebhookReceived(outcome string)
	JobEnqueued(kind string)

	// Worker metrics
	JobCompleted(kind, outcome string, duration time.Duration)
	JobRetried(kind string)
	JobsInFlightIncr()
	JobsInFlightDecr()
	LowNoiseDeferred()

	// Execution metrics
	ExecutionFinished(status string, latency time.Duration)
	SessionPoll(transient bool)
}

// Outcome constants for WebhookReceived.
const (
	IngestAccepted  = "accepted"
	IngestDuplicate = "duplicate"
	IngestNoMatch   = "no_match"
	IngestDisabled  = "disabled"
	IngestDeferred  = "deferred"
	IngestRejected  = "rejected"
	IngestError     = "error"
)

// Outcome constants for JobCompleted.
const (
	JobOK      = "ok"
	JobNoop    = "noop"
	JobFailed  = "failed"
	JobDropped = "dropped"
)
