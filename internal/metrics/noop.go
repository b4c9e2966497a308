package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (n *NoopSink) WebhookReceived(outcome string)                            {}
func (n *NoopSink) JobEnqueued(kind string)                                   {}
func (n *NoopSink) JobCompleted(kind, outcome string, duration time.Duration) {}
func (n *NoopSink) JobRetried(kind string)                                    {}
func (n *NoopSink) JobsInFlightIncr()                                         {}
func (n *NoopSink) JobsInFlightDecr()                                         {}
func (n *NoopSink) LowNoiseDeferred()                                         {}
func (n *NoopSink) ExecutionFinished(status string, latency time.Duration)    {}
func (n *NoopSink) SessionPoll(transient bool)                                {}
