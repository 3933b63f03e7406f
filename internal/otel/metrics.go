package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all dialog engine metrics instruments.
type Metrics struct {
	EventDuration         metric.Float64Histogram
	EventsProcessed       metric.Int64Counter
	EventsRejected        metric.Int64Counter
	AutoTransitionDepth   metric.Int64Histogram
	AutoTransitionLoops   metric.Int64Counter
	MediaUploadDuration   metric.Float64Histogram
	MediaUploadErrors     metric.Int64Counter
	SendAttempts          metric.Int64Counter
	SendRetries           metric.Int64Counter
	RateLimitRejects      metric.Int64Counter
	DuplicateClicksCaught metric.Int64Counter
	StateConflicts        metric.Int64Counter
	ActiveDialogs         metric.Int64UpDownCounter
	WebhookQueueDepth     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventDuration, err = meter.Float64Histogram("dialogengine.event.duration",
		metric.WithDescription("Dialog Manager event processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsProcessed, err = meter.Int64Counter("dialogengine.event.processed",
		metric.WithDescription("Inbound events processed to completion"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsRejected, err = meter.Int64Counter("dialogengine.event.rejected",
		metric.WithDescription("Inbound events rejected at parse or lock acquisition, or failed during dialog processing"),
	)
	if err != nil {
		return nil, err
	}

	m.AutoTransitionDepth, err = meter.Int64Histogram("dialogengine.autotransition.depth",
		metric.WithDescription("Number of auto-transition steps traversed per event"),
	)
	if err != nil {
		return nil, err
	}

	m.AutoTransitionLoops, err = meter.Int64Counter("dialogengine.autotransition.loop_detected",
		metric.WithDescription("Auto-transition loop guard trips"),
	)
	if err != nil {
		return nil, err
	}

	m.MediaUploadDuration, err = meter.Float64Histogram("dialogengine.media.upload.duration",
		metric.WithDescription("Media upload latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MediaUploadErrors, err = meter.Int64Counter("dialogengine.media.upload.errors",
		metric.WithDescription("Media upload failures"),
	)
	if err != nil {
		return nil, err
	}

	m.SendAttempts, err = meter.Int64Counter("dialogengine.send.attempts",
		metric.WithDescription("Platform send attempts, including retries"),
	)
	if err != nil {
		return nil, err
	}

	m.SendRetries, err = meter.Int64Counter("dialogengine.send.retries",
		metric.WithDescription("Platform send retries after transient failure"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("dialogengine.ratelimit.rejects",
		metric.WithDescription("Events rejected by the per-chat rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicateClicksCaught, err = meter.Int64Counter("dialogengine.duplicate.caught",
		metric.WithDescription("Duplicate button clicks suppressed by fingerprint debounce"),
	)
	if err != nil {
		return nil, err
	}

	m.StateConflicts, err = meter.Int64Counter("dialogengine.state.conflicts",
		metric.WithDescription("Optimistic concurrency conflicts on dialog state writes"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveDialogs, err = meter.Int64UpDownCounter("dialogengine.dialog.active",
		metric.WithDescription("Number of dialogs currently being processed"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookQueueDepth, err = meter.Int64UpDownCounter("dialogengine.webhook.queue_depth",
		metric.WithDescription("Pending events in the webhook intake worker queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
