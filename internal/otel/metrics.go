package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all relay metric instruments.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	TurnsActive      metric.Int64UpDownCounter
	TurnRetries      metric.Int64Counter
	TurnFailures     metric.Int64Counter
	ChunksSent       metric.Int64Counter
	SendThreadRetry  metric.Int64Counter
	QueueFullRejects metric.Int64Counter
	SessionEvictions metric.Int64Counter
	ProgressNotices  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("clawrelay.turn.duration",
		metric.WithDescription("Turn processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsActive, err = meter.Int64UpDownCounter("clawrelay.turn.active",
		metric.WithDescription("Turns currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnRetries, err = meter.Int64Counter("clawrelay.turn.retries",
		metric.WithDescription("Fresh-session retries"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnFailures, err = meter.Int64Counter("clawrelay.turn.failures",
		metric.WithDescription("Turns resolved to a failure class"),
	)
	if err != nil {
		return nil, err
	}

	m.ChunksSent, err = meter.Int64Counter("clawrelay.send.chunks",
		metric.WithDescription("Outbound message chunks delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.SendThreadRetry, err = meter.Int64Counter("clawrelay.send.thread_retries",
		metric.WithDescription("Chunks retried without a thread id after a 400"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueFullRejects, err = meter.Int64Counter("clawrelay.dispatch.queue_full",
		metric.WithDescription("Turns shed because the semaphore wait queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionEvictions, err = meter.Int64Counter("clawrelay.session.evictions",
		metric.WithDescription("Sessions evicted for idleness or cache pressure"),
	)
	if err != nil {
		return nil, err
	}

	m.ProgressNotices, err = meter.Int64Counter("clawrelay.progress.notices",
		metric.WithDescription("Still-working notifications sent"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
