package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the organizer's instruments. A nil *Metrics is never passed
// around; use NoopMetrics where telemetry is not wired.
type Metrics struct {
	InboxEnqueued   metric.Int64Counter
	InboxClaimed    metric.Int64Counter
	InboxOutcomes   metric.Int64Counter
	CommandsApplied metric.Int64Counter
	CalendarCalls   metric.Int64Counter
	CronJobDuration metric.Float64Histogram
	RateLimitReject metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InboxEnqueued, err = meter.Int64Counter("organizer.inbox.enqueued",
		metric.WithDescription("Inbox items inserted, by source"),
	)
	if err != nil {
		return nil, err
	}

	m.InboxClaimed, err = meter.Int64Counter("organizer.inbox.claimed",
		metric.WithDescription("Inbox items claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.InboxOutcomes, err = meter.Int64Counter("organizer.inbox.outcomes",
		metric.WithDescription("Inbox item outcomes: done, retry, dead"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsApplied, err = meter.Int64Counter("organizer.commands.applied",
		metric.WithDescription("Commands applied, by intent and result"),
	)
	if err != nil {
		return nil, err
	}

	m.CalendarCalls, err = meter.Int64Counter("organizer.calendar.calls",
		metric.WithDescription("Calendar provider calls, by op and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.CronJobDuration, err = meter.Float64Histogram("organizer.cron.job.duration",
		metric.WithDescription("Scheduled job run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitReject, err = meter.Int64Counter("organizer.ratelimit.rejects",
		metric.WithDescription("HTTP requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
