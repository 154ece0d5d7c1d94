package obs

import "go.opentelemetry.io/otel/metric"

// Metrics holds all notifier metrics instruments.
type Metrics struct {
	MatchesFound     metric.Int64Counter
	MatchesMissed    metric.Int64Counter
	TasksStarted     metric.Int64Counter
	LockWaitDuration metric.Float64Histogram
	ThreadsCreated   metric.Int64Counter
	RecordsPurged    metric.Int64Counter
	NotifySends      metric.Int64Counter
	NotifyErrors     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MatchesFound, err = meter.Int64Counter("notifier.match.found",
		metric.WithDescription("Completion events matched to a started task"),
	)
	if err != nil {
		return nil, err
	}

	m.MatchesMissed, err = meter.Int64Counter("notifier.match.missed",
		metric.WithDescription("Completion events with no matching started task"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStarted, err = meter.Int64Counter("notifier.task.started",
		metric.WithDescription("Task start events recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.LockWaitDuration, err = meter.Float64Histogram("notifier.lock.wait",
		metric.WithDescription("Time spent waiting for cross-process locks in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ThreadsCreated, err = meter.Int64Counter("notifier.thread.created",
		metric.WithDescription("External notification threads created"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordsPurged, err = meter.Int64Counter("notifier.sweep.purged",
		metric.WithDescription("Rows removed by retention sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifySends, err = meter.Int64Counter("notifier.send.total",
		metric.WithDescription("Notification messages delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyErrors, err = meter.Int64Counter("notifier.send.errors",
		metric.WithDescription("Notification delivery failures"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
