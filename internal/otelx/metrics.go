package otelx

import "go.opentelemetry.io/otel/metric"

// Metrics holds all meridian OTel metrics instruments.
type Metrics struct {
	DispatchDuration  metric.Float64Histogram
	TaskDuration      metric.Float64Histogram
	QueueDepth        metric.Int64UpDownCounter
	DeadLettered      metric.Int64Counter
	RetriesTotal      metric.Int64Counter
	ActiveTasks       metric.Int64UpDownCounter
	ContinuousSteps   metric.Int64Counter
	HeartbeatStale    metric.Int64Counter
	PlanStepsTotal    metric.Int64Counter
	ConfigReloadTotal metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("meridian.dispatch.duration",
		metric.WithDescription("Time from publish to delivery on the dispatch bus, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("meridian.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("meridian.queue.depth",
		metric.WithDescription("Current depth of a dispatch bus queue"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLettered, err = meter.Int64Counter("meridian.dispatch.dead_lettered",
		metric.WithDescription("Total events moved to a dead letter queue"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesTotal, err = meter.Int64Counter("meridian.task.retries",
		metric.WithDescription("Total task retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("meridian.task.active",
		metric.WithDescription("Number of currently running tasks across all pools"),
	)
	if err != nil {
		return nil, err
	}

	m.ContinuousSteps, err = meter.Int64Counter("meridian.continuous.steps",
		metric.WithDescription("Total continuous runner steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatStale, err = meter.Int64Counter("meridian.orchestrator.heartbeat_stale",
		metric.WithDescription("Count of heartbeat staleness detections triggering a state transition"),
	)
	if err != nil {
		return nil, err
	}

	m.PlanStepsTotal, err = meter.Int64Counter("meridian.collaborative.plan_steps",
		metric.WithDescription("Total collaborative plan steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ConfigReloadTotal, err = meter.Int64Counter("meridian.config.reloads",
		metric.WithDescription("Total configuration registry reload events"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
