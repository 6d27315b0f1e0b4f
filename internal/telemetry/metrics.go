package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds all missionctl metric instruments.
type Metrics struct {
	DispatchPasses    metric.Int64Counter
	GatewaySends      metric.Int64Counter
	GatewaySendErrors metric.Int64Counter
	NotificationsSent metric.Int64Counter
	DroppedUnresolved metric.Int64Counter
	BreakerRejects    metric.Int64Counter
	BreakerOpens      metric.Int64Counter
	LeaseNudges       metric.Int64Counter
	LeaseEscalations  metric.Int64Counter
	WorkflowSteps     metric.Int64Counter
	WorkflowFailures  metric.Int64Counter
	InvokeDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchPasses, err = meter.Int64Counter("missionctl.dispatch.passes",
		metric.WithDescription("Notification delivery passes executed"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewaySends, err = meter.Int64Counter("missionctl.gateway.sends",
		metric.WithDescription("Gateway invoke calls attempted"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewaySendErrors, err = meter.Int64Counter("missionctl.gateway.send_errors",
		metric.WithDescription("Gateway invoke calls that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsSent, err = meter.Int64Counter("missionctl.notify.delivered",
		metric.WithDescription("Notifications marked delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.DroppedUnresolved, err = meter.Int64Counter("missionctl.notify.dropped_unresolved",
		metric.WithDescription("Notifications dropped for unresolvable agent ids"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerRejects, err = meter.Int64Counter("missionctl.breaker.rejects",
		metric.WithDescription("Sends refused by the circuit breaker"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerOpens, err = meter.Int64Counter("missionctl.breaker.opens",
		metric.WithDescription("Times the circuit breaker opened"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseNudges, err = meter.Int64Counter("missionctl.lease.nudges",
		metric.WithDescription("Nudge notifications sent by the lease enforcer"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseEscalations, err = meter.Int64Counter("missionctl.lease.escalations",
		metric.WithDescription("Escalations sent by the lease enforcer"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkflowSteps, err = meter.Int64Counter("missionctl.workflow.steps",
		metric.WithDescription("Workflow steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkflowFailures, err = meter.Int64Counter("missionctl.workflow.failures",
		metric.WithDescription("Workflow runs that terminated as failed"),
	)
	if err != nil {
		return nil, err
	}

	m.InvokeDuration, err = meter.Float64Histogram("missionctl.gateway.duration",
		metric.WithDescription("Gateway invoke duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
