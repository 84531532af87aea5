package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	accepted    metric.Int64Counter
	grants      metric.Int64Counter
	waits       metric.Int64Counter
	releases    metric.Int64Counter
	notifies    metric.Int64Counter
	closes      metric.Int64Counter
	connections metric.Int64ObservableGauge
	owners      metric.Int64ObservableGauge
	waiters     metric.Int64ObservableGauge
	capacity    metric.Int64ObservableGauge
}

func newEngineMetrics(logger pslog.Logger, e *Engine) *engineMetrics {
	meter := otel.Meter("pkt.systems/keyedmutexd/engine")
	m := &engineMetrics{}
	var err error

	m.accepted, err = meter.Int64Counter("keyedmutexd.conn.accepted",
		metric.WithDescription("Connections attached to a slot"))
	logMetricInitError(logger, "keyedmutexd.conn.accepted", err)

	m.closes, err = meter.Int64Counter("keyedmutexd.conn.closed",
		metric.WithDescription("Connections closed, by reason"))
	logMetricInitError(logger, "keyedmutexd.conn.closed", err)

	m.grants, err = meter.Int64Counter("keyedmutexd.lock.grant",
		metric.WithDescription("Ownership grants"))
	logMetricInitError(logger, "keyedmutexd.lock.grant", err)

	m.waits, err = meter.Int64Counter("keyedmutexd.lock.wait",
		metric.WithDescription("Connections parked behind an owner"))
	logMetricInitError(logger, "keyedmutexd.lock.wait", err)

	m.releases, err = meter.Int64Counter("keyedmutexd.lock.release",
		metric.WithDescription("Releases, explicit or by disconnect"))
	logMetricInitError(logger, "keyedmutexd.lock.release", err)

	m.notifies, err = meter.Int64Counter("keyedmutexd.lock.notify",
		metric.WithDescription("Waiter notifications, by outcome"))
	logMetricInitError(logger, "keyedmutexd.lock.notify", err)

	m.connections, err = meter.Int64ObservableGauge("keyedmutexd.conn.active",
		metric.WithDescription("Attached connections"))
	logMetricInitError(logger, "keyedmutexd.conn.active", err)

	m.owners, err = meter.Int64ObservableGauge("keyedmutexd.lock.owners",
		metric.WithDescription("Connections currently owning a key"))
	logMetricInitError(logger, "keyedmutexd.lock.owners", err)

	m.waiters, err = meter.Int64ObservableGauge("keyedmutexd.lock.waiters",
		metric.WithDescription("Connections currently waiting on a key"))
	logMetricInitError(logger, "keyedmutexd.lock.waiters", err)

	m.capacity, err = meter.Int64ObservableGauge("keyedmutexd.conn.capacity",
		metric.WithDescription("Fixed connection slot capacity"))
	logMetricInitError(logger, "keyedmutexd.conn.capacity", err)

	var observables []metric.Observable
	for _, g := range []metric.Int64ObservableGauge{m.connections, m.owners, m.waiters, m.capacity} {
		if g != nil {
			observables = append(observables, g)
		}
	}
	if len(observables) > 0 {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			st := e.Stats()
			if m.connections != nil {
				o.ObserveInt64(m.connections, int64(st.Connections))
			}
			if m.owners != nil {
				o.ObserveInt64(m.owners, int64(st.Owners))
			}
			if m.waiters != nil {
				o.ObserveInt64(m.waiters, int64(st.Waiters))
			}
			if m.capacity != nil {
				o.ObserveInt64(m.capacity, int64(st.Capacity))
			}
			return nil
		}, observables...); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "keyedmutexd.engine", "error", err)
		}
	}
	return m
}

func (m *engineMetrics) recordAccept() {
	if m == nil || m.accepted == nil {
		return
	}
	m.accepted.Add(context.Background(), 1)
}

func (m *engineMetrics) recordGrant() {
	if m == nil || m.grants == nil {
		return
	}
	m.grants.Add(context.Background(), 1)
}

func (m *engineMetrics) recordWait() {
	if m == nil || m.waits == nil {
		return
	}
	m.waits.Add(context.Background(), 1)
}

func (m *engineMetrics) recordRelease(explicit bool) {
	if m == nil || m.releases == nil {
		return
	}
	m.releases.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("keyedmutexd.release.kind", releaseKind(explicit))))
}

func (m *engineMetrics) recordNotify(ok bool) {
	if m == nil || m.notifies == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.notifies.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("keyedmutexd.notify.result", result)))
}

func (m *engineMetrics) recordClose(reason CloseReason) {
	if m == nil || m.closes == nil {
		return
	}
	m.closes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("keyedmutexd.close.reason", string(reason))))
}

func releaseKind(explicit bool) string {
	if explicit {
		return "explicit"
	}
	return "implicit"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
