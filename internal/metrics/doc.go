// Package metrics exposes bus activity as Prometheus metrics.
//
// Collector is a messaging.Observer. Event counts, connection state and the
// connection epoch are updated as events arrive; outbox depth and
// subscription count are read from the System at scrape time (Track).
//
// Handler serves the collector's registry; the admin API mounts it on the
// configured metrics path.
//
// Metric names (namespace graybus, subsystem bus):
//   - graybus_bus_events_total{kind}
//   - graybus_bus_handler_invocations_total
//   - graybus_bus_connected
//   - graybus_bus_connection_epoch
//   - graybus_bus_outbox_pending
//   - graybus_bus_subscriptions
package metrics
