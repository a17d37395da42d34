package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// MeasurementBusEvents is the measurement every bus event is written to.
const MeasurementBusEvents = "bus_events"

// Observe implements messaging.Observer by writing the event as a point.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Events are dropped silently while the client is closed.
func (c *Client) Observe(e messaging.Event) {
	if c.closed.Load() {
		return
	}
	c.writeAPI.WritePoint(EventPoint(c.site, e))
}

// EventPoint converts a bus event into a point.
//
// Tags (low cardinality): kind, site.
// Fields: epoch always; name, registration_key, message_id, pattern,
// queue, handlers, payload_bytes and error when relevant to the kind.
func EventPoint(site string, e messaging.Event) *write.Point {
	tags := map[string]string{
		"kind": string(e.Kind),
	}
	if site != "" {
		tags["site"] = site
	}

	fields := map[string]interface{}{
		"epoch": e.Epoch,
	}
	if e.Name != "" {
		fields["name"] = e.Name
		fields["registration_key"] = e.RegistrationKey
	}
	if e.MessageID != "" {
		fields["message_id"] = e.MessageID
	}
	if e.Pattern != "" {
		fields["pattern"] = e.Pattern
	}
	if e.Queue != "" {
		fields["queue"] = e.Queue
	}
	if e.Kind == messaging.EventReceived {
		fields["handlers"] = e.Handlers
	}
	if e.Payload != nil {
		fields["payload_bytes"] = len(e.Payload)
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
	}

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(MeasurementBusEvents, tags, fields, ts)
}
