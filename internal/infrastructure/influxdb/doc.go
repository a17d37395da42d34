// Package influxdb records Gray Logic Bus events in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, non-blocking event writing, and health monitoring.
//
// # Purpose
//
// Every bus event (connect, disconnect, publish, receive, malformed,
// handler fault) becomes one point in the bus_events measurement, tagged by
// kind and site. This gives a time series of broker outages, publish
// failures and traffic per message name.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	sys, err := messaging.New(transport, messaging.Config{
//	    Observers: []messaging.Observer{client},
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Observe never blocks: the underlying write API batches points.
//
// # Error Handling
//
// Write errors are delivered asynchronously via SetOnError.
// Connection and health check errors are returned directly.
package influxdb
