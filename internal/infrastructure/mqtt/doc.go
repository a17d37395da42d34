// Package mqtt provides an MQTT transport for the Gray Logic Bus.
//
// Transport implements messaging.Transport on top of paho.mqtt.golang, so
// a messaging.System can run over Mosquitto (or any MQTT 3.1.1 broker)
// instead of RabbitMQ.
//
// # Architecture
//
// The messaging system owns reconnection, so paho's auto-reconnect is off:
// a lost connection is reported on Connection.Closed and the system opens a
// fresh one after its retry delay, replaying every subscription.
//
//	messaging.System ↔ mqtt.Transport ↔ MQTT Broker ↔ other bus instances
//
// # Topic Mapping
//
// Exchanges and routing keys become topics (see Topics):
//
//	exchange "graybus", routing key "t1.orders.created" → graybus/t1/orders/created
//	binding key "t1.orders.*"                             → graybus/t1/orders/+
//	binding key "#.orders.#"                              → graybus/#  (widened)
//
// A fixed input queue maps to a shared subscription group
// ($share/<queue>/<filter>). Without one, each connection receives its own
// copy, like an AMQP auto-delete queue.
//
// # Delivery Semantics
//
//   - Subscriptions are only made once consumption starts; MQTT keeps no
//     queue for a clean session, so messages sent before that are not seen.
//   - Deliveries are acknowledged manually after routing (QoS 1 and 2).
//   - MQTT has no flow-control signal, so publishes never report
//     messaging.ErrBackpressure.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	tr, err := mqtt.New(cfg.MQTT, mqtt.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sys, err := messaging.New(tr, messaging.Config{InputExchange: "graybus"})
package mqtt
