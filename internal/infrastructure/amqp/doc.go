// Package amqp provides the RabbitMQ (AMQP 0-9-1) transport for the Gray
// Logic Bus.
//
// Transport implements messaging.Transport with rabbitmq/amqp091-go. Each
// connection carries a single channel; the messaging system declares its
// input queue on it, binds one key per registration and consumes with
// manual acknowledgement.
//
// # Architecture
//
//	messaging.System ↔ amqp.Transport ↔ RabbitMQ topic exchanges ↔ other bus instances
//
// The messaging system owns reconnection. A broker-initiated close of the
// connection or the channel is reported once on Connection.Closed, and the
// system dials a fresh connection after its retry delay.
//
// # Flow Control
//
// RabbitMQ signals pressure two ways: channel.flow pauses a channel, and
// connection.blocked is raised while a resource alarm is active. While
// either is in effect Publish returns messaging.ErrBackpressure, and the
// system keeps the message in its outbox until the broker drains.
//
// # Exchanges
//
// With amqp.declare_exchanges set (the default) every exchange used for
// binding or publishing is declared once per channel as a durable topic
// exchange. Turn it off when exchanges are provisioned elsewhere and the
// service account lacks configure permission.
//
// # Usage
//
//	tr := amqp.New(cfg.AMQP, logger)
//	sys, err := messaging.New(tr, messaging.Config{InputExchange: "graybus"})
package amqp
