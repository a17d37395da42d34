// Package membroker provides an in-process broker implementing the
// messaging transport contract with topic exchange routing.
//
// It backs the "memory" transport of graybus (single-process deployments and
// local development) and the end-to-end tests of the messaging system.
//
// Fault injection:
//   - Sever drops every connection with a closure reason
//   - FailConnects refuses the next n connection attempts
//   - SetBackpressure makes publishes to an exchange fail with
//     messaging.ErrBackpressure
//
// Inject and the inspection helpers (Bindings, QueueDepth, Acks) exist so
// tests can observe broker-side state.
package membroker
