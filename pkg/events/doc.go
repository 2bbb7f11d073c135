// Package events provides a lightweight in-process pub/sub broker for task
// and agent lifecycle events.
//
// The hub publishes an event at every task transition (created, claimed,
// progress, completed, failed, cancelled, recovered) and whenever the
// supervisor starts or stops an agent. Subscribers receive events on
// buffered channels; a slow subscriber loses events rather than blocking
// the publisher.
//
// Drain is the standard subscriber: it persists every event into the
// diagnostic log store, which gives operators a cross-store timeline of
// what every agent did without the event path ever gating task state.
package events
