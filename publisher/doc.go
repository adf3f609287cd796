// Package publisher streams storage change feeds to external systems.
//
// A worker per configured sink subscribes to the change hub, filters by
// storage name glob patterns, serializes each change as JSON and
// publishes it to the sink topic. Delivery is best effort: a subscriber
// that cannot keep up with the change rate loses events, and a sink that
// stays down past the retry budget drops the event. Replication does not
// depend on this package; peers converge through alignment regardless of
// sink health.
package publisher
