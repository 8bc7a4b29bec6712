// Package monitor samples hub-wide counters on a fixed interval and
// publishes each snapshot to a sink. The emitter never blocks on slow
// consumers; that is the sink's problem.
package monitor
