// Package queue implements the priority job queue over the
// coordination store's sorted set.
//
// # Ordering
//
//	score  = -(priority × 1000) + 10 × attempt
//	member = <enqueue-nanos, zero padded>|<job JSON>
//
// ZPOPMIN therefore serves the highest priority first, retries yield
// to fresh work of the same priority, and equal scores pop oldest
// first through the lexicographic member order.
//
// # Degraded Mode
//
// When the store stops answering, jobs fall into local in-process
// tier queues and intake keeps accepting work. Every later operation
// first tries to reconcile the local backlog into the store; a
// backlog deeper than the alert threshold is logged once per
// crossing. Local ordering is priority-tier FIFO, an approximation
// that holds until the store returns.
package queue
