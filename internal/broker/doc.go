// Package broker defines the work queue and session channel contracts.
//
// The queue is at-least-once: a leased job stays invisible until its lease
// expires, after which it becomes leasable again. Ack removes it, Nack makes
// it visible again after a delay, Renew extends the lease. Every lease
// carries a token; operations with a stale token fail with ErrLeaseLost so a
// worker that lost its lease cannot acknowledge work another worker now owns.
//
// The broker also carries per-session pub/sub channels used to deliver job
// outcomes to whichever gateway instance holds the session's connection.
package broker
