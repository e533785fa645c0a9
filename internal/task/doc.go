// Package task runs jobs. A WorkerPool leases job IDs from the broker,
// claims them in the job store and drives each attempt through an ordered
// list of stages: generate, upload, persist, notify. Failed attempts are
// retried with backoff or dead-lettered according to their error class.
//
// The Sweeper is the periodic maintenance loop: it dead-letters jobs that
// outlived the age ceiling, re-pushes work the broker lost, purges old
// terminal rows and reaps idle sessions.
package task
