// Package store defines the persistence contracts for jobs and sessions.
// The Job Store is the source of truth for job status: every status change
// is a conditional update guarded by the job's version, so concurrent
// writers observe ErrLeaseConflict instead of silently overwriting.
package store
