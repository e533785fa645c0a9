package redis

import "github.com/google/uuid"

// Key naming. All keys share a configurable prefix, "voxq" by default.

const defaultKeyPrefix = "voxq"

type keys struct {
	prefix string
}

// readyKey is the sorted set of jobs waiting for a lease: {prefix}:jobs:ready
func (k keys) readyKey() string { return k.prefix + ":jobs:ready" }

// inflightKey is the sorted set of leased jobs: {prefix}:jobs:inflight
func (k keys) inflightKey() string { return k.prefix + ":jobs:inflight" }

// leasesKey maps job IDs to lease tokens: {prefix}:jobs:leases
func (k keys) leasesKey() string { return k.prefix + ":jobs:leases" }

// sessionChannel is the pub/sub channel for a session: {prefix}:session:{id}
func (k keys) sessionChannel(sessionID string) string {
	return k.prefix + ":session:" + sessionID
}

// dedupKey holds a JSON dedup entry: {prefix}:dedup:{key}
func (k keys) dedupKey(key string) string { return k.prefix + ":dedup:" + key }

// assetKey holds the uploaded asset reference for a job: {prefix}:asset:{id}
func (k keys) assetKey(jobID uuid.UUID) string {
	return k.prefix + ":asset:" + jobID.String()
}
