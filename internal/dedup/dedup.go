// Package dedup remembers which job owns a piece of work so that duplicate
// submissions and duplicate stage executions can be short-circuited.
//
// The cache is advisory. The job store's idempotency key is the source of
// truth; a cache miss only costs a store round trip.
package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/domain"
)

// Entry is the cached view of the job owning a dedup key.
type Entry struct {
	JobID     uuid.UUID        `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	ResultRef string           `json:"result_ref,omitempty"`
}

// Handle converts the entry into a job handle.
func (e *Entry) Handle() domain.JobHandle {
	return domain.JobHandle{JobID: e.JobID, Status: e.Status, ResultRef: e.ResultRef}
}

// Cache stores dedup entries and per-job asset markers.
type Cache interface {
	// Lookup returns nil, nil on a miss.
	Lookup(ctx context.Context, key string) (*Entry, error)

	// RememberPending records that jobID owns key until ttl elapses.
	RememberPending(ctx context.Context, key string, jobID uuid.UUID, ttl time.Duration) error

	// RememberResult records the terminal outcome for key.
	RememberResult(ctx context.Context, key string, entry Entry, ttl time.Duration) error

	// Forget drops key so the next submission creates a new job.
	Forget(ctx context.Context, key string) error

	// MarkAsset records the uploaded asset reference for jobID.
	MarkAsset(ctx context.Context, jobID uuid.UUID, ref string, ttl time.Duration) error

	// AssetFor returns "" when no asset has been recorded for jobID.
	AssetFor(ctx context.Context, jobID uuid.UUID) (string, error)
}

// ContentKey derives a dedup key from a JSON payload. Object keys are
// canonicalised so that payloads differing only in key order or whitespace
// share a key. Numbers keep their literal text, so large integers that
// would collide as float64 stay distinct.
func ContentKey(payload json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: trailing data after JSON value", domain.ErrInvalidPayload)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
