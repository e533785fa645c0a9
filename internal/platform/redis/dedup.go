package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/voxqueue/internal/dedup"
	"github.com/phrazzld/voxqueue/internal/domain"
)

var _ dedup.Cache = (*Dedup)(nil)

// Dedup implements dedup.Cache with string keys and TTLs.
type Dedup struct {
	client goredis.Cmdable
	options
}

// NewDedup creates a Redis-backed dedup cache. The caller owns the client
// lifecycle.
func NewDedup(client goredis.Cmdable, opts ...Option) *Dedup {
	return &Dedup{client: client, options: newOptions(opts)}
}

// Lookup returns the entry for key, or nil on a miss.
func (d *Dedup) Lookup(ctx context.Context, key string) (*dedup.Entry, error) {
	raw, err := d.client.Get(ctx, d.keys.dedupKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("voxq/redis: dedup lookup: %w", err)
	}

	var entry dedup.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("voxq/redis: dedup decode: %w", err)
	}
	return &entry, nil
}

// RememberPending records that jobID owns key.
func (d *Dedup) RememberPending(ctx context.Context, key string, jobID uuid.UUID, ttl time.Duration) error {
	return d.RememberResult(ctx, key, dedup.Entry{JobID: jobID, Status: domain.JobStatusPending}, ttl)
}

// RememberResult overwrites key with entry.
func (d *Dedup) RememberResult(ctx context.Context, key string, entry dedup.Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("voxq/redis: dedup encode: %w", err)
	}
	if err := d.client.Set(ctx, d.keys.dedupKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("voxq/redis: dedup set: %w", err)
	}
	return nil
}

// Forget deletes key.
func (d *Dedup) Forget(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.keys.dedupKey(key)).Err(); err != nil {
		return fmt.Errorf("voxq/redis: dedup forget: %w", err)
	}
	return nil
}

// MarkAsset records ref as the uploaded asset for jobID.
func (d *Dedup) MarkAsset(ctx context.Context, jobID uuid.UUID, ref string, ttl time.Duration) error {
	if err := d.client.Set(ctx, d.keys.assetKey(jobID), ref, ttl).Err(); err != nil {
		return fmt.Errorf("voxq/redis: mark asset: %w", err)
	}
	return nil
}

// AssetFor returns the asset recorded for jobID, or "".
func (d *Dedup) AssetFor(ctx context.Context, jobID uuid.UUID) (string, error) {
	ref, err := d.client.Get(ctx, d.keys.assetKey(jobID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("voxq/redis: asset lookup: %w", err)
	}
	return ref, nil
}
