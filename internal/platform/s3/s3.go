// Package s3 implements storage.Uploader on Amazon S3 or any S3-compatible
// endpoint (Cloudflare R2, MinIO).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"

	"github.com/phrazzld/voxqueue/internal/config"
	"github.com/phrazzld/voxqueue/internal/storage"
)

// objectAPI is the subset of the S3 client the uploader calls.
type objectAPI interface {
	HeadObjectWithContext(ctx aws.Context, input *awss3.HeadObjectInput, opts ...request.Option) (*awss3.HeadObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *awss3.PutObjectInput, opts ...request.Option) (*awss3.PutObjectOutput, error)
}

// Uploader writes assets to a bucket.
type Uploader struct {
	api    objectAPI
	bucket string
	logger *slog.Logger
}

var _ storage.Uploader = (*Uploader)(nil)

// New creates an uploader from the storage configuration. Static credentials
// are used when set; otherwise the SDK's default chain applies.
func New(cfg config.StorageConfig, logger *slog.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket cannot be empty")
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(
			credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to create session: %w", err)
	}

	return newUploader(awss3.New(sess), cfg.Bucket, logger), nil
}

func newUploader(api objectAPI, bucket string, logger *slog.Logger) *Uploader {
	return &Uploader{
		api:    api,
		bucket: bucket,
		logger: logger.With("component", "s3", "bucket", bucket),
	}
}

// Put uploads data unless key already exists and returns s3://bucket/key.
func (u *Uploader) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", storage.ErrEmptyObject
	}
	ref := fmt.Sprintf("s3://%s/%s", u.bucket, key)

	exists, err := u.exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		u.logger.DebugContext(ctx, "object already uploaded", "key", key)
		return ref, nil
	}

	_, err = u.api.PutObjectWithContext(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", classifyRequestError("put", key, err)
	}

	u.logger.DebugContext(ctx, "object uploaded", "key", key, "size", len(data))
	return ref, nil
}

func (u *Uploader) exists(ctx context.Context, key string) (bool, error) {
	_, err := u.api.HeadObjectWithContext(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	// Without ListBucket permission S3 answers 403 for a missing key, so
	// existence is unknown and the put decides.
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch reqErr.StatusCode() {
		case http.StatusNotFound:
			return false, nil
		case http.StatusForbidden:
			u.logger.DebugContext(ctx, "head forbidden, uploading anyway", "key", key)
			return false, nil
		}
	}
	return false, classifyRequestError("head", key, err)
}
