package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/voxqueue/internal/config"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/platform/logger"
	"github.com/phrazzld/voxqueue/internal/storage"
)

type fakeObjects struct {
	objects map[string][]byte
	headErr error
	putErr  error
	puts    int
}

func (f *fakeObjects) HeadObjectWithContext(ctx aws.Context, in *awss3.HeadObjectInput, _ ...request.Option) (*awss3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[*in.Key]; ok {
		return &awss3.HeadObjectOutput{}, nil
	}
	return nil, awserr.NewRequestFailure(awserr.New("NotFound", "not found", nil), http.StatusNotFound, "req")
}

func (f *fakeObjects) PutObjectWithContext(ctx aws.Context, in *awss3.PutObjectInput, _ ...request.Option) (*awss3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	f.puts++
	return &awss3.PutObjectOutput{}, nil
}

func newTestUploader(t *testing.T, api *fakeObjects) *Uploader {
	t.Helper()
	log, _ := logger.NewTestLogger(t)
	return newUploader(api, "assets-bucket", log)
}

func TestUploader_PutHeadThenPut(t *testing.T) {
	t.Parallel()

	api := &fakeObjects{objects: map[string][]byte{}}
	u := newTestUploader(t, api)
	ctx := context.Background()
	key := storage.ObjectKey([]byte("hi"), "txt")

	ref, err := u.Put(ctx, key, []byte("hi"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "s3://assets-bucket/"+key, ref)
	assert.Equal(t, 1, api.puts)
	assert.Equal(t, []byte("hi"), api.objects[key])

	again, err := u.Put(ctx, key, []byte("hi"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Equal(t, 1, api.puts)
}

func TestUploader_HeadFailure(t *testing.T) {
	t.Parallel()

	api := &fakeObjects{
		objects: map[string][]byte{},
		headErr: awserr.NewRequestFailure(awserr.New("InternalError", "boom", nil), http.StatusInternalServerError, "req"),
	}
	u := newTestUploader(t, api)

	_, err := u.Put(context.Background(), "assets/x.txt", []byte("x"), "text/plain")
	require.Error(t, err)
	assert.Zero(t, api.puts)

	var reqErr awserr.RequestFailure
	assert.True(t, errors.As(err, &reqErr))
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func requestFailure(code int) error {
	return awserr.NewRequestFailure(awserr.New(http.StatusText(code), "rejected", nil), code, "req")
}

func TestUploader_PutErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantClass error
	}{
		{"forbidden", requestFailure(http.StatusForbidden), domain.ErrPermanent},
		{"bad request", requestFailure(http.StatusBadRequest), domain.ErrPermanent},
		{"request timeout", requestFailure(http.StatusRequestTimeout), domain.ErrTransient},
		{"throttled", requestFailure(http.StatusTooManyRequests), domain.ErrTransient},
		{"server error", requestFailure(http.StatusServiceUnavailable), domain.ErrTransient},
		{"network", errors.New("connection reset by peer"), domain.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u := newTestUploader(t, &fakeObjects{objects: map[string][]byte{}, putErr: tt.err})
			_, err := u.Put(context.Background(), "assets/x.txt", []byte("x"), "text/plain")

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantClass)
			assert.ErrorIs(t, err, tt.err)

			var cerr *domain.ClassifiedError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, "upload", cerr.Stage)
		})
	}
}

func TestUploader_HeadForbiddenStillUploads(t *testing.T) {
	t.Parallel()

	api := &fakeObjects{objects: map[string][]byte{}, headErr: requestFailure(http.StatusForbidden)}
	u := newTestUploader(t, api)

	ref, err := u.Put(context.Background(), "assets/x.txt", []byte("x"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "s3://assets-bucket/assets/x.txt", ref)
	assert.Equal(t, 1, api.puts)
}

func TestUploader_RejectsEmpty(t *testing.T) {
	t.Parallel()

	u := newTestUploader(t, &fakeObjects{objects: map[string][]byte{}})
	_, err := u.Put(context.Background(), "assets/x.txt", nil, "text/plain")
	assert.ErrorIs(t, err, storage.ErrEmptyObject)
}

func TestNew_RequiresBucket(t *testing.T) {
	t.Parallel()

	log, _ := logger.NewTestLogger(t)
	_, err := New(config.StorageConfig{Region: "auto"}, log)
	assert.Error(t, err)

	u, err := New(config.StorageConfig{
		Bucket:          "b",
		Region:          "auto",
		Endpoint:        "https://example.r2.cloudflarestorage.com",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
	}, log)
	require.NoError(t, err)
	assert.Equal(t, "b", u.bucket)
}
