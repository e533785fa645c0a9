package s3

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go/aws/awserr"

	"github.com/phrazzld/voxqueue/internal/domain"
)

const stageUpload = "upload"

// classifyRequestError marks client errors other than timeouts and throttling
// as permanent; a denied or malformed request will not succeed on retry.
func classifyRequestError(op, key string, err error) error {
	wrapped := fmt.Errorf("s3: %s %s: %w", op, key, err)

	var reqErr awserr.RequestFailure
	if !errors.As(err, &reqErr) {
		return domain.Transient(stageUpload, wrapped)
	}

	code := reqErr.StatusCode()
	if code >= 400 && code < 500 &&
		code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return domain.Permanent(stageUpload, wrapped)
	}
	return domain.Transient(stageUpload, wrapped)
}
